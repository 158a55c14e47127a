package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/cocoguard/apiserver/internal/services"
	"github.com/cocoguard/apiserver/types"
	"github.com/go-chi/chi/v5"
)

// VerificationHandler provides HTTP handlers for verification codes.
type VerificationHandler struct {
	verificationService *services.VerificationService
}

func NewVerificationHandler(verificationService *services.VerificationService) *VerificationHandler {
	return &VerificationHandler{verificationService: verificationService}
}

// VerificationRouter registers verification routes on the given router.
func VerificationRouter(
	r chi.Router,
	verificationService *services.VerificationService,
	actorMiddleware ...func(http.Handler) http.Handler,
) {
	handler := NewVerificationHandler(verificationService)

	r.Use(actorMiddleware...)
	r.Post("/send", handler.Send)
	r.Post("/verify", handler.Verify)
	r.Post("/confirm", handler.Confirm)
}

type SendCodeRequest struct {
	Purpose   string `json:"purpose"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
}

type SendCodeResponse struct {
	Purpose   types.Purpose `json:"purpose"`
	Channel   types.Channel `json:"channel"`
	Recipient string        `json:"recipient"`
	ExpiresAt time.Time     `json:"expires_at"`
	Delivered bool          `json:"delivered"`
}

type CodeRequest struct {
	Purpose string `json:"purpose"`
	Code    string `json:"code"`
}

type VerifyCodeResponse struct {
	Valid bool `json:"valid"`
}

// Send issues a code and dispatches it. When delivery fails the code is
// still live, so the response is 202 with delivered=false.
func (h *VerificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req SendCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	code, err := h.verificationService.Issue(
		r.Context(),
		actor.ID,
		types.Purpose(req.Purpose),
		types.Channel(req.Channel),
		req.Recipient,
	)
	if err != nil && !(errors.Is(err, services.ErrGatewayUnavailable) && code.ID != 0) {
		writeServiceError(w, err, "failed to issue verification code")
		return
	}

	status := http.StatusCreated
	if err != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, SendCodeResponse{
		Purpose:   code.Purpose,
		Channel:   code.Channel,
		Recipient: code.Recipient,
		ExpiresAt: code.ExpiresAt,
		Delivered: err == nil,
	})
}

// Verify checks a code without consuming it.
func (h *VerificationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	valid, err := h.verificationService.Validate(r.Context(), actor.ID, types.Purpose(req.Purpose), req.Code)
	if err != nil {
		writeServiceError(w, err, "failed to verify code")
		return
	}
	writeJSON(w, http.StatusOK, VerifyCodeResponse{Valid: valid})
}

// Confirm consumes a code and applies the change it authorizes.
func (h *VerificationHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.verificationService.ConfirmChange(r.Context(), actor.ID, types.Purpose(req.Purpose), req.Code)
	if err != nil {
		writeServiceError(w, err, "failed to confirm code")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
