package handlers

import (
	"net/http"

	"github.com/cocoguard/apiserver/internal/analytics"
	"github.com/go-chi/chi/v5"
)

const (
	defaultTrendDays   = 7
	defaultTrendMonths = 6
	defaultTopFarms    = 10
)

// AnalyticsHandler provides read-only dashboard endpoints.
type AnalyticsHandler struct {
	engine *analytics.Engine
}

func NewAnalyticsHandler(engine *analytics.Engine) *AnalyticsHandler {
	return &AnalyticsHandler{engine: engine}
}

// AnalyticsRouter registers analytics routes on the given router.
func AnalyticsRouter(r chi.Router, engine *analytics.Engine, actorMiddleware ...func(http.Handler) http.Handler) {
	handler := NewAnalyticsHandler(engine)

	r.Use(actorMiddleware...)
	r.Get("/dashboard/summary", handler.DashboardSummary)
	r.Get("/scans/by-pest", handler.ScansByPestType)
	r.Get("/scans/by-status", handler.ScansByStatus)
	r.Get("/scans/trends", handler.DailyTrends)
	r.Get("/scans/monthly", handler.MonthlyTrends)
	r.Get("/farms/summary", handler.FarmSummaries)
	r.Route("/admin", func(r chi.Router) {
		r.Get("/system-stats", handler.SystemStats)
		r.Get("/scans/by-farm", handler.ScansByFarm)
	})
}

func (h *AnalyticsHandler) DashboardSummary(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	summary, err := h.engine.DashboardSummary(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err, "failed to compute dashboard summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *AnalyticsHandler) ScansByPestType(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	scope, err := analytics.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeServiceError(w, err, "invalid scope")
		return
	}
	days, err := parseIntQuery(r, "days", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := h.engine.ScansByPestType(r.Context(), actor, scope, days)
	if err != nil {
		writeServiceError(w, err, "failed to count scans by pest type")
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (h *AnalyticsHandler) ScansByStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	scope, err := analytics.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeServiceError(w, err, "invalid scope")
		return
	}

	counts, err := h.engine.ScansByStatus(r.Context(), actor, scope)
	if err != nil {
		writeServiceError(w, err, "failed to count scans by status")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *AnalyticsHandler) DailyTrends(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	scope, err := analytics.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeServiceError(w, err, "invalid scope")
		return
	}
	days, err := parseIntQuery(r, "days", defaultTrendDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := h.engine.DailyTrends(r.Context(), actor, scope, days)
	if err != nil {
		writeServiceError(w, err, "failed to compute daily trends")
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (h *AnalyticsHandler) MonthlyTrends(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	scope, err := analytics.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeServiceError(w, err, "invalid scope")
		return
	}
	months, err := parseIntQuery(r, "months", defaultTrendMonths)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := h.engine.MonthlyTrends(r.Context(), actor, scope, months)
	if err != nil {
		writeServiceError(w, err, "failed to compute monthly trends")
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (h *AnalyticsHandler) FarmSummaries(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	summaries, err := h.engine.FarmSummaries(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err, "failed to summarize farms")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *AnalyticsHandler) SystemStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	stats, err := h.engine.SystemStats(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err, "failed to compute system stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AnalyticsHandler) ScansByFarm(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, err := parseIntQuery(r, "limit", defaultTopFarms)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := h.engine.ScansByFarm(r.Context(), actor, limit)
	if err != nil {
		writeServiceError(w, err, "failed to count scans by farm")
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}
