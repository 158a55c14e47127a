package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/cocoguard/apiserver/internal/services"
	"github.com/cocoguard/apiserver/internal/storage"
	"github.com/cocoguard/apiserver/types"
	"github.com/go-chi/chi/v5"
)

const (
	maxMultipartMemory  = 8 << 20
	formFieldImage      = "image"
	formFieldFarmID     = "farm_id"
	formFieldLatitude   = "latitude"
	formFieldLongitude  = "longitude"
	formFieldLocation   = "location_text"
	formFieldTreeCode   = "tree_code"
	formFieldSource     = "source"
	defaultImageMaxSize = 5 << 20
)

// ScanHandler provides HTTP handlers for scans.
type ScanHandler struct {
	scanService  *services.ScanService
	images       *storage.Storage
	maxImageSize int64
}

// NewScanHandler constructs a handler. images may be nil, in which case
// multipart uploads are refused and clients must send an image_ref.
func NewScanHandler(scanService *services.ScanService, images *storage.Storage, maxImageSize int64) *ScanHandler {
	if maxImageSize <= 0 {
		maxImageSize = defaultImageMaxSize
	}
	return &ScanHandler{
		scanService:  scanService,
		images:       images,
		maxImageSize: maxImageSize,
	}
}

// ScanRouter registers scan routes on the given router. Every route needs
// an authenticated actor.
func ScanRouter(
	r chi.Router,
	scanService *services.ScanService,
	images *storage.Storage,
	maxImageSize int64,
	actorMiddleware ...func(http.Handler) http.Handler,
) {
	handler := NewScanHandler(scanService, images, maxImageSize)

	r.Use(actorMiddleware...)
	r.Get("/", handler.ListScans)
	r.Post("/", handler.SubmitScan)
	r.Route("/{scanID}", func(r chi.Router) {
		r.Get("/", handler.GetScan)
		r.Get("/image", handler.GetScanImage)
		r.Put("/status", handler.UpdateStatus)
	})
}

// SubmitScanRequest is the JSON form of a scan submission.
type SubmitScanRequest struct {
	FarmID       *int            `json:"farm_id"`
	ImageRef     string          `json:"image_ref"`
	Location     *types.GeoPoint `json:"location"`
	LocationText string          `json:"location_text"`
	TreeCode     string          `json:"tree_code"`
	Source       string          `json:"source"`
}

// UpdateStatusRequest is the payload of an admin review.
type UpdateStatusRequest struct {
	Status     string `json:"status"`
	PestTypeID *int   `json:"pest_type_id"`
}

func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.scanService.List(r.Context(), actor, offset, limit)
	if err != nil {
		writeServiceError(w, err, "failed to list scans")
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[types.Scan]{Items: items, Page: page, Limit: limit, Total: total})
}

func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := parseIDParam(r, "scanID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scan, err := h.scanService.Get(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, err, "failed to fetch scan")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (h *ScanHandler) GetScanImage(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.images == nil {
		writeError(w, http.StatusServiceUnavailable, "image storage is not configured")
		return
	}
	id, err := parseIDParam(r, "scanID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scan, err := h.scanService.Get(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, err, "failed to fetch scan")
		return
	}
	if scan.ImageRef == "" {
		writeError(w, http.StatusNotFound, "scan has no image")
		return
	}

	body, err := h.images.Get(r.Context(), scan.ImageRef)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "image not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch image")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentTypeForKey(scan.ImageRef))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (h *ScanHandler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var in services.SubmitScanInput
	uploaded := ""
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		parsed, key, err := h.parseScanForm(r, actor)
		if err != nil {
			writeError(w, uploadErrorStatus(err), err.Error())
			return
		}
		in, uploaded = parsed, key
	} else {
		var req SubmitScanRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in = services.SubmitScanInput{
			FarmID:       req.FarmID,
			ImageRef:     req.ImageRef,
			Location:     req.Location,
			LocationText: req.LocationText,
			TreeCode:     req.TreeCode,
			Source:       types.ScanSource(req.Source),
		}
	}

	scan, err := h.scanService.Submit(r.Context(), actor, in)
	if err != nil {
		if uploaded != "" {
			_ = h.images.Delete(r.Context(), uploaded)
		}
		writeServiceError(w, err, "failed to submit scan")
		return
	}
	writeJSON(w, http.StatusCreated, scan)
}

func (h *ScanHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := parseIDParam(r, "scanID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req UpdateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := types.ScanStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	scan, err := h.scanService.UpdateStatus(r.Context(), actor, id, status, req.PestTypeID)
	if err != nil {
		writeServiceError(w, err, "failed to update scan status")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

var (
	errUploadsDisabled = errors.New("image uploads are not configured")
	errImageStore      = errors.New("failed to store image")
)

func (h *ScanHandler) parseScanForm(r *http.Request, actor types.User) (services.SubmitScanInput, string, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, h.maxImageSize+maxMultipartMemory)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return services.SubmitScanInput{}, "", errors.New("invalid multipart form")
	}

	in := services.SubmitScanInput{
		LocationText: r.FormValue(formFieldLocation),
		TreeCode:     r.FormValue(formFieldTreeCode),
		Source:       types.ScanSource(strings.TrimSpace(r.FormValue(formFieldSource))),
	}
	if raw := strings.TrimSpace(r.FormValue(formFieldFarmID)); raw != "" {
		farmID, err := strconv.Atoi(raw)
		if err != nil || farmID < 1 {
			return services.SubmitScanInput{}, "", errors.New("invalid farm id")
		}
		in.FarmID = &farmID
	}
	location, err := parseFormLocation(r.FormValue(formFieldLatitude), r.FormValue(formFieldLongitude))
	if err != nil {
		return services.SubmitScanInput{}, "", err
	}
	in.Location = location

	files := r.MultipartForm.File[formFieldImage]
	if len(files) == 0 {
		return in, "", nil
	}
	if len(files) > 1 {
		return services.SubmitScanInput{}, "", errors.New("only one image is allowed")
	}
	if h.images == nil {
		return services.SubmitScanInput{}, "", errUploadsDisabled
	}

	key, err := h.storeImage(r, actor, files[0])
	if err != nil {
		return services.SubmitScanInput{}, "", err
	}
	in.ImageRef = key
	return in, key, nil
}

func (h *ScanHandler) storeImage(r *http.Request, actor types.User, header *multipart.FileHeader) (string, error) {
	if header.Size > h.maxImageSize {
		return "", errors.New("uploaded file too large")
	}
	file, err := header.Open()
	if err != nil {
		return "", errors.New("failed to read upload")
	}
	defer file.Close()

	key, err := h.images.PutScanImage(r.Context(), actor.ID, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedImage) {
			return "", errors.New("image must be jpeg, png or webp")
		}
		return "", errImageStore
	}
	return key, nil
}

func parseFormLocation(rawLat, rawLon string) (*types.GeoPoint, error) {
	rawLat, rawLon = strings.TrimSpace(rawLat), strings.TrimSpace(rawLon)
	if rawLat == "" && rawLon == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil {
		return nil, errors.New("invalid latitude")
	}
	lon, err := strconv.ParseFloat(rawLon, 64)
	if err != nil {
		return nil, errors.New("invalid longitude")
	}
	return &types.GeoPoint{Latitude: lat, Longitude: lon}, nil
}

func uploadErrorStatus(err error) int {
	switch {
	case errors.Is(err, errUploadsDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, errImageStore):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
