package actions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/formsink/formsink/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrUnknownModule, Status: http.StatusNotFound, Message: "unknown action module"},
	{Error: ErrActionNotFound, Status: http.StatusNotFound, Message: "action not found"},
}

// Handler handles HTTP requests for the actions subsystem read surface.
type Handler struct {
	service *Service
}

// NewHandler creates a new actions handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers action routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/modules", h.ListModules)
	r.Post("/modules/{moduleID}/validate", h.ValidateConfig)
	r.Get("/actions/{actionID}/log", h.ActionLog)
	r.Get("/queue/stats", h.QueueStats)
}

// ListModules handles GET /modules.
func (h *Handler) ListModules(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.service.ListModules())
}

// ValidateConfig handles POST /modules/{moduleID}/validate. The body is the
// candidate module configuration; used by the configuration UI before an
// action is saved.
func (h *Handler) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "moduleID")

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := h.service.ValidateActionConfig(moduleID, body); err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			httputil.Error(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]bool{"valid": true})
}

type logEntryResponse struct {
	ID         uuid.UUID       `json:"id"`
	Status     LogStatus       `json:"status"`
	Response   json.RawMessage `json:"response,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ActionLog handles GET /actions/{actionID}/log.
func (h *Handler) ActionLog(w http.ResponseWriter, r *http.Request) {
	actionID, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.service.ActionLog(r.Context(), actionID, limit, offset)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	out := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntryResponse{
			ID:         e.ID,
			Status:     e.Status,
			Response:   e.Response,
			ExecutedAt: e.ExecutedAt,
		})
	}

	httputil.Success(w, http.StatusOK, out)
}

type queueStatsResponse struct {
	Pending                 int64   `json:"pending"`
	Processing              int64   `json:"processing"`
	Completed               int64   `json:"completed"`
	Failed                  int64   `json:"failed"`
	OldestPendingAgeSeconds float64 `json:"oldest_pending_age_seconds"`
}

// QueueStats handles GET /queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, queueStatsResponse{
		Pending:                 stats.Pending,
		Processing:              stats.Processing,
		Completed:               stats.Completed,
		Failed:                  stats.Failed,
		OldestPendingAgeSeconds: stats.OldestPendingAge.Seconds(),
	})
}
