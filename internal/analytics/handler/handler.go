package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"careflow/internal/analytics/models"
	"careflow/internal/events"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/httputil"
	"careflow/pkg/platform/middleware/identity"
	request "careflow/pkg/platform/middleware/request"
)

type Service interface {
	Stats(ctx context.Context) (models.Stats, error)
}

type Handler struct {
	svc    Service
	lag    events.LagReporter
	group  string
	logger *slog.Logger
}

func New(svc Service, lag events.LagReporter, group string, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, lag: lag, group: group, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.FromHeaders(h.logger))
		r.Get("/analytics/stats", h.handleStats)
		r.Get("/analytics/lag", h.handleLag)
	})
}

type lagResponse struct {
	Group      string           `json:"group"`
	Total      int64            `json:"total"`
	Partitions map[string]int64 `json:"partitions"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.svc.Stats(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read analytics stats",
			"request_id", request.GetRequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// handleLag reports how far the group trails the log. Lag is informational;
// any value is a 200.
func (h *Handler) handleLag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lag, err := h.lag.Lag(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read consumer lag",
			"request_id", request.GetRequestID(ctx),
			"group", h.group,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "consumer lag unavailable"))
		return
	}
	resp := lagResponse{Group: h.group, Partitions: make(map[string]int64, len(lag))}
	for p, n := range lag {
		resp.Partitions[strconv.Itoa(int(p))] = n
		resp.Total += n
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
