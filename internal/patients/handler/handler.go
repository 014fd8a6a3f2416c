package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"careflow/internal/patients/models"
	"careflow/internal/patients/outbox"
	"careflow/internal/patients/service"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/httputil"
	"careflow/pkg/platform/middleware/identity"
	request "careflow/pkg/platform/middleware/request"
	"careflow/pkg/requestcontext"
)

type Service interface {
	Create(ctx context.Context, attrs models.Attributes) (*service.Result, error)
	Update(ctx context.Context, id domain.PatientID, expectedVersion int64, attrs models.Attributes) (*service.Result, error)
	RetryOnboarding(ctx context.Context, id domain.PatientID) (*service.Result, error)
	Get(ctx context.Context, id domain.PatientID) (*models.Patient, error)
	NeedingReconciliation(ctx context.Context, limit int) ([]*models.Patient, error)
	ListDeadEvents(ctx context.Context, limit int) ([]*outbox.Entry, error)
	RequeueEvent(ctx context.Context, id uuid.UUID) error
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the patient endpoints and the operator views behind the
// identity forwarded by the edge router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.FromHeaders(h.logger))
		r.Post("/patients", h.handleCreate)
		r.Get("/patients/{id}", h.handleGet)
		r.Put("/patients/{id}", h.handleUpdate)
		r.Post("/patients/{id}/onboarding/retry", h.handleRetry)

		r.Group(func(r chi.Router) {
			r.Use(identity.RequireRole(domain.RoleAdmin, h.logger))
			r.Get("/admin/outbox/dead", h.handleListDead)
			r.Post("/admin/outbox/{id}/requeue", h.handleRequeue)
			r.Get("/admin/patients/reconcile", h.handleNeedingReconciliation)
		})
	})
}

type patientRequest struct {
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
	Plan        string `json:"plan"`
	// Version is required on update.
	Version *int64 `json:"version,omitempty"`
}

func (r patientRequest) attributes() models.Attributes {
	return models.Attributes{Name: r.Name, DateOfBirth: r.DateOfBirth, Plan: r.Plan}
}

type patientResponse struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	DateOfBirth          string     `json:"date_of_birth,omitempty"`
	Plan                 string     `json:"plan"`
	Status               string     `json:"status"`
	Version              int64      `json:"version"`
	BillingAccountID     string     `json:"billing_account_id,omitempty"`
	LastDependentFailure string     `json:"last_dependent_failure,omitempty"`
	Attempts             int        `json:"attempts"`
	RegisteredAt         time.Time  `json:"registered_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	LastAttemptAt        *time.Time `json:"last_attempt_at,omitempty"`
}

type onboardingResponse struct {
	Patient patientResponse `json:"patient"`
	Outcome string          `json:"outcome"`
	Stage   string          `json:"stage"`
	Reason  string          `json:"reason,omitempty"`
}

type deadEntryResponse struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}

func toPatientResponse(p *models.Patient) patientResponse {
	resp := patientResponse{
		ID:                   p.ID.String(),
		Name:                 p.Name,
		DateOfBirth:          p.DateOfBirth,
		Plan:                 p.Plan,
		Status:               string(p.Status),
		Version:              p.Version,
		BillingAccountID:     p.BillingAccountID,
		LastDependentFailure: p.LastDependentFailure,
		Attempts:             p.Attempts,
		RegisteredAt:         p.RegisteredAt,
		UpdatedAt:            p.UpdatedAt,
	}
	if !p.LastAttemptAt.IsZero() {
		t := p.LastAttemptAt
		resp.LastAttemptAt = &t
	}
	return resp
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req patientRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Create(ctx, req.attributes())
	if err != nil {
		h.logError(ctx, "failed to create patient", err)
		httputil.WriteError(w, err)
		return
	}
	h.writeResult(w, res, http.StatusCreated)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := patientID(w, r)
	if !ok {
		return
	}
	var req patientRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Version == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "version is required"))
		return
	}
	res, err := h.svc.Update(ctx, id, *req.Version, req.attributes())
	if err != nil {
		h.logError(ctx, "failed to update patient", err)
		httputil.WriteError(w, err)
		return
	}
	h.writeResult(w, res, http.StatusOK)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := patientID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.RetryOnboarding(ctx, id)
	if err != nil {
		h.logError(ctx, "failed to retry onboarding", err)
		httputil.WriteError(w, err)
		return
	}
	h.writeResult(w, res, http.StatusOK)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := patientID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Get(ctx, id)
	if err != nil {
		h.logError(ctx, "failed to get patient", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPatientResponse(p))
}

func (h *Handler) handleNeedingReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patients, err := h.svc.NeedingReconciliation(ctx, limitParam(r))
	if err != nil {
		h.logError(ctx, "failed to list patients needing reconciliation", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]patientResponse, 0, len(patients))
	for _, p := range patients {
		out = append(out, toPatientResponse(p))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"patients": out})
}

func (h *Handler) handleListDead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.svc.ListDeadEvents(ctx, limitParam(r))
	if err != nil {
		h.logError(ctx, "failed to list dead events", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]deadEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, deadEntryResponse{
			ID:        e.ID.String(),
			PatientID: e.Key,
			EventType: string(e.EventType),
			EventID:   e.EventID,
			Attempts:  e.Attempts,
			LastError: e.LastError,
			CreatedAt: e.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid entry id"))
		return
	}
	if err := h.svc.RequeueEvent(ctx, id); err != nil {
		h.logError(ctx, "failed to requeue event", err)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "dead event requeued by operator",
		"request_id", request.GetRequestID(ctx),
		"operator", requestcontext.Subject(ctx),
		"entry_id", id.String(),
	)
	w.WriteHeader(http.StatusNoContent)
}

// writeResult maps a workflow outcome to a status: rejected is 422, pending
// is 202, confirmed uses the operation's success status.
func (h *Handler) writeResult(w http.ResponseWriter, res *service.Result, confirmed int) {
	status := confirmed
	switch res.Outcome {
	case service.OutcomeRejected:
		status = http.StatusUnprocessableEntity
	case service.OutcomePending:
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, onboardingResponse{
		Patient: toPatientResponse(res.Patient),
		Outcome: string(res.Outcome),
		Stage:   string(res.Stage),
		Reason:  res.Reason,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return false
	}
	return true
}

func patientID(w http.ResponseWriter, r *http.Request) (domain.PatientID, bool) {
	id, err := domain.ParsePatientID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return domain.PatientID{}, false
	}
	return id, true
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return 100
	}
	return n
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	switch dErrors.GetCode(err) {
	case dErrors.CodeNotFound, dErrors.CodeValidation, dErrors.CodeConflict:
		return
	}
	h.logger.ErrorContext(ctx, msg,
		"request_id", request.GetRequestID(ctx),
		"error", err,
	)
}
