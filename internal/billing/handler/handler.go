package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"careflow/internal/billing/models"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/httputil"
	"careflow/pkg/platform/middleware/identity"
	request "careflow/pkg/platform/middleware/request"
	"careflow/pkg/requestcontext"
)

type Service interface {
	GetAccount(ctx context.Context, patientID domain.PatientID) (*models.Account, error)
	MarkFailed(ctx context.Context, patientID domain.PatientID, reason string) (*models.Account, error)
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the billing read endpoint and the admin failure switch.
// Both sit behind the forwarded identity from the edge router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(identity.FromHeaders(h.logger))
		r.Get("/billing/accounts/{patientID}", h.handleGetAccount)
		r.With(identity.RequireRole(domain.RoleAdmin, h.logger)).
			Post("/admin/billing/accounts/{patientID}/fail", h.handleMarkFailed)
	})
}

type accountResponse struct {
	AccountID     string    `json:"account_id"`
	PatientID     string    `json:"patient_id"`
	Status        string    `json:"status"`
	Plan          string    `json:"plan"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type markFailedRequest struct {
	Reason string `json:"reason"`
}

func toResponse(acc *models.Account) accountResponse {
	return accountResponse{
		AccountID:     acc.ID.String(),
		PatientID:     acc.PatientID.String(),
		Status:        string(acc.Status),
		Plan:          acc.Plan,
		FailureReason: acc.FailureReason,
		CreatedAt:     acc.CreatedAt,
		UpdatedAt:     acc.UpdatedAt,
	}
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID, err := domain.ParsePatientID(chi.URLParam(r, "patientID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	acc, err := h.svc.GetAccount(ctx, patientID)
	if err != nil {
		h.logError(ctx, "failed to get billing account", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(acc))
}

func (h *Handler) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID, err := domain.ParsePatientID(chi.URLParam(r, "patientID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req markFailedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.Reason == "" {
		req.Reason = "marked failed by operator"
	}

	acc, err := h.svc.MarkFailed(ctx, patientID, req.Reason)
	if err != nil {
		h.logError(ctx, "failed to mark billing account failed", err)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "billing account failed by operator",
		"request_id", request.GetRequestID(ctx),
		"operator", requestcontext.Subject(ctx),
		"patient_id", patientID.String(),
	)
	httputil.WriteJSON(w, http.StatusOK, toResponse(acc))
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return
	}
	h.logger.ErrorContext(ctx, msg,
		"request_id", request.GetRequestID(ctx),
		"error", err,
	)
}
