// Package service owns billing accounts. It is the dependent side of patient
// onboarding: one account per patient, created idempotently on request.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"careflow/internal/billing/models"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/sentinel"
)

// Store persists accounts. Create returns sentinel.ErrConflict when the patient
// already has an account.
type Store interface {
	FindByPatient(ctx context.Context, patientID domain.PatientID) (*models.Account, error)
	Create(ctx context.Context, acc *models.Account) error
	Update(ctx context.Context, acc *models.Account) error
}

type RejectionReason string

const (
	ReasonUnsupportedPlan  RejectionReason = "UNSUPPORTED_PLAN"
	ReasonAccountFailed    RejectionReason = "ACCOUNT_FAILED"
	ReasonInvalidAttribute RejectionReason = "INVALID_ATTRIBUTE"
)

// Rejection is a business refusal to create or refresh an account. It is an
// answer, not a failure of the billing service.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("billing rejected: %s: %s", r.Reason, r.Detail)
}

type Service struct {
	store   Store
	plans   map[string]bool
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store Store, supportedPlans []string, opts ...Option) *Service {
	s := &Service{
		store:  store,
		plans:  make(map[string]bool, len(supportedPlans)),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, p := range supportedPlans {
		s.plans[normalizePlan(p)] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAccount returns the patient's account, creating it if needed. Repeated
// calls for the same patient refresh attributes and return the same account, so
// callers may retry freely. A *Rejection is returned for business refusals.
func (s *Service) CreateAccount(ctx context.Context, patientID domain.PatientID, attrs models.Attributes) (*models.Account, error) {
	if patientID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "patient_id is required")
	}
	attrs.Plan = normalizePlan(attrs.Plan)
	if rej := s.validate(attrs); rej != nil {
		s.metrics.recordRejected(rej.Reason)
		return nil, rej
	}

	acc, err := s.createOrRefresh(ctx, patientID, attrs)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			s.metrics.recordRejected(rej.Reason)
		}
		return nil, err
	}
	s.metrics.recordConfirmed()
	return acc, nil
}

func (s *Service) createOrRefresh(ctx context.Context, patientID domain.PatientID, attrs models.Attributes) (*models.Account, error) {
	existing, err := s.store.FindByPatient(ctx, patientID)
	switch {
	case err == nil:
		return s.refresh(ctx, existing, attrs)
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load account")
	}

	now := s.now()
	acc := &models.Account{
		ID:        domain.NewAccountID(),
		PatientID: patientID,
		Status:    models.AccountActive,
		CreatedAt: now,
	}
	acc.Apply(attrs, now)

	if err := s.store.Create(ctx, acc); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// lost a race with a concurrent create for the same patient
			existing, findErr := s.store.FindByPatient(ctx, patientID)
			if findErr != nil {
				return nil, dErrors.Wrap(findErr, dErrors.CodeInternal, "failed to load account")
			}
			return s.refresh(ctx, existing, attrs)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create account")
	}

	s.logger.InfoContext(ctx, "billing account created",
		"account_id", acc.ID.String(),
		"patient_id", patientID.String(),
		"plan", acc.Plan,
	)
	return acc, nil
}

func (s *Service) refresh(ctx context.Context, acc *models.Account, attrs models.Attributes) (*models.Account, error) {
	if acc.Status == models.AccountFailed {
		return nil, &Rejection{Reason: ReasonAccountFailed, Detail: "account is in failed state"}
	}
	if acc.HolderName == attrs.HolderName && acc.DateOfBirth == attrs.DateOfBirth &&
		acc.Plan == attrs.Plan && acc.Status == models.AccountActive {
		return acc, nil
	}
	acc.Apply(attrs, s.now())
	acc.Status = models.AccountActive
	if err := s.store.Update(ctx, acc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update account")
	}
	return acc, nil
}

func (s *Service) GetAccount(ctx context.Context, patientID domain.PatientID) (*models.Account, error) {
	acc, err := s.store.FindByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "billing account not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load account")
	}
	return acc, nil
}

// MarkFailed flags an account as failed. Later CreateAccount calls for the
// patient are rejected until an operator intervenes.
func (s *Service) MarkFailed(ctx context.Context, patientID domain.PatientID, reason string) (*models.Account, error) {
	acc, err := s.GetAccount(ctx, patientID)
	if err != nil {
		return nil, err
	}
	acc.Status = models.AccountFailed
	acc.FailureReason = reason
	acc.UpdatedAt = s.now()
	if err := s.store.Update(ctx, acc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update account")
	}
	s.logger.WarnContext(ctx, "billing account marked failed",
		"account_id", acc.ID.String(),
		"patient_id", patientID.String(),
		"reason", reason,
	)
	return acc, nil
}

func (s *Service) validate(attrs models.Attributes) *Rejection {
	if strings.TrimSpace(attrs.HolderName) == "" {
		return &Rejection{Reason: ReasonInvalidAttribute, Detail: "holder name is required"}
	}
	if attrs.DateOfBirth != "" {
		dob, err := time.Parse(time.DateOnly, attrs.DateOfBirth)
		if err != nil {
			return &Rejection{Reason: ReasonInvalidAttribute, Detail: "date of birth must be YYYY-MM-DD"}
		}
		if dob.After(s.now()) {
			return &Rejection{Reason: ReasonInvalidAttribute, Detail: "date of birth is in the future"}
		}
	}
	if !s.plans[attrs.Plan] {
		return &Rejection{Reason: ReasonUnsupportedPlan, Detail: fmt.Sprintf("plan %q is not offered", attrs.Plan)}
	}
	return nil
}

func normalizePlan(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
