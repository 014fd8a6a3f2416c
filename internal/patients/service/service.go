// Package service runs the patient onboarding workflow: commit locally, ask
// billing for an account, then queue the patient event through the outbox.
// The local write is never rolled back because of a later step.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"careflow/internal/events"
	"careflow/internal/patients/metrics"
	"careflow/internal/patients/models"
	"careflow/internal/patients/outbox"
	"careflow/internal/patients/ports"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/lease"
	"careflow/pkg/platform/sentinel"
	"careflow/pkg/requestcontext"
)

// Store persists patients. Update succeeds only while the stored version
// equals expectedVersion, otherwise it returns sentinel.ErrConflict.
type Store interface {
	Create(ctx context.Context, p *models.Patient) error
	FindByID(ctx context.Context, id domain.PatientID) (*models.Patient, error)
	Update(ctx context.Context, p *models.Patient, expectedVersion int64) error
	List(ctx context.Context, q models.ListQuery) ([]*models.Patient, error)
}

// OutboxStore is the part of the outbox the workflow and its operators use.
type OutboxStore interface {
	Append(ctx context.Context, e *outbox.Entry) error
	ListDead(ctx context.Context, limit int) ([]*outbox.Entry, error)
	Requeue(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TxRunner runs fn in one transaction spanning the patient and outbox stores.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Stage is a step of the onboarding workflow.
type Stage string

const (
	StageStarted            Stage = "STARTED"
	StageLocalCommitted     Stage = "LOCAL_COMMITTED"
	StageLocalFailed        Stage = "LOCAL_FAILED"
	StageDependentConfirmed Stage = "DEPENDENT_CONFIRMED"
	StageDependentFailed    Stage = "DEPENDENT_FAILED"
	StageDone               Stage = "DONE"
)

// Outcome is what the caller is told.
type Outcome string

const (
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomePending   Outcome = "PENDING"
)

type Result struct {
	Patient *models.Patient
	Outcome Outcome
	Stage   Stage
	// Reason explains a rejected or pending outcome.
	Reason string
}

type Service struct {
	store    Store
	outbox   OutboxStore
	tx       TxRunner
	billing  ports.BillingPort
	leases   lease.Locker
	leaseTTL time.Duration
	grace    time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock pins the service clock. Without it the request-scoped time is used.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLeaseTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

// WithReconcileGrace sets how long a pending patient waits before it is
// reported as needing reconciliation.
func WithReconcileGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

func New(store Store, ob OutboxStore, tx TxRunner, billing ports.BillingPort, leases lease.Locker, opts ...Option) *Service {
	s := &Service{
		store:    store,
		outbox:   ob,
		tx:       tx,
		billing:  billing,
		leases:   leases,
		leaseTTL: 10 * time.Second,
		grace:    time.Minute,
		logger:   slog.Default(),
		tracer:   otel.Tracer("careflow/patients"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock(ctx context.Context) time.Time {
	if s.now != nil {
		return s.now()
	}
	return requestcontext.Now(ctx)
}

// Create registers a patient and onboards it with billing.
func (s *Service) Create(ctx context.Context, attrs models.Attributes) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "patients.Create")
	defer span.End()

	now := s.clock(ctx)
	if err := attrs.Validate(now); err != nil {
		return nil, err
	}
	p := &models.Patient{
		ID:           domain.NewPatientID(),
		RegisteredAt: now,
		Version:      1,
		Status:       models.StatusPendingDependent,
	}
	p.Apply(attrs, now)
	span.SetAttributes(attribute.String("patient.id", p.ID.String()))

	release, err := s.acquire(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.stage(ctx, "create", p, StageStarted)
	if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.Create(ctx, p)
	}); err != nil {
		s.stage(ctx, "create", p, StageLocalFailed, "error", err)
		s.metrics.IncrementOutcome("create", "local_failed")
		span.RecordError(err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store patient")
	}
	s.stage(ctx, "create", p, StageLocalCommitted)

	// the caller going away must not strand a committed patient mid-workflow
	return s.onboard(context.WithoutCancel(ctx), "create", p), nil
}

// Update changes a patient's attributes under optimistic concurrency and
// pushes them to billing.
func (s *Service) Update(ctx context.Context, id domain.PatientID, expectedVersion int64, attrs models.Attributes) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "patients.Update", trace.WithAttributes(attribute.String("patient.id", id.String())))
	defer span.End()

	now := s.clock(ctx)
	if err := attrs.Validate(now); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, dErrors.New(dErrors.CodeConflict, "patient was modified concurrently")
	}

	updated := current.Clone()
	updated.Apply(attrs, now)
	updated.Version++
	if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.Update(ctx, updated, current.Version)
	}); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "patient was modified concurrently")
		}
		s.stage(ctx, "update", current, StageLocalFailed, "error", err)
		s.metrics.IncrementOutcome("update", "local_failed")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store patient")
	}
	s.stage(ctx, "update", updated, StageLocalCommitted)

	return s.onboard(context.WithoutCancel(ctx), "update", updated), nil
}

// RetryOnboarding repeats the billing step for a patient that is not yet
// active. An active patient is returned as confirmed without a new event.
func (s *Service) RetryOnboarding(ctx context.Context, id domain.PatientID) (*Result, error) {
	return s.retry(ctx, "retry", id)
}

func (s *Service) retry(ctx context.Context, op string, id domain.PatientID) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "patients.RetryOnboarding", trace.WithAttributes(attribute.String("patient.id", id.String())))
	defer span.End()

	release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == models.StatusActive {
		s.metrics.IncrementOutcome(op, "already_active")
		return &Result{Patient: p, Outcome: OutcomeConfirmed, Stage: StageDone}, nil
	}
	return s.onboard(context.WithoutCancel(ctx), op, p), nil
}

func (s *Service) Get(ctx context.Context, id domain.PatientID) (*models.Patient, error) {
	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "patient not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load patient")
	}
	return p, nil
}

// NeedingReconciliation lists patients an operator should look at: pending
// longer than the grace period, and rejected by billing.
func (s *Service) NeedingReconciliation(ctx context.Context, limit int) ([]*models.Patient, error) {
	pending, err := s.store.List(ctx, models.ListQuery{
		Status:        models.StatusPendingDependent,
		UpdatedBefore: s.clock(ctx).Add(-s.grace),
		Limit:         limit,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list patients")
	}
	rejected, err := s.store.List(ctx, models.ListQuery{Status: models.StatusDependentRejected, Limit: limit})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list patients")
	}
	return append(pending, rejected...), nil
}

func (s *Service) ListDeadEvents(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	entries, err := s.outbox.ListDead(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list dead events")
	}
	return entries, nil
}

// RequeueEvent returns a dead outbox entry to the relay. Later events of the
// same patient publish after it.
func (s *Service) RequeueEvent(ctx context.Context, id uuid.UUID) error {
	if err := s.outbox.Requeue(ctx, id, s.clock(ctx)); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.New(dErrors.CodeNotFound, "event not found")
		case errors.Is(err, sentinel.ErrInvalidState):
			return dErrors.New(dErrors.CodeConflict, "event is not dead")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to requeue event")
	}
	s.logger.InfoContext(ctx, "outbox entry requeued",
		"request_id", requestcontext.RequestID(ctx),
		"entry_id", id.String(),
	)
	return nil
}

// onboard runs the dependent step and records its result. It never fails:
// every outcome leaves the committed patient in place.
func (s *Service) onboard(ctx context.Context, op string, p *models.Patient) *Result {
	start := time.Now()
	handle, err := s.billing.CreateAccount(ctx, p.ID, ports.BillingAttributes{
		HolderName:  p.Name,
		DateOfBirth: p.DateOfBirth,
		Plan:        p.Plan,
	})
	if err == nil {
		s.metrics.ObserveBillingLatency("confirmed", time.Since(start))
		return s.confirm(ctx, op, p, handle)
	}

	switch dErrors.GetCode(err) {
	case dErrors.CodeDependentRejected:
		s.metrics.ObserveBillingLatency("rejected", time.Since(start))
		return s.recordDependentFailure(ctx, op, p, models.StatusDependentRejected, OutcomeRejected, err)
	case dErrors.CodeTimeout:
		s.metrics.ObserveBillingLatency("timeout", time.Since(start))
	default:
		s.metrics.ObserveBillingLatency("unreachable", time.Since(start))
	}
	return s.recordDependentFailure(ctx, op, p, models.StatusPendingDependent, OutcomePending, err)
}

func (s *Service) confirm(ctx context.Context, op string, p *models.Patient, handle *ports.AccountHandle) *Result {
	ctx, span := s.tracer.Start(ctx, "patients.confirm")
	defer span.End()

	now := s.clock(ctx)
	updated := p.Clone()
	updated.Status = models.StatusActive
	updated.BillingAccountID = handle.AccountID
	updated.LastDependentFailure = ""
	updated.Attempts++
	updated.LastAttemptAt = now
	updated.UpdatedAt = now
	updated.Version++

	eventType := events.TypeUpdated
	if !p.Announced {
		eventType = events.TypeCreated
	}
	updated.Announced = true

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		entry, err := s.newEntry(updated, eventType, now)
		if err != nil {
			return err
		}
		if err := s.store.Update(ctx, updated, p.Version); err != nil {
			return err
		}
		return s.outbox.Append(ctx, entry)
	})
	if err != nil {
		// billing holds the account; the patient stays pending and a retry
		// gets the same handle back
		span.RecordError(err)
		s.stage(ctx, op, p, StageDependentConfirmed, "error", err)
		s.metrics.IncrementOutcome(op, string(OutcomePending))
		return &Result{Patient: p, Outcome: OutcomePending, Stage: StageDependentConfirmed, Reason: "confirmation not recorded"}
	}

	s.stage(ctx, op, updated, StageDependentConfirmed,
		"billing_account_id", handle.AccountID,
		"event_type", string(eventType),
	)
	s.metrics.IncrementOutcome(op, string(OutcomeConfirmed))
	return &Result{Patient: updated, Outcome: OutcomeConfirmed, Stage: StageDependentConfirmed}
}

func (s *Service) recordDependentFailure(ctx context.Context, op string, p *models.Patient, status models.OnboardingStatus, outcome Outcome, cause error) *Result {
	reason := "billing unavailable"
	var de *dErrors.Error
	if errors.As(cause, &de) {
		reason = de.Message
	}

	now := s.clock(ctx)
	updated := p.Clone()
	updated.Status = status
	updated.LastDependentFailure = reason
	updated.Attempts++
	updated.LastAttemptAt = now
	updated.UpdatedAt = now
	updated.Version++

	result := &Result{Patient: updated, Outcome: outcome, Stage: StageDependentFailed, Reason: reason}
	if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.Update(ctx, updated, p.Version)
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to record dependent failure",
			"request_id", requestcontext.RequestID(ctx),
			"patient_id", p.ID.String(),
			"error", err,
		)
		result.Patient = p
	}

	s.stage(ctx, op, result.Patient, StageDependentFailed,
		"outcome", string(outcome),
		"reason", reason,
		"error", cause,
	)
	s.metrics.IncrementOutcome(op, string(outcome))
	return result
}

func (s *Service) newEntry(p *models.Patient, eventType events.Type, now time.Time) (*outbox.Entry, error) {
	payload, err := p.Snapshot()
	if err != nil {
		return nil, err
	}
	return outbox.NewEntry(events.Envelope{
		ID:         domain.NewEventID(),
		Type:       eventType,
		PatientID:  p.ID,
		Version:    p.Version,
		Payload:    payload,
		ProducedAt: now,
	}, now)
}

// acquire takes the per-patient lease. The returned release outlives ctx
// cancellation.
func (s *Service) acquire(ctx context.Context, id domain.PatientID) (func(), error) {
	l, err := s.leases.TryAcquire(ctx, "patient:"+id.String(), s.leaseTTL)
	if err != nil {
		if errors.Is(err, sentinel.ErrHeld) {
			return nil, dErrors.New(dErrors.CodeConflict, "patient is being modified")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to lock patient")
	}
	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "failed to release patient lease",
				"patient_id", id.String(),
				"error", err,
			)
		}
	}, nil
}

func (s *Service) stage(ctx context.Context, op string, p *models.Patient, stage Stage, kv ...any) {
	trace.SpanFromContext(ctx).AddEvent(string(stage))
	level := slog.LevelInfo
	switch stage {
	case StageLocalFailed:
		level = slog.LevelError
	case StageDependentFailed:
		level = slog.LevelWarn
	}
	args := append([]any{
		"request_id", requestcontext.RequestID(ctx),
		"operation", op,
		"patient_id", p.ID.String(),
		"version", p.Version,
		"stage", string(stage),
	}, kv...)
	s.logger.Log(ctx, level, "onboarding stage", args...)
}
