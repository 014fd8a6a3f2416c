package service

import (
	"context"
	"log/slog"
	"time"

	"careflow/internal/patients/metrics"
	"careflow/internal/patients/models"
	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
)

// Reconciler retries onboarding for patients left pending by an unreachable
// billing service. Rejected patients are left for operators.
type Reconciler struct {
	svc         *Service
	store       Store
	interval    time.Duration
	grace       time.Duration
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithGrace(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.grace = d
		}
	}
}

func WithBatchSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxAttempts bounds how many billing attempts a patient gets before the
// reconciler stops picking it up.
func WithMaxAttempts(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

func WithReconcilerMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(svc *Service, store Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		svc:         svc,
		store:       store,
		interval:    30 * time.Second,
		grace:       time.Minute,
		batchSize:   50,
		maxAttempts: 10,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "reconcile pass failed", "error", err)
		}
	}
}

// RunOnce retries one batch and returns how many patients became active.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	due, err := r.store.List(ctx, models.ListQuery{
		Status:        models.StatusPendingDependent,
		UpdatedBefore: r.now().Add(-r.grace),
		MaxAttempts:   r.maxAttempts,
		Limit:         r.batchSize,
	})
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		res, err := r.svc.retry(ctx, "reconcile", p.ID)
		if err != nil {
			// held leases mean a caller is already working on the patient
			if !dErrors.HasCode(err, dErrors.CodeConflict) {
				r.logger.WarnContext(ctx, "reconcile retry failed",
					"patient_id", p.ID.String(),
					"error", err,
				)
			}
			continue
		}
		switch res.Outcome {
		case OutcomeConfirmed:
			confirmed++
		case OutcomePending:
			r.noteExhausted(ctx, p.ID, res.Patient)
		}
	}
	return confirmed, nil
}

func (r *Reconciler) noteExhausted(ctx context.Context, id domain.PatientID, p *models.Patient) {
	if p.Attempts < r.maxAttempts {
		return
	}
	r.metrics.IncrementReconcileExhausted()
	r.logger.WarnContext(ctx, "patient exhausted reconcile attempts",
		"patient_id", id.String(),
		"attempts", p.Attempts,
		"last_failure", p.LastDependentFailure,
	)
}
