// Package service aggregates patient events for analytics. Every event is
// applied at most once, keyed by its type, patient and version.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"careflow/internal/analytics/models"
	"careflow/internal/events"
	dErrors "careflow/pkg/domain-errors"
)

type Store interface {
	// Apply records f unless its key was already applied. It reports whether
	// the aggregates changed.
	Apply(ctx context.Context, f models.Fact) (bool, error)
	Stats(ctx context.Context) (models.Stats, error)
}

type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// patientView is the slice of the event payload analytics reads.
type patientView struct {
	Plan string `json:"plan"`
}

// HandleEvent applies one delivered event. Store failures are returned so the
// consumer group retries the record.
func (s *Service) HandleEvent(ctx context.Context, env events.Envelope) error {
	var view patientView
	if err := json.Unmarshal(env.Payload, &view); err != nil {
		s.logger.WarnContext(ctx, "unreadable event payload, skipping",
			"event_id", env.ID.String(),
			"type", string(env.Type),
			"error", err,
		)
		s.metrics.record(string(env.Type), "skipped")
		return nil
	}

	applied, err := s.store.Apply(ctx, models.Fact{
		Key:       env.IdempotencyKey(),
		Created:   env.Type == events.TypeCreated,
		PatientID: env.PatientID,
		Plan:      view.Plan,
	})
	if err != nil {
		return err
	}
	if !applied {
		s.logger.DebugContext(ctx, "duplicate event ignored",
			"idempotency_key", env.IdempotencyKey(),
		)
		s.metrics.record(string(env.Type), "duplicate")
		return nil
	}
	s.metrics.record(string(env.Type), "applied")
	return nil
}

func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return models.Stats{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read analytics")
	}
	return stats, nil
}
