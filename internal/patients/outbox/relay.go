package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"careflow/internal/events"
	"careflow/internal/patients/metrics"
	"careflow/pkg/platform/circuit"
	"careflow/pkg/platform/lease"
	"careflow/pkg/platform/sentinel"
)

const (
	publishTimeout = 10 * time.Second
	relayLeaseKey  = "outbox-relay"
)

// Relay publishes outbox entries to the event log. Each pass takes the head
// entry of every key, so a key's entries go out one at a time in order while
// different keys publish concurrently. Failed entries back off exponentially
// and are marked dead once their attempts run out.
type Relay struct {
	store     Store
	publisher events.Publisher
	breaker   *circuit.Breaker
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	leases    lease.Locker
	leaseTTL  time.Duration

	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	pollInterval time.Duration
	batchSize    int
	concurrency  int
}

type RelayOption func(*Relay)

func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBackoff(base, maxWait time.Duration) RelayOption {
	return func(r *Relay) {
		if base > 0 {
			r.baseBackoff = base
		}
		if maxWait > 0 {
			r.maxBackoff = maxWait
		}
	}
}

func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithConcurrency(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithBreaker replaces the default breaker. While it is open each pass sends a
// single probe entry.
func WithBreaker(b *circuit.Breaker) RelayOption {
	return func(r *Relay) { r.breaker = b }
}

func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// WithLease makes every pass hold a shared lease, so relays running in
// several replicas against one table take turns instead of racing on the
// same heads. A pass stops starting publishes publishTimeout before the
// lease expires.
func WithLease(locker lease.Locker, ttl time.Duration) RelayOption {
	return func(r *Relay) {
		r.leases = locker
		if ttl > 2*publishTimeout {
			r.leaseTTL = ttl
		}
	}
}

func NewRelay(store Store, publisher events.Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:        store,
		publisher:    publisher,
		breaker:      circuit.New("event-log"),
		logger:       slog.Default(),
		now:          time.Now,
		maxAttempts:  8,
		baseBackoff:  500 * time.Millisecond,
		maxBackoff:   time.Minute,
		pollInterval: time.Second,
		batchSize:    100,
		concurrency:  8,
		leaseTTL:     time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays until ctx ends. A pass that published anything is followed
// immediately by another so backlogs drain without waiting for the ticker.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "outbox relay pass failed", "error", err)
		}
		if n > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce makes one pass and returns how many entries were published. A pass
// that finds the relay lease held elsewhere publishes nothing.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r.leases != nil {
		held, err := r.leases.TryAcquire(ctx, relayLeaseKey, r.leaseTTL)
		if errors.Is(err, sentinel.ErrHeld) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := held.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.WarnContext(ctx, "failed to release relay lease", "error", err)
			}
		}()
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.leaseTTL-publishTimeout)
		defer cancel()
	}
	return r.pass(ctx)
}

func (r *Relay) pass(ctx context.Context) (int, error) {
	heads, err := r.store.Heads(ctx, r.now(), r.batchSize)
	if err != nil {
		return 0, err
	}
	if r.breaker.IsOpen() && len(heads) > 1 {
		heads = heads[:1]
	}

	var published atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, e := range heads {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if r.publishOne(gctx, e) {
				published.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.sampleCounts(context.WithoutCancel(ctx))
	return int(published.Load()), nil
}

func (r *Relay) publishOne(ctx context.Context, e *Entry) bool {
	env, err := events.Decode(e.Envelope)
	if err != nil {
		r.markDead(ctx, e, e.Attempts, "corrupt envelope: "+err.Error())
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	pos, err := r.publisher.Publish(pubCtx, e.Key, env)
	cancel()
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		if _, change := r.breaker.RecordSuccess(); change.Closed {
			r.logger.InfoContext(ctx, "event log circuit closed")
		}
		if err := r.store.MarkPublished(ctx, e.ID, pos, r.now()); err != nil {
			// consumers dedupe the republish this causes
			r.logger.ErrorContext(ctx, "failed to mark outbox entry published",
				"entry_id", e.ID.String(),
				"error", err,
			)
		}
		r.metrics.IncrementPublished()
		r.logger.InfoContext(ctx, "event published",
			"entry_id", e.ID.String(),
			"event_id", e.EventID,
			"event_type", string(e.EventType),
			"patient_id", e.Key,
			"position", pos.String(),
		)
		return true
	}

	if _, change := r.breaker.RecordFailure(); change.Opened {
		r.logger.WarnContext(ctx, "event log circuit opened", "error", err)
	}
	attempts := e.Attempts + 1
	if attempts >= r.maxAttempts {
		r.markDead(ctx, e, attempts, err.Error())
		return false
	}
	next := r.now().Add(Backoff(attempts, r.baseBackoff, r.maxBackoff))
	if merr := r.store.MarkRetry(ctx, e.ID, attempts, next, err.Error()); merr != nil {
		r.logger.ErrorContext(ctx, "failed to schedule outbox retry",
			"entry_id", e.ID.String(),
			"error", merr,
		)
	}
	r.metrics.IncrementPublishRetry()
	r.logger.WarnContext(ctx, "event publish failed, will retry",
		"entry_id", e.ID.String(),
		"patient_id", e.Key,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", err,
	)
	return false
}

func (r *Relay) markDead(ctx context.Context, e *Entry, attempts int, reason string) {
	if err := r.store.MarkDead(ctx, e.ID, attempts, reason); err != nil {
		r.logger.ErrorContext(ctx, "failed to mark outbox entry dead",
			"entry_id", e.ID.String(),
			"error", err,
		)
		return
	}
	r.metrics.IncrementDead()
	r.logger.ErrorContext(ctx, "outbox entry dead, operator action required",
		"entry_id", e.ID.String(),
		"event_id", e.EventID,
		"event_type", string(e.EventType),
		"patient_id", e.Key,
		"attempts", attempts,
		"error", reason,
	)
}

func (r *Relay) sampleCounts(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	counts, err := r.store.CountByState(ctx)
	if err != nil {
		return
	}
	for _, s := range []State{StatePending, StatePublished, StateDead} {
		r.metrics.SetOutboxEntries(string(s), counts[s])
	}
}

// Backoff is the wait before attempt+1: base doubled per prior attempt,
// capped at maxWait.
func Backoff(attempt int, base, maxWait time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxWait {
			return maxWait
		}
	}
	return min(d, maxWait)
}
