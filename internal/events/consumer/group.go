package consumer

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"careflow/internal/events"
)

const commitTimeout = 5 * time.Second

// Group drives one member of a consumer group. Records are handled in
// delivery order; a record that fails is retried with backoff and never
// skipped, and only the handled prefix of a batch is committed.
type Group struct {
	name    string
	source  events.Source
	handler Handler
	logger  *slog.Logger
	metrics *Metrics

	retryInitial time.Duration
	retryMax     time.Duration
	lagInterval  time.Duration
	lastLag      time.Time
}

type Option func(*Group)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) { g.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(g *Group) { g.metrics = m }
}

func WithRetryBackoff(initial, maxWait time.Duration) Option {
	return func(g *Group) {
		g.retryInitial = initial
		g.retryMax = maxWait
	}
}

// WithLagInterval sets how often lag is sampled into metrics.
func WithLagInterval(d time.Duration) Option {
	return func(g *Group) { g.lagInterval = d }
}

func New(name string, source events.Source, handler Handler, opts ...Option) *Group {
	g := &Group{
		name:         name,
		source:       source,
		handler:      handler,
		logger:       slog.Default(),
		retryInitial: 100 * time.Millisecond,
		retryMax:     10 * time.Second,
		lagInterval:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run consumes until ctx ends or the source is closed. It closes the source
// on return.
func (g *Group) Run(ctx context.Context) error {
	defer g.source.Close()
	pollBackoff := g.newBackoff()

	for {
		msgs, err := g.source.Poll(ctx)
		if ctx.Err() != nil || errors.Is(err, events.ErrSourceClosed) {
			return nil
		}
		if err != nil {
			wait := pollBackoff.NextBackOff()
			g.logger.WarnContext(ctx, "consumer poll failed",
				"group", g.name,
				"retry_in", wait.String(),
				"error", err,
			)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		pollBackoff.Reset()

		handled := make([]*events.Message, 0, len(msgs))
		for _, msg := range msgs {
			if err := g.process(ctx, msg); err != nil {
				break
			}
			handled = append(handled, msg)
		}
		g.commit(ctx, handled)
		g.sampleLag(ctx)
	}
}

func (g *Group) process(ctx context.Context, msg *events.Message) error {
	op := func() error {
		return g.handler.Handle(ctx, msg)
	}
	notify := func(err error, wait time.Duration) {
		g.metrics.recordRetry(g.name)
		g.logger.WarnContext(ctx, "event handling failed, retrying",
			"group", g.name,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"retry_in", wait.String(),
			"error", err,
		)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(g.newBackoff(), ctx), notify); err != nil {
		return err
	}
	g.metrics.recordHandled(g.name)
	return nil
}

// commit outlives ctx cancellation: records already handled should not be
// redelivered just because shutdown began.
func (g *Group) commit(ctx context.Context, msgs []*events.Message) {
	if len(msgs) == 0 {
		return
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := g.source.Commit(commitCtx, msgs); err != nil {
		g.logger.WarnContext(ctx, "consumer commit failed",
			"group", g.name,
			"records", len(msgs),
			"error", err,
		)
		return
	}
	last := msgs[len(msgs)-1]
	g.logger.DebugContext(ctx, "consumer committed",
		"group", g.name,
		"partition", last.Partition,
		"offset", last.Offset,
	)
}

// Lag reports the group's per-partition lag when the source supports it.
func (g *Group) Lag(ctx context.Context) (map[int32]int64, error) {
	lr, ok := g.source.(events.LagReporter)
	if !ok {
		return nil, errors.New("consumer: source does not report lag")
	}
	return lr.Lag(ctx)
}

func (g *Group) sampleLag(ctx context.Context) {
	if g.metrics == nil || time.Since(g.lastLag) < g.lagInterval {
		return
	}
	g.lastLag = time.Now()
	lag, err := g.Lag(ctx)
	if err != nil {
		return
	}
	for p, n := range lag {
		g.metrics.Lag.WithLabelValues(g.name, strconv.Itoa(int(p))).Set(float64(n))
	}
}

func (g *Group) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retryInitial
	b.MaxInterval = g.retryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
