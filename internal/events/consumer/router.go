// Package consumer runs consumer-group members: poll, handle, commit.
package consumer

import (
	"context"
	"log/slog"

	"careflow/internal/events"
)

// Handler processes one delivered record. A nil return lets the record be
// committed; an error causes it to be retried.
type Handler interface {
	Handle(ctx context.Context, msg *events.Message) error
}

// EventHandler processes a decoded envelope.
type EventHandler interface {
	HandleEvent(ctx context.Context, env events.Envelope) error
}

type EventHandlerFunc func(ctx context.Context, env events.Envelope) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, env events.Envelope) error {
	return f(ctx, env)
}

// Router decodes envelopes and dispatches them by event type.
type Router struct {
	handlers map[events.Type]EventHandler
	fallback EventHandler
	logger   *slog.Logger
}

// NewRouter creates a router with an optional fallback handler.
func NewRouter(logger *slog.Logger, fallback EventHandler) *Router {
	return &Router{
		handlers: make(map[events.Type]EventHandler),
		fallback: fallback,
		logger:   logger,
	}
}

func (r *Router) Register(t events.Type, h EventHandler) {
	r.handlers[t] = h
}

func (r *Router) Handle(ctx context.Context, msg *events.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		r.logger.WarnContext(ctx, "undecodable event, skipping",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil // commit; redelivery cannot fix it
	}
	handler, ok := r.handlers[env.Type]
	if !ok {
		if r.fallback != nil {
			return r.fallback.HandleEvent(ctx, env)
		}
		r.logger.WarnContext(ctx, "no handler for event type, skipping",
			"type", string(env.Type),
			"event_id", env.ID.String(),
		)
		return nil
	}
	return handler.HandleEvent(ctx, env)
}
