// Package outbox stores patient events alongside the patient write that
// produced them and relays them to the event log.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"careflow/internal/events"
)

type State string

const (
	StatePending   State = "pending"
	StatePublished State = "published"
	StateDead      State = "dead"
)

// Entry is one event waiting for, or done with, publication. Seq orders
// entries; entries sharing a Key are published strictly in Seq order.
type Entry struct {
	ID            uuid.UUID
	Seq           int64
	Key           string
	EventType     events.Type
	EventID       string
	Envelope      []byte
	State         State
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	PublishedAt   time.Time
	Position      *events.Position
}

// NewEntry wraps an envelope for publication keyed by its patient.
func NewEntry(env events.Envelope, now time.Time) (*Entry, error) {
	raw, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return &Entry{
		ID:            uuid.New(),
		Key:           env.Key(),
		EventType:     env.Type,
		EventID:       env.ID.String(),
		Envelope:      raw,
		State:         StatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// Store persists entries. Append joins the transaction carried by ctx so the
// entry commits with the patient write.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Heads returns the oldest unpublished entry of each key when that entry
	// is pending and due at now, ordered by Seq. Keys whose oldest entry is
	// dead or backing off are left out, so they never take batch slots and
	// their later entries keep waiting.
	Heads(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	MarkPublished(ctx context.Context, id uuid.UUID, pos events.Position, at time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
	ListDead(ctx context.Context, limit int) ([]*Entry, error)
	// Requeue moves a dead entry back to pending with a fresh attempt budget.
	Requeue(ctx context.Context, id uuid.UUID, at time.Time) error
	CountByState(ctx context.Context) (map[State]int, error)
}
