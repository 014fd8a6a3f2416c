// Package events defines patient events and the contracts of the durable,
// partitioned log that carries them from owning services to consumer groups.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
)

type Type string

const (
	TypeCreated Type = "CREATED"
	TypeUpdated Type = "UPDATED"
)

func (t Type) IsValid() bool {
	return t == TypeCreated || t == TypeUpdated
}

// Header names set on broker records alongside the JSON envelope.
const (
	HeaderEventType = "event-type"
	HeaderEventID   = "event-id"
)

// ErrBrokerUnavailable is returned by publishers when the log did not
// acknowledge a record.
var ErrBrokerUnavailable = &dErrors.Error{Code: dErrors.CodeUnavailable, Message: "event broker unavailable"}

// ErrSourceClosed is returned by Source.Poll after Close.
var ErrSourceClosed = errors.New("events: source closed")

// BrokerUnavailable wraps a transport failure so it matches ErrBrokerUnavailable.
func BrokerUnavailable(cause error) error {
	return dErrors.Wrap(cause, ErrBrokerUnavailable.Code, ErrBrokerUnavailable.Message)
}

// Envelope is the wire form of a patient event. Payload is a JSON snapshot of
// the patient at Version.
type Envelope struct {
	ID         domain.EventID   `json:"id"`
	Type       Type             `json:"type"`
	PatientID  domain.PatientID `json:"patient_id"`
	Version    int64            `json:"version"`
	Payload    json.RawMessage  `json:"payload"`
	ProducedAt time.Time        `json:"produced_at"`
}

// IdempotencyKey identifies the fact an event carries, independent of how many
// times it was published.
func (e Envelope) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", e.Type, e.PatientID, e.Version)
}

// Key is the partition key. All events of one patient share a partition.
func (e Envelope) Key() string {
	return e.PatientID.String()
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if !e.Type.IsValid() {
		return Envelope{}, fmt.Errorf("decode event envelope: unknown type %q", e.Type)
	}
	if e.PatientID.IsNil() {
		return Envelope{}, fmt.Errorf("decode event envelope: missing patient_id")
	}
	return e, nil
}

// Position is where the log stored a record.
type Position struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d@%d", p.Partition, p.Offset)
}

// Publisher appends envelopes to the log. Publish returns once the log has
// acknowledged the record as durable. Records with the same key land on the
// same partition in publish order.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) (Position, error)
}

// Message is a record delivered to a consumer.
type Message struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Key         []byte
	Value       []byte
	Headers     map[string]string
	Timestamp   time.Time
}

func (m *Message) Position() Position {
	return Position{Partition: m.Partition, Offset: m.Offset}
}

// Source is one member of a consumer group. Poll blocks until records are
// available or ctx ends. Commit records progress; it never moves a committed
// offset backwards.
type Source interface {
	Poll(ctx context.Context) ([]*Message, error)
	Commit(ctx context.Context, msgs []*Message) error
	Close() error
}

// LagReporter reports per-partition lag of a group: records appended but not
// yet committed.
type LagReporter interface {
	Lag(ctx context.Context) (map[int32]int64, error)
}
