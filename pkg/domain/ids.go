package domain

import (
	"github.com/google/uuid"

	dErrors "careflow/pkg/domain-errors"
)

// Typed identifiers. Distinct types keep a patient ID from being passed where an
// account ID is expected.
type (
	PatientID uuid.UUID
	AccountID uuid.UUID
	EventID   uuid.UUID
)

func NewPatientID() PatientID { return PatientID(uuid.New()) }
func NewAccountID() AccountID { return AccountID(uuid.New()) }
func NewEventID() EventID     { return EventID(uuid.New()) }

func (id PatientID) String() string { return uuid.UUID(id).String() }
func (id AccountID) String() string { return uuid.UUID(id).String() }
func (id EventID) String() string   { return uuid.UUID(id).String() }

func (id PatientID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id AccountID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func ParsePatientID(s string) (PatientID, error) {
	u, err := parseUUID(s, "patient ID")
	return PatientID(u), err
}

func ParseAccountID(s string) (AccountID, error) {
	u, err := parseUUID(s, "account ID")
	return AccountID(u), err
}

func ParseEventID(s string) (EventID, error) {
	u, err := parseUUID(s, "event ID")
	return EventID(u), err
}

// parseUUID rejects empty, malformed and nil UUIDs.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" must not be nil")
	}
	return u, nil
}

// Text marshaling keeps IDs as canonical UUID strings in JSON payloads.

func (id PatientID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id AccountID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id EventID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }

func (id *PatientID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id *AccountID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id *EventID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
