package models

import (
	"encoding/json"
	"strings"
	"time"

	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
)

type OnboardingStatus string

const (
	StatusPendingDependent  OnboardingStatus = "PENDING_DEPENDENT"
	StatusActive            OnboardingStatus = "ACTIVE"
	StatusDependentRejected OnboardingStatus = "DEPENDENT_REJECTED"
)

// Patient is owned by the patients service. BillingAccountID is a soft
// reference into billing, set once the dependent confirms.
type Patient struct {
	ID           domain.PatientID
	Name         string
	DateOfBirth  string
	Plan         string
	RegisteredAt time.Time
	UpdatedAt    time.Time
	// Version increments on every committed change and guards concurrent writers.
	Version          int64
	Status           OnboardingStatus
	BillingAccountID string
	// LastDependentFailure holds the last rejection or transport failure from billing.
	LastDependentFailure string
	Attempts             int
	LastAttemptAt        time.Time
	// Announced is set once a CREATED event has been queued; later
	// confirmations emit UPDATED.
	Announced bool
}

// Attributes are the caller-supplied fields of a patient.
type Attributes struct {
	Name        string
	DateOfBirth string
	Plan        string
}

// Validate checks shape only; plan eligibility is billing's decision.
func (a Attributes) Validate(now time.Time) error {
	if strings.TrimSpace(a.Name) == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if strings.TrimSpace(a.Plan) == "" {
		return dErrors.New(dErrors.CodeValidation, "plan is required")
	}
	if a.DateOfBirth != "" {
		dob, err := time.Parse(time.DateOnly, a.DateOfBirth)
		if err != nil {
			return dErrors.New(dErrors.CodeValidation, "date_of_birth must be YYYY-MM-DD")
		}
		if dob.After(now) {
			return dErrors.New(dErrors.CodeValidation, "date_of_birth is in the future")
		}
	}
	return nil
}

func (p *Patient) Apply(a Attributes, now time.Time) {
	p.Name = strings.TrimSpace(a.Name)
	p.DateOfBirth = a.DateOfBirth
	p.Plan = strings.TrimSpace(a.Plan)
	p.UpdatedAt = now
}

func (p *Patient) Attributes() Attributes {
	return Attributes{Name: p.Name, DateOfBirth: p.DateOfBirth, Plan: p.Plan}
}

func (p *Patient) Clone() *Patient {
	cp := *p
	return &cp
}

// Snapshot is the event payload describing a patient at one version.
type Snapshot struct {
	ID               domain.PatientID `json:"id"`
	Name             string           `json:"name"`
	DateOfBirth      string           `json:"date_of_birth,omitempty"`
	Plan             string           `json:"plan"`
	Status           OnboardingStatus `json:"status"`
	BillingAccountID string           `json:"billing_account_id,omitempty"`
	Version          int64            `json:"version"`
	RegisteredAt     time.Time        `json:"registered_at"`
}

func (p *Patient) Snapshot() ([]byte, error) {
	return json.Marshal(Snapshot{
		ID:               p.ID,
		Name:             p.Name,
		DateOfBirth:      p.DateOfBirth,
		Plan:             p.Plan,
		Status:           p.Status,
		BillingAccountID: p.BillingAccountID,
		Version:          p.Version,
		RegisteredAt:     p.RegisteredAt,
	})
}

// ListQuery selects patients for reconciliation views. Zero MaxAttempts means
// no attempt filter; zero Limit means the store default.
type ListQuery struct {
	Status        OnboardingStatus
	UpdatedBefore time.Time
	MaxAttempts   int
	Limit         int
}
