package models

import (
	"time"

	"careflow/pkg/domain"
)

type AccountStatus string

const (
	AccountPending AccountStatus = "PENDING"
	AccountActive  AccountStatus = "ACTIVE"
	AccountFailed  AccountStatus = "FAILED"
)

// Account is the billing account for exactly one patient. PatientID is a soft
// reference to the patients service; no foreign key spans the two stores.
type Account struct {
	ID            domain.AccountID
	PatientID     domain.PatientID
	Status        AccountStatus
	HolderName    string
	DateOfBirth   string
	Plan          string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Attributes are the holder details supplied by the owning service.
type Attributes struct {
	HolderName  string
	DateOfBirth string
	Plan        string
}

func (a *Account) Apply(attrs Attributes, now time.Time) {
	a.HolderName = attrs.HolderName
	a.DateOfBirth = attrs.DateOfBirth
	a.Plan = attrs.Plan
	a.UpdatedAt = now
}
