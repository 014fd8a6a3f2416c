// Package ports declares what the patients service needs from other services.
package ports

import (
	"context"
	"time"

	"careflow/pkg/domain"
)

// BillingPort creates or refreshes the billing account of a patient. Errors
// carry one of the domain codes dependent_rejected, dependent_unreachable or
// timeout.
type BillingPort interface {
	CreateAccount(ctx context.Context, patientID domain.PatientID, attrs BillingAttributes) (*AccountHandle, error)
}

type BillingAttributes struct {
	HolderName  string
	DateOfBirth string
	Plan        string
}

type AccountHandle struct {
	AccountID string
	Status    string
	CreatedAt time.Time
}
