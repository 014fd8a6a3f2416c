// Package billingv1 is the wire contract of the billing account RPC. Messages use
// integer-keyed CBOR fields; a field number is never reused once published.
package billingv1

import (
	"errors"
	"strings"
)

// SchemaVersion is the contract version this package describes.
const SchemaVersion uint32 = 1

type AccountStatus string

const (
	AccountPending AccountStatus = "PENDING"
	AccountActive  AccountStatus = "ACTIVE"
	AccountFailed  AccountStatus = "FAILED"
)

// RejectionReason is a business-level refusal. Transport failures are never
// expressed as rejections.
type RejectionReason string

const (
	RejectUnsupportedPlan  RejectionReason = "UNSUPPORTED_PLAN"
	RejectAccountFailed    RejectionReason = "ACCOUNT_FAILED"
	RejectSchemaMismatch   RejectionReason = "SCHEMA_MISMATCH"
	RejectInvalidAttribute RejectionReason = "INVALID_ATTRIBUTE"
)

type AccountAttributes struct {
	HolderName  string `cbor:"1,keyasint"`
	DateOfBirth string `cbor:"2,keyasint"` // YYYY-MM-DD
	Plan        string `cbor:"3,keyasint"`
}

type CreateAccountRequest struct {
	SchemaVersion uint32            `cbor:"1,keyasint"`
	RequestID     string            `cbor:"2,keyasint,omitempty"`
	PatientID     string            `cbor:"3,keyasint"`
	Attributes    AccountAttributes `cbor:"4,keyasint"`
}

// Validate checks structural completeness only; plan support is a billing rule.
func (r *CreateAccountRequest) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return errors.New("patient_id is required")
	}
	if strings.TrimSpace(r.Attributes.HolderName) == "" {
		return errors.New("holder_name is required")
	}
	if strings.TrimSpace(r.Attributes.Plan) == "" {
		return errors.New("plan is required")
	}
	return nil
}

type AccountHandle struct {
	AccountID string        `cbor:"1,keyasint"`
	PatientID string        `cbor:"2,keyasint"`
	Status    AccountStatus `cbor:"3,keyasint"`
	// CreatedAt is Unix milliseconds.
	CreatedAt int64 `cbor:"4,keyasint"`
}

type Rejection struct {
	Reason RejectionReason `cbor:"1,keyasint"`
	Detail string          `cbor:"2,keyasint,omitempty"`
}

// CreateAccountResponse carries exactly one of Account or Rejection.
type CreateAccountResponse struct {
	SchemaVersion uint32         `cbor:"1,keyasint"`
	Account       *AccountHandle `cbor:"2,keyasint,omitempty"`
	Rejection     *Rejection     `cbor:"3,keyasint,omitempty"`
}

type GetAccountRequest struct {
	SchemaVersion uint32 `cbor:"1,keyasint"`
	PatientID     string `cbor:"2,keyasint"`
}

type GetAccountResponse struct {
	SchemaVersion uint32         `cbor:"1,keyasint"`
	Account       *AccountHandle `cbor:"2,keyasint"`
}
