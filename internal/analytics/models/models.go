package models

import "careflow/pkg/domain"

// Fact is the part of a patient event analytics aggregates over.
type Fact struct {
	// Key identifies the event independent of redelivery.
	Key       string
	Created   bool
	PatientID domain.PatientID
	Plan      string
}

// Stats are the aggregates over all applied facts.
type Stats struct {
	// Patients counts CREATED events.
	Patients int64            `json:"patients"`
	Updates  int64            `json:"updates"`
	ByPlan   map[string]int64 `json:"by_plan"`
}
