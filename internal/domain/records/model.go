// Package records owns the per-patient measurement history: patient
// demographics and the ordered creatinine series, behind a Store
// interface with a Postgres implementation and an in-memory one.
package records

import "time"

// Patient is a person known to the system, keyed by the external
// medical record number. Age and sex are optional; a lab result for an
// unseen MRN creates the patient with both unknown. Patients are never
// deleted; discharge only marks them inactive.
type Patient struct {
	MRN       string
	Age       *int
	Sex       *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Measurement is one committed creatinine result. Immutable once
// stored; uniquely keyed by (MRN, TakenAt) at second precision.
type Measurement struct {
	MRN     string
	TakenAt time.Time
	Value   float64
}
