package records

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/V1ncenttt/aki-devops/internal/platform/hl7v2"
)

var (
	// ErrConflict means a measurement replay carried a different value
	// for an existing (MRN, timestamp) key. This is a hard anomaly and
	// is surfaced, not silently resolved.
	ErrConflict = errors.New("records: measurement conflicts with stored value")

	// ErrNotFound means the patient is not known to the store.
	ErrNotFound = errors.New("records: patient not found")

	// ErrUnavailable wraps retryable backend failures. The pipeline
	// retries a bounded number of times before treating the condition
	// as connection-fatal.
	ErrUnavailable = errors.New("records: store unavailable")
)

// Store is the patient state store. Implementations serialize writes
// per MRN so concurrent writers for the same patient cannot interleave,
// and commit all writes of one event atomically.
type Store interface {
	// UpsertPatient creates the patient if absent. Non-nil age/sex
	// overwrite stored values; nil arguments leave them unchanged.
	// Idempotent.
	UpsertPatient(ctx context.Context, mrn string, age *int, sex *string) error

	// AppendMeasurement inserts a measurement if (mrn, takenAt) is new.
	// An exact duplicate is a silent no-op; the same key with a
	// different value returns ErrConflict.
	AppendMeasurement(ctx context.Context, mrn string, takenAt time.Time, value float64) error

	// GetHistory returns the patient's measurements sorted ascending by
	// timestamp. Unknown MRNs yield an empty history, not an error.
	GetHistory(ctx context.Context, mrn string) ([]Measurement, error)

	// GetPatient returns the stored patient or ErrNotFound.
	GetPatient(ctx context.Context, mrn string) (*Patient, error)

	// MarkInactive records a discharge. History is retained.
	MarkInactive(ctx context.Context, mrn string) error

	// Apply commits one event's full effect as a unit: either every
	// write is visible afterwards or none is.
	Apply(ctx context.Context, ev hl7v2.Event) error
}

// keyedMutex provides per-MRN mutual exclusion.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// normalizeTime reduces a measurement timestamp to the store's key
// precision. HL7 DTM values in this feed carry whole seconds, and
// replay detection must compare equal keys as equal.
func normalizeTime(t time.Time) time.Time {
	return t.Truncate(time.Second)
}
