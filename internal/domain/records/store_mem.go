package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/V1ncenttt/aki-devops/internal/platform/hl7v2"
)

// MemStore is the in-memory Store used by tests and STORE=memory runs.
// It honors the same replay and ordering semantics as PgStore.
type MemStore struct {
	mu       sync.RWMutex
	keys     *keyedMutex
	patients map[string]*Patient
	series   map[string][]Measurement
}

func NewMemStore() *MemStore {
	return &MemStore{
		keys:     newKeyedMutex(),
		patients: make(map[string]*Patient),
		series:   make(map[string][]Measurement),
	}
}

func (s *MemStore) UpsertPatient(ctx context.Context, mrn string, age *int, sex *string) error {
	defer s.keys.lock(mrn)()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(mrn, age, sex, true)
	return nil
}

// upsertLocked assumes s.mu is held.
func (s *MemStore) upsertLocked(mrn string, age *int, sex *string, active bool) {
	now := time.Now()
	p, ok := s.patients[mrn]
	if !ok {
		p = &Patient{MRN: mrn, CreatedAt: now}
		s.patients[mrn] = p
	}
	if age != nil {
		v := *age
		p.Age = &v
	}
	if sex != nil {
		v := *sex
		p.Sex = &v
	}
	p.Active = active
	p.UpdatedAt = now
}

func (s *MemStore) AppendMeasurement(ctx context.Context, mrn string, takenAt time.Time, value float64) error {
	defer s.keys.lock(mrn)()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(mrn, takenAt, value)
}

// appendLocked assumes s.mu is held. The patient row springs into
// existence with the measurement when absent.
func (s *MemStore) appendLocked(mrn string, takenAt time.Time, value float64) error {
	takenAt = normalizeTime(takenAt)

	for _, m := range s.series[mrn] {
		if m.TakenAt.Equal(takenAt) {
			if m.Value != value {
				return fmt.Errorf("%w: %s@%s stored=%v incoming=%v", ErrConflict, mrn, takenAt, m.Value, value)
			}
			return nil
		}
	}

	if _, ok := s.patients[mrn]; !ok {
		s.upsertLocked(mrn, nil, nil, true)
	}

	series := append(s.series[mrn], Measurement{MRN: mrn, TakenAt: takenAt, Value: value})
	sort.Slice(series, func(i, j int) bool { return series[i].TakenAt.Before(series[j].TakenAt) })
	s.series[mrn] = series
	return nil
}

func (s *MemStore) GetHistory(ctx context.Context, mrn string) ([]Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]Measurement, len(s.series[mrn]))
	copy(history, s.series[mrn])
	return history, nil
}

func (s *MemStore) GetPatient(ctx context.Context, mrn string) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[mrn]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) MarkInactive(ctx context.Context, mrn string) error {
	defer s.keys.lock(mrn)()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(mrn, nil, nil, false)
	return nil
}

func (s *MemStore) Apply(ctx context.Context, ev hl7v2.Event) error {
	switch ev.Kind {
	case hl7v2.KindAdmission:
		return s.UpsertPatient(ctx, ev.MRN, ev.Age, ev.Sex)
	case hl7v2.KindDischarge:
		return s.MarkInactive(ctx, ev.MRN)
	case hl7v2.KindLabResult:
		return s.AppendMeasurement(ctx, ev.MRN, ev.ObservedAt, ev.Value)
	case hl7v2.KindNoOp:
		return nil
	default:
		return fmt.Errorf("records: unknown event kind %d", ev.Kind)
	}
}
