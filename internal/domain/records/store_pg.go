package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/V1ncenttt/aki-devops/internal/platform/hl7v2"
)

// PgStore is the durable Store on PostgreSQL.
type PgStore struct {
	pool *pgxpool.Pool
	keys *keyedMutex
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, keys: newKeyedMutex()}
}

// Pool exposes the underlying connection pool for health checks.
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PgStore) UpsertPatient(ctx context.Context, mrn string, age *int, sex *string) error {
	defer s.keys.lock(mrn)()
	return upsertPatient(ctx, s.pool, mrn, age, sex)
}

// upsertPatient runs against either the pool or an open transaction.
// COALESCE keeps existing values when the incoming field is NULL.
func upsertPatient(ctx context.Context, q querier, mrn string, age *int, sex *string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO patients (mrn, age, sex, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (mrn) DO UPDATE SET
			age = COALESCE(EXCLUDED.age, patients.age),
			sex = COALESCE(EXCLUDED.sex, patients.sex),
			active = TRUE,
			updated_at = NOW()`,
		mrn, age, sex,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert patient %s: %v", ErrUnavailable, mrn, err)
	}
	return nil
}

func (s *PgStore) AppendMeasurement(ctx context.Context, mrn string, takenAt time.Time, value float64) error {
	defer s.keys.lock(mrn)()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	// Implicit creation: a measurement for an unseen MRN creates the
	// patient row with unknown demographics.
	if err := upsertPatient(ctx, tx, mrn, nil, nil); err != nil {
		return err
	}
	if err := appendMeasurement(ctx, tx, mrn, takenAt, value); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

func appendMeasurement(ctx context.Context, q querier, mrn string, takenAt time.Time, value float64) error {
	takenAt = normalizeTime(takenAt)

	tag, err := q.Exec(ctx, `
		INSERT INTO measurements (mrn, taken_at, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (mrn, taken_at) DO NOTHING`,
		mrn, takenAt, value,
	)
	if err != nil {
		return fmt.Errorf("%w: insert measurement %s@%s: %v", ErrUnavailable, mrn, takenAt, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// The key already exists: a replay. Identical value is a no-op,
	// a divergent value is surfaced.
	var stored float64
	err = q.QueryRow(ctx,
		`SELECT value FROM measurements WHERE mrn = $1 AND taken_at = $2`,
		mrn, takenAt,
	).Scan(&stored)
	if err != nil {
		return fmt.Errorf("%w: read back measurement %s@%s: %v", ErrUnavailable, mrn, takenAt, err)
	}
	if stored != value {
		return fmt.Errorf("%w: %s@%s stored=%v incoming=%v", ErrConflict, mrn, takenAt, stored, value)
	}
	return nil
}

func (s *PgStore) GetHistory(ctx context.Context, mrn string) ([]Measurement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mrn, taken_at, value FROM measurements
		WHERE mrn = $1 ORDER BY taken_at ASC`,
		mrn,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: history for %s: %v", ErrUnavailable, mrn, err)
	}
	defer rows.Close()

	history := []Measurement{}
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.MRN, &m.TakenAt, &m.Value); err != nil {
			return nil, fmt.Errorf("%w: scan measurement: %v", ErrUnavailable, err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate history: %v", ErrUnavailable, err)
	}
	return history, nil
}

func (s *PgStore) GetPatient(ctx context.Context, mrn string) (*Patient, error) {
	var p Patient
	err := s.pool.QueryRow(ctx, `
		SELECT mrn, age, sex, active, created_at, updated_at
		FROM patients WHERE mrn = $1`,
		mrn,
	).Scan(&p.MRN, &p.Age, &p.Sex, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get patient %s: %v", ErrUnavailable, mrn, err)
	}
	return &p, nil
}

func (s *PgStore) MarkInactive(ctx context.Context, mrn string) error {
	defer s.keys.lock(mrn)()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patients (mrn, active)
		VALUES ($1, FALSE)
		ON CONFLICT (mrn) DO UPDATE SET active = FALSE, updated_at = NOW()`,
		mrn,
	)
	if err != nil {
		return fmt.Errorf("%w: mark %s inactive: %v", ErrUnavailable, mrn, err)
	}
	return nil
}

// Apply commits one event in a single transaction under the MRN's
// write lock.
func (s *PgStore) Apply(ctx context.Context, ev hl7v2.Event) error {
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

// querier matches both *pgxpool.Pool and pgx.Tx for the statements the
// store runs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
