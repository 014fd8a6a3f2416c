package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"careflow/internal/patients/models"
	"careflow/pkg/domain"
	"careflow/pkg/platform/sentinel"
	"careflow/pkg/platform/tx"
)

// Schema holds the DDL statements this store expects, applied in order.
var Schema = []string{`
CREATE TABLE IF NOT EXISTS patients (
	id                     UUID PRIMARY KEY,
	name                   TEXT NOT NULL,
	date_of_birth          TEXT NOT NULL DEFAULT '',
	plan                   TEXT NOT NULL,
	registered_at          TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	version                BIGINT NOT NULL,
	status                 TEXT NOT NULL,
	billing_account_id     TEXT NOT NULL DEFAULT '',
	last_dependent_failure TEXT NOT NULL DEFAULT '',
	attempts               INT NOT NULL DEFAULT 0,
	last_attempt_at        TIMESTAMPTZ,
	announced              BOOLEAN NOT NULL DEFAULT FALSE
)`,
	`CREATE INDEX IF NOT EXISTS patients_status_updated_idx ON patients (status, updated_at)`,
}

const uniqueViolation = "23505"

const patientColumns = `id, name, date_of_birth, plan, registered_at, updated_at, version, status,
	billing_account_id, last_dependent_failure, attempts, last_attempt_at, announced`

// PostgresStore persists patients through the pgx database/sql driver. Writes
// join the transaction carried by ctx.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *models.Patient) error {
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO patients (`+patientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		uuid.UUID(p.ID), p.Name, p.DateOfBirth, p.Plan, p.RegisteredAt, p.UpdatedAt, p.Version,
		string(p.Status), p.BillingAccountID, p.LastDependentFailure, p.Attempts,
		nullTime(p.LastAttemptAt), p.Announced,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.PatientID) (*models.Patient, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE id = $1`, uuid.UUID(id))
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find patient: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *models.Patient, expectedVersion int64) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE patients SET
			name = $3, date_of_birth = $4, plan = $5, updated_at = $6, version = $7, status = $8,
			billing_account_id = $9, last_dependent_failure = $10, attempts = $11,
			last_attempt_at = $12, announced = $13
		WHERE id = $1 AND version = $2`,
		uuid.UUID(p.ID), expectedVersion, p.Name, p.DateOfBirth, p.Plan, p.UpdatedAt, p.Version,
		string(p.Status), p.BillingAccountID, p.LastDependentFailure, p.Attempts,
		nullTime(p.LastAttemptAt), p.Announced,
	)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.FindByID(ctx, p.ID); err != nil {
		return err
	}
	return sentinel.ErrConflict
}

func (s *PostgresStore) List(ctx context.Context, q models.ListQuery) ([]*models.Patient, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	before := q.UpdatedBefore
	if before.IsZero() {
		before = time.Now().Add(time.Hour)
	}
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT `+patientColumns+` FROM patients
		WHERE status = $1 AND updated_at < $2 AND attempts < $3
		ORDER BY updated_at
		LIMIT $4`,
		string(q.Status), before, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPatient(row scanner) (*models.Patient, error) {
	var (
		p           models.Patient
		id          uuid.UUID
		status      string
		lastAttempt sql.NullTime
	)
	err := row.Scan(&id, &p.Name, &p.DateOfBirth, &p.Plan, &p.RegisteredAt, &p.UpdatedAt, &p.Version,
		&status, &p.BillingAccountID, &p.LastDependentFailure, &p.Attempts, &lastAttempt, &p.Announced)
	if err != nil {
		return nil, err
	}
	p.ID = domain.PatientID(id)
	p.Status = models.OnboardingStatus(status)
	if lastAttempt.Valid {
		p.LastAttemptAt = lastAttempt.Time
	}
	return &p, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
