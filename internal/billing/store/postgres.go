package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"careflow/internal/billing/models"
	"careflow/pkg/domain"
	"careflow/pkg/platform/sentinel"
)

// Schema is the table this store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS billing_accounts (
	id             UUID PRIMARY KEY,
	patient_id     UUID NOT NULL UNIQUE,
	status         TEXT NOT NULL,
	holder_name    TEXT NOT NULL,
	date_of_birth  TEXT NOT NULL DEFAULT '',
	plan           TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`

const uniqueViolation = "23505"

// PostgresStore persists accounts with lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindByPatient(ctx context.Context, patientID domain.PatientID) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, status, holder_name, date_of_birth, plan, failure_reason, created_at, updated_at
		FROM billing_accounts WHERE patient_id = $1`,
		uuid.UUID(patientID),
	)
	var (
		acc       models.Account
		id, pid   uuid.UUID
		statusStr string
	)
	err := row.Scan(&id, &pid, &statusStr, &acc.HolderName, &acc.DateOfBirth, &acc.Plan,
		&acc.FailureReason, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find billing account: %w", err)
	}
	acc.ID = domain.AccountID(id)
	acc.PatientID = domain.PatientID(pid)
	acc.Status = models.AccountStatus(statusStr)
	return &acc, nil
}

func (s *PostgresStore) Create(ctx context.Context, acc *models.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_accounts
			(id, patient_id, status, holder_name, date_of_birth, plan, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.UUID(acc.ID), uuid.UUID(acc.PatientID), string(acc.Status), acc.HolderName,
		acc.DateOfBirth, acc.Plan, acc.FailureReason, acc.CreatedAt, acc.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert billing account: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, acc *models.Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_accounts
		SET status = $3, holder_name = $4, date_of_birth = $5, plan = $6, failure_reason = $7, updated_at = $8
		WHERE id = $1 AND patient_id = $2`,
		uuid.UUID(acc.ID), uuid.UUID(acc.PatientID), string(acc.Status), acc.HolderName,
		acc.DateOfBirth, acc.Plan, acc.FailureReason, acc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update billing account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update billing account: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
