package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"careflow/internal/events"
	"careflow/pkg/platform/sentinel"
	"careflow/pkg/platform/tx"
)

// Schema holds the outbox DDL, applied in order.
var Schema = []string{`
CREATE TABLE IF NOT EXISTS outbox (
	id              UUID PRIMARY KEY,
	seq             BIGSERIAL NOT NULL UNIQUE,
	aggregate_id    TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	payload         BYTEA NOT NULL,
	state           TEXT NOT NULL DEFAULT 'pending',
	attempts        INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	published_at    TIMESTAMPTZ,
	log_partition   INT,
	log_offset      BIGINT
)`,
	`CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (aggregate_id, seq) WHERE state <> 'published'`,
}

const entryColumns = `id, seq, aggregate_id, event_type, event_id, payload, state, attempts,
	next_attempt_at, last_error, created_at, published_at, log_partition, log_offset`

// PostgresStore is the transactional outbox table, accessed through the pgx
// database/sql driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO outbox (id, aggregate_id, event_type, event_id, payload, state, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		e.ID, e.Key, string(e.EventType), e.EventID, e.Envelope, string(e.State), e.Attempts,
		e.NextAttemptAt, e.CreatedAt,
	)
	if err := row.Scan(&e.Seq); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Heads(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	// the head is picked among all unpublished rows before filtering, so a
	// dead or backing-off head hides the rest of its key
	return s.query(ctx, `
		SELECT `+entryColumns+` FROM (
			SELECT DISTINCT ON (aggregate_id) `+entryColumns+`
			FROM outbox
			WHERE state <> 'published'
			ORDER BY aggregate_id, seq
		) heads
		WHERE state = 'pending' AND next_attempt_at <= $1
		ORDER BY seq
		LIMIT $2`, now, limit)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, id uuid.UUID, pos events.Position, at time.Time) error {
	return s.exec(ctx, `
		UPDATE outbox SET state = 'published', published_at = $2, log_partition = $3, log_offset = $4, last_error = ''
		WHERE id = $1`,
		id, at, pos.Partition, pos.Offset)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	return s.exec(ctx, `
		UPDATE outbox SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1`,
		id, attempts, next, lastErr)
}

func (s *PostgresStore) MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	return s.exec(ctx, `
		UPDATE outbox SET state = 'dead', attempts = $2, last_error = $3
		WHERE id = $1`,
		id, attempts, lastErr)
}

func (s *PostgresStore) ListDead(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+entryColumns+` FROM outbox WHERE state = 'dead' ORDER BY seq LIMIT $1`, limit)
}

func (s *PostgresStore) Requeue(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE outbox SET state = 'pending', attempts = 0, next_attempt_at = $2
		WHERE id = $1 AND state = 'dead'`,
		id, at)
	if err != nil {
		return fmt.Errorf("requeue outbox entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("requeue outbox entry: %w", err)
	} else if n == 1 {
		return nil
	}

	var state string
	err = tx.Exec(ctx, s.db).QueryRowContext(ctx, `SELECT state FROM outbox WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("requeue outbox entry: %w", err)
	}
	return sentinel.ErrInvalidState
}

func (s *PostgresStore) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `SELECT state, COUNT(*) FROM outbox GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count outbox entries: %w", err)
	}
	defer rows.Close()
	counts := make(map[State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count outbox entries: %w", err)
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e           Entry
			eventType   string
			state       string
			publishedAt sql.NullTime
			partition   sql.NullInt32
			offset      sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.Key, &eventType, &e.EventID, &e.Envelope, &state,
			&e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt, &publishedAt, &partition, &offset); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.EventType = events.Type(eventType)
		e.State = State(state)
		if publishedAt.Valid {
			e.PublishedAt = publishedAt.Time
		}
		if partition.Valid && offset.Valid {
			e.Position = &events.Position{Partition: partition.Int32, Offset: offset.Int64}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
