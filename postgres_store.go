package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresSchema creates the saga table. Each instance is one row: the full
// record (steps and compensation log included) lives in the state document,
// so every Save is a single-row atomic write; the extracted columns exist for
// lookup and recovery queries.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS sagas (
    id             TEXT PRIMARY KEY,
    saga_type      TEXT        NOT NULL,
    correlation_id TEXT        NOT NULL,
    status         TEXT        NOT NULL,
    version        BIGINT      NOT NULL,
    state          JSONB       NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sagas_correlation_idx ON sagas (saga_type, correlation_id);
CREATE UNIQUE INDEX IF NOT EXISTS sagas_active_correlation_uq
    ON sagas (saga_type, correlation_id)
    WHERE status NOT IN ('COMPLETED', 'FAILED');
CREATE INDEX IF NOT EXISTS sagas_status_idx ON sagas (status);
`

// PostgresStore is the durable Store on PostgreSQL (lib/pq). The optimistic
// lock is the WHERE version = $n clause on update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool. The caller owns the pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init applies the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply saga schema: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, in *Instance) error {
	now := time.Now().UTC()
	in.Version = 1
	in.CreatedAt = now
	in.UpdatedAt = now
	state, err := encodeInstance(in)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (id, saga_type, correlation_id, status, version, state)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		in.ID, in.Type, in.CorrelationID, string(in.Status), in.Version, state,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", ErrSagaExists, in.ID)
		}
		return fmt.Errorf("insert saga %s: %w", in.ID, err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, sagaID string) (*Instance, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sagas WHERE id = $1`, sagaID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("query saga %s: %w", sagaID, err)
	}
	return decodeInstance(state)
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, in *Instance) error {
	next := in.Clone()
	next.Version = in.Version + 1
	next.UpdatedAt = time.Now().UTC()
	state, err := encodeInstance(next)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET status = $1, version = $2, state = $3, updated_at = now()
		WHERE id = $4 AND version = $5`,
		string(next.Status), next.Version, state, in.ID, in.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga %s: %w", in.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga %s: %w", in.ID, err)
	}
	if affected == 0 {
		// Either the row is gone or another writer advanced the version.
		if _, loadErr := s.Load(ctx, in.ID); loadErr != nil {
			return loadErr
		}
		return fmt.Errorf("%w: %s at v%d", ErrVersionConflict, in.ID, in.Version)
	}

	in.Version = next.Version
	in.UpdatedAt = next.UpdatedAt
	return nil
}

// FindActive implements Store.
func (s *PostgresStore) FindActive(ctx context.Context, sagaType, correlationID string) (*Instance, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM sagas
		WHERE saga_type = $1 AND correlation_id = $2 AND status NOT IN ($3, $4)
		LIMIT 1`,
		sagaType, correlationID, string(StatusCompleted), string(StatusFailed),
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active saga for %s/%s: %w", sagaType, correlationID, err)
	}
	return decodeInstance(state)
}

// ListByStatus implements Store.
func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...SagaStatus) ([]*Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM sagas WHERE status = ANY($1) ORDER BY created_at`,
		pq.Array(names),
	)
	if err != nil {
		return nil, fmt.Errorf("query sagas by status: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan saga state: %w", err)
		}
		in, err := decodeInstance(state)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
