// Package audit persists the decision trail: every signal, decision, trade
// and downgraded failure, appended fire-and-forget so persistence can never
// stall a decision cycle.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT        NOT NULL,
	asset      TEXT        NOT NULL DEFAULT '',
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_records_kind_created
	ON audit_records (kind, created_at DESC);
`

// Record is one persisted audit entry.
type Record struct {
	ID        int64                  `json:"id"`
	Kind      string                 `json:"kind"`
	Asset     string                 `json:"asset,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store is the PostgreSQL audit sink.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore connects to PostgreSQL and ensures the audit schema exists.
func NewStore(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "audit").Logger(),
	}, nil
}

// Append persists one record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_records (kind, asset, payload, created_at) VALUES ($1, $2, $3, $4)`,
		rec.Kind, rec.Asset, payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records of one kind, newest first. An empty kind
// returns records of every kind.
func (s *Store) Recent(ctx context.Context, kind string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, kind, asset, payload, created_at FROM audit_records`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, kind)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Asset, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			s.logger.Warn().Err(err).Int64("id", rec.ID).Msg("corrupt audit payload skipped")
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
