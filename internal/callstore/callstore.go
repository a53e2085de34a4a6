// Package callstore persists telephony call records in PostgreSQL.
//
// Each bridged call produces one row: inserted when the media stream
// starts, finalized when the session tears down or a provider status
// callback arrives. The store is optional; when no DSN is configured the
// bridge runs without persistence.
//
// All operations are safe for concurrent use.
package callstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id          BIGSERIAL    PRIMARY KEY,
    call_sid    TEXT         NOT NULL UNIQUE,
    stream_sid  TEXT         NOT NULL DEFAULT '',
    direction   TEXT         NOT NULL DEFAULT 'inbound',
    from_number TEXT         NOT NULL DEFAULT '',
    to_number   TEXT         NOT NULL DEFAULT '',
    status      TEXT         NOT NULL DEFAULT 'in-progress',
    turn_count  INTEGER      NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at DESC);
`

// CallRecord is one persisted call. Direction is always "inbound" for
// now; the column exists so outbound dialing can reuse the table.
type CallRecord struct {
	CallSID    string     `json:"call_sid"`
	StreamSID  string     `json:"stream_sid"`
	Direction  string     `json:"direction"`
	FromNumber string     `json:"from_number,omitempty"`
	ToNumber   string     `json:"to_number,omitempty"`
	Status     string     `json:"status"`
	TurnCount  int        `json:"turn_count"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Store is the PostgreSQL-backed call log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and ensures the calls table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("callstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// StartCall inserts a record for a new call. Re-inserting the same call
// SID updates the stream SID instead of failing, since a reconnecting
// media stream reuses the call.
func (s *Store) StartCall(ctx context.Context, callSID, streamSID string) error {
	const q = `
		INSERT INTO calls (call_sid, stream_sid)
		VALUES ($1, $2)
		ON CONFLICT (call_sid)
		DO UPDATE SET stream_sid = EXCLUDED.stream_sid`

	if _, err := s.pool.Exec(ctx, q, callSID, streamSID); err != nil {
		return fmt.Errorf("callstore: start call: %w", err)
	}
	return nil
}

// EndCall finalizes a call with its terminal status ("completed",
// "failed", ...) and the number of user turns it carried. Unknown call
// SIDs are ignored; a status callback can outrun the start insert and
// there is nothing useful to record then.
func (s *Store) EndCall(ctx context.Context, callSID, status string, turns int) error {
	const q = `
		UPDATE calls
		SET    status = $2, turn_count = $3, ended_at = now()
		WHERE  call_sid = $1`

	if _, err := s.pool.Exec(ctx, q, callSID, status, turns); err != nil {
		return fmt.Errorf("callstore: end call: %w", err)
	}
	return nil
}

// UpdateStatus records a provider status callback. FromNumber and
// ToNumber are filled in if they were not known at stream start.
func (s *Store) UpdateStatus(ctx context.Context, callSID, status, from, to string) error {
	const q = `
		INSERT INTO calls (call_sid, status, from_number, to_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_sid)
		DO UPDATE SET
		    status      = EXCLUDED.status,
		    from_number = CASE WHEN calls.from_number = '' THEN EXCLUDED.from_number ELSE calls.from_number END,
		    to_number   = CASE WHEN calls.to_number   = '' THEN EXCLUDED.to_number   ELSE calls.to_number   END`

	if _, err := s.pool.Exec(ctx, q, callSID, status, from, to); err != nil {
		return fmt.Errorf("callstore: update status: %w", err)
	}
	return nil
}

// Recent returns up to limit calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT call_sid, stream_sid, direction, from_number, to_number, status, turn_count, started_at, ended_at
		FROM   calls
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("callstore: recent: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.CallSID, &r.StreamSID, &r.Direction, &r.FromNumber, &r.ToNumber, &r.Status, &r.TurnCount, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("callstore: scan call: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstore: recent rows: %w", err)
	}
	return records, nil
}

// Get returns the record for one call SID.
func (s *Store) Get(ctx context.Context, callSID string) (*CallRecord, error) {
	const q = `
		SELECT call_sid, stream_sid, direction, from_number, to_number, status, turn_count, started_at, ended_at
		FROM   calls
		WHERE  call_sid = $1`

	var r CallRecord
	err := s.pool.QueryRow(ctx, q, callSID).Scan(
		&r.CallSID, &r.StreamSID, &r.Direction, &r.FromNumber, &r.ToNumber, &r.Status, &r.TurnCount, &r.StartedAt, &r.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("callstore: call %q not found", callSID)
	}
	if err != nil {
		return nil, fmt.Errorf("callstore: get call: %w", err)
	}
	return &r, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
