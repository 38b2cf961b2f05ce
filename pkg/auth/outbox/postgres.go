/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Ledger = (*PostgresLedger)(nil)

// PostgresLedger persists outbox entries next to the cold tier, so a
// deferred write survives process restarts. Claims use FOR UPDATE SKIP
// LOCKED, which lets several replay workers share one ledger.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger wraps an existing connection pool. The caller retains
// ownership of the pool; Close does not shut it down.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// EnsureSchema creates the outbox table and its claim index if they do not
// exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS auth_outbox (
			id               UUID PRIMARY KEY,
			session_id       TEXT NOT NULL,
			op               TEXT NOT NULL,
			payload          JSONB,
			expected_version BIGINT NOT NULL,
			ttl_seconds      BIGINT NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			attempt          INT NOT NULL DEFAULT 0,
			max_attempts     INT NOT NULL,
			last_error       TEXT,
			created_at       TIMESTAMPTZ NOT NULL,
			claimed_at       TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS auth_outbox_claim_idx
			ON auth_outbox (status, created_at);
		CREATE INDEX IF NOT EXISTS auth_outbox_session_idx
			ON auth_outbox (session_id, status);`
	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("outbox: ensure schema: %w", err)
	}
	return nil
}

const entryColumns = `id, session_id, op, payload, expected_version, ttl_seconds,
	status, attempt, max_attempts, last_error, created_at, claimed_at, completed_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var payload []byte
	var ttlSeconds int64
	var lastError *string

	err := row.Scan(
		&e.ID, &e.SessionID, &e.Op, &payload, &e.ExpectedVersion, &ttlSeconds,
		&e.Status, &e.Attempt, &e.MaxAttempts, &lastError,
		&e.CreatedAt, &e.ClaimedAt, &e.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("outbox: scan entry: %w", err)
	}

	e.TTL = time.Duration(ttlSeconds) * time.Second
	if lastError != nil {
		e.LastError = *lastError
	}
	if e.Patch, err = decodePatch(payload); err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *PostgresLedger) Enqueue(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	payload, err := encodePatch(e.Patch)
	if err != nil {
		return err
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO auth_outbox
			(id, session_id, op, payload, expected_version, ttl_seconds,
			 status, attempt, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`,
		e.ID, e.SessionID, string(e.Op), payload, int64(e.ExpectedVersion),
		int64(e.TTL/time.Second), string(StatusPending), e.MaxAttempts,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Claim marks up to limit pending entries in-flight, oldest first, skipping
// sessions that already have an in-flight entry. Two entries of one session
// may land in the same batch; they come back ordered by created_at and the
// reconciler applies each session's entries sequentially.
func (l *PostgresLedger) Claim(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx, `
		UPDATE auth_outbox SET
			status = 'in_flight',
			attempt = attempt + 1,
			claimed_at = $2
		WHERE id IN (
			SELECT id FROM auth_outbox o
			WHERE o.status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM auth_outbox b
				WHERE b.session_id = o.session_id AND b.status = 'in_flight')
			ORDER BY o.created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns, limit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate claims: %w", err)
	}
	return entries, nil
}

func (l *PostgresLedger) Reclaim(ctx context.Context, visibility time.Duration) (int, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE auth_outbox SET status = 'pending', claimed_at = NULL
		WHERE status = 'in_flight' AND claimed_at < $1`,
		time.Now().UTC().Add(-visibility))
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaim: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *PostgresLedger) MarkSucceeded(ctx context.Context, id string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE auth_outbox SET status = 'succeeded', completed_at = $2, last_error = NULL
		WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("outbox: mark succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (l *PostgresLedger) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tag, err := l.pool.Exec(ctx, `
		UPDATE auth_outbox SET
			last_error = $2,
			status = CASE WHEN attempt >= max_attempts THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN attempt >= max_attempts THEN $3 ELSE NULL END,
			claimed_at = NULL
		WHERE id = $1`,
		id, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (l *PostgresLedger) Requeue(ctx context.Context, id string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE auth_outbox SET
			status = 'pending', attempt = 0, claimed_at = NULL, completed_at = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbox: requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (l *PostgresLedger) PruneSucceeded(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM auth_outbox WHERE status = 'succeeded' AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox: prune succeeded: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *PostgresLedger) Stats(ctx context.Context) (*Stats, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT status, count(*) FROM auth_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: stats: %w", err)
	}
	defer rows.Close()

	s := &Stats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox: scan stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
		case StatusInFlight:
			s.InFlight = count
		case StatusSucceeded:
			s.Succeeded = count
		case StatusFailed:
			s.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate stats: %w", err)
	}
	return s, nil
}

// Close is a no-op: the pool is owned by the caller.
func (l *PostgresLedger) Close() error {
	return nil
}
