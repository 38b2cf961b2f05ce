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

// Package postgres implements the durable cold tier: one versioned row per
// session with optimistic concurrency on the version column.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/keyfold/keyfold/pkg/auth"
	"github.com/keyfold/keyfold/pkg/auth/codec"
	"github.com/keyfold/keyfold/pkg/auth/encryption"
	"github.com/keyfold/keyfold/pkg/auth/providers"
)

// Compile-time interface check.
var _ providers.ColdProvider = (*Provider)(nil)

// setRetryDelays spaces out write retries after an optimistic-concurrency
// conflict. Attempts = len(setRetryDelays)+1.
var setRetryDelays = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
}

// Provider implements providers.ColdProvider using PostgreSQL.
type Provider struct {
	pool     *pgxpool.Pool
	codec    *codec.Codec
	crypto   *encryption.Service
	log      *zap.SugaredLogger
	ownsPool bool
}

// New creates a Provider that owns the underlying connection pool. The pool
// is created from cfg and verified with a ping. Close will shut down the
// pool.
func New(cfg Config, cd *codec.Codec, crypto *encryption.Service, log *zap.SugaredLogger) (*Provider, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.TLS != nil {
		poolCfg.ConnConfig.TLSConfig = cfg.TLS
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	p := newProvider(pool, cd, crypto, log)
	p.ownsPool = true
	return p, nil
}

// NewFromPool wraps an existing connection pool. Close is a no-op because
// the caller retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool, cd *codec.Codec, crypto *encryption.Service, log *zap.SugaredLogger) *Provider {
	return newProvider(pool, cd, crypto, log)
}

func newProvider(pool *pgxpool.Pool, cd *codec.Codec, crypto *encryption.Service, log *zap.SugaredLogger) *Provider {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Provider{pool: pool, codec: cd, crypto: crypto, log: log}
}

// EnsureSchema creates the session table and its aging index if they do not
// exist. Deployments that manage schema via migrations can skip this.
func (p *Provider) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS auth_sessions (
			id         TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			creds      JSONB,
			keys       JSONB,
			app_state  JSONB
		);
		CREATE INDEX IF NOT EXISTS auth_sessions_updated_at_idx
			ON auth_sessions (updated_at);`
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// --- section envelope helpers ------------------------------------------------

// sealSection encodes a value and seals it into envelope JSON for a JSONB
// column. A nil value maps to a NULL column.
func (p *Provider) sealSection(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	plain, err := p.codec.Encode(v)
	if err != nil {
		return nil, err
	}
	env, err := p.crypto.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal envelope: %w", err)
	}
	return data, nil
}

// openSection parses envelope JSON from a JSONB column, decrypts, and
// decodes the value. A NULL column yields nil.
func (p *Provider) openSection(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	env, err := encryption.EnvelopeFromJSON(data)
	if err != nil {
		return nil, err
	}
	plain, err := p.crypto.Decrypt(env)
	if err != nil {
		return nil, err
	}
	return p.codec.Decode(plain)
}

// --- row helpers --------------------------------------------------------------

type sessionRow struct {
	version   int64
	updatedAt time.Time
	creds     []byte
	keys      []byte
	appState  []byte
}

func scanSessionRow(row pgx.Row) (*sessionRow, error) {
	var r sessionRow
	err := row.Scan(&r.version, &r.updatedAt, &r.creds, &r.keys, &r.appState)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan session: %w", err)
	}
	return &r, nil
}

// decodeRow opens all three sections into a snapshot.
func (p *Provider) decodeRow(r *sessionRow) (*auth.Snapshot, error) {
	credsVal, err := p.openSection(r.creds)
	if err != nil {
		return nil, fmt.Errorf("postgres: open creds: %w", err)
	}
	keysVal, err := p.openSection(r.keys)
	if err != nil {
		return nil, fmt.Errorf("postgres: open keys: %w", err)
	}
	appStateVal, err := p.openSection(r.appState)
	if err != nil {
		return nil, fmt.Errorf("postgres: open app state: %w", err)
	}

	snap := &auth.Snapshot{Keys: asKeyMap(keysVal)}
	if m, ok := credsVal.(map[string]any); ok {
		snap.Creds = m
	}
	if m, ok := appStateVal.(map[string]any); ok {
		snap.AppState = m
	}
	return snap, nil
}

// encodeSnapshot seals all three sections for storage.
func (p *Provider) encodeSnapshot(snap *auth.Snapshot) (creds, keys, appState []byte, err error) {
	if snap.Creds != nil {
		if creds, err = p.sealSection(snap.Creds); err != nil {
			return nil, nil, nil, err
		}
	}
	if snap.Keys != nil {
		if keys, err = p.sealSection(keyMapToAny(snap.Keys)); err != nil {
			return nil, nil, nil, err
		}
	}
	if snap.AppState != nil {
		if appState, err = p.sealSection(snap.AppState); err != nil {
			return nil, nil, nil, err
		}
	}
	return creds, keys, appState, nil
}

// --- ColdProvider implementation ----------------------------------------------

// Get retrieves the session document. Unlike the hot tier, an unreadable
// section here is an error rather than a miss: this tier is the durable
// source of truth and silently dropping it would lose the session.
func (p *Provider) Get(ctx context.Context, sessionID string) (*auth.Versioned, error) {
	if sessionID == "" {
		return nil, auth.ErrInvalidSessionID
	}

	row := p.pool.QueryRow(ctx,
		`SELECT version, updated_at, creds, keys, app_state FROM auth_sessions WHERE id=$1`,
		sessionID)
	r, err := scanSessionRow(row)
	if err != nil {
		return nil, err
	}

	snap, err := p.decodeRow(r)
	if err != nil {
		return nil, err
	}
	return &auth.Versioned{
		Data:      snap,
		Version:   uint64(r.version),
		UpdatedAt: r.updatedAt,
	}, nil
}

// Set applies the patch on top of the current document under optimistic
// concurrency. Each attempt re-reads the row, merges, and writes
// conditionally on the version it read; a lost race backs off and retries.
// expectedVersion only seeds the version sequence when no row exists, which
// keeps replayed writes aligned with the hot tier's numbering.
func (p *Provider) Set(ctx context.Context, sessionID string, patch *auth.Patch, expectedVersion uint64) (*auth.SetResult, error) {
	if sessionID == "" {
		return nil, auth.ErrInvalidSessionID
	}

	var base uint64
	for attempt := 0; ; attempt++ {
		res, conflictBase, err := p.trySet(ctx, sessionID, patch, expectedVersion)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		base = conflictBase

		if attempt >= len(setRetryDelays) {
			break
		}
		p.log.Debugw("version conflict, retrying",
			"sessionID", sessionID, "attempt", attempt+1, "base", base)
		select {
		case <-time.After(setRetryDelays[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	observed, err := p.Version(ctx, sessionID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return nil, err
	}
	return nil, &auth.VersionMismatchError{Expected: base, Observed: observed}
}

// trySet performs one optimistic read-merge-write round. A nil result with a
// nil error signals a version conflict; conflictBase reports the version the
// losing write was based on.
func (p *Provider) trySet(ctx context.Context, sessionID string, patch *auth.Patch, expectedVersion uint64) (res *auth.SetResult, conflictBase uint64, err error) {
	current := &auth.Snapshot{}
	base := expectedVersion

	row := p.pool.QueryRow(ctx,
		`SELECT version, updated_at, creds, keys, app_state FROM auth_sessions WHERE id=$1`,
		sessionID)
	r, err := scanSessionRow(row)
	switch {
	case err == nil:
		base = uint64(r.version)
		if current, err = p.decodeRow(r); err != nil {
			// Merge from empty rather than wedging the write path on a
			// poisoned document; the replacement write repairs the row.
			p.log.Warnw("unreadable session document, merging from empty",
				"sessionID", sessionID, "error", err)
			current = &auth.Snapshot{}
		}
	case errors.Is(err, auth.ErrNotFound):
		// Fresh insert, seeded from expectedVersion.
	default:
		return nil, 0, err
	}

	auth.Apply(current, patch)
	credsJSON, keysJSON, appStateJSON, err := p.encodeSnapshot(current)
	if err != nil {
		return nil, 0, err
	}

	newVersion := base + 1
	now := time.Now().UTC()

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO auth_sessions (id, version, updated_at, creds, keys, app_state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			version    = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			creds      = EXCLUDED.creds,
			keys       = EXCLUDED.keys,
			app_state  = EXCLUDED.app_state
		WHERE auth_sessions.version = $7`,
		sessionID, int64(newVersion), now, credsJSON, keysJSON, appStateJSON, int64(base))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost an insert race; the next attempt sees the winner's row.
			return nil, base, nil
		}
		return nil, 0, fmt.Errorf("postgres: upsert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, base, nil
	}
	return &auth.SetResult{Version: newVersion, UpdatedAt: now, Success: true}, 0, nil
}

// Version reads only the version column.
func (p *Provider) Version(ctx context.Context, sessionID string) (uint64, error) {
	var version int64
	err := p.pool.QueryRow(ctx,
		`SELECT version FROM auth_sessions WHERE id=$1`, sessionID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, auth.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: get version: %w", err)
	}
	return uint64(version), nil
}

// Delete removes the session row. Deleting an absent session is not an
// error.
func (p *Provider) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return auth.ErrInvalidSessionID
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE id=$1`, sessionID); err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	return nil
}

// Touch refreshes the aging timestamp. The ttl argument is advisory here:
// cold rows age against updated_at and are reaped by PurgeExpired.
func (p *Provider) Touch(ctx context.Context, sessionID string, _ time.Duration) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE auth_sessions SET updated_at=$2 WHERE id=$1`, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// Exists reports whether a session row is present.
func (p *Provider) Exists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM auth_sessions WHERE id=$1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check existence: %w", err)
	}
	return exists, nil
}

// PurgeExpired removes sessions whose aging timestamp is older than cutoff
// and returns how many rows were removed.
func (p *Provider) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM auth_sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Provider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Provider) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

// --- conversion helpers -------------------------------------------------------

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func keyMapToAny(m auth.KeyMap) map[string]any {
	out := make(map[string]any, len(m))
	for keyType, ids := range m {
		idsAny := make(map[string]any, len(ids))
		for id, v := range ids {
			idsAny[id] = v
		}
		out[keyType] = idsAny
	}
	return out
}

func asKeyMap(v any) auth.KeyMap {
	m, ok := v.(map[string]any)
	if !ok {
		return auth.KeyMap{}
	}
	out := make(auth.KeyMap, len(m))
	for keyType, idsVal := range m {
		ids, ok := idsVal.(map[string]any)
		if !ok {
			continue
		}
		out[keyType] = ids
	}
	return out
}
