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

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/keyfold/keyfold/pkg/auth"
	"github.com/keyfold/keyfold/pkg/auth/codec"
	"github.com/keyfold/keyfold/pkg/auth/encryption"
	"github.com/keyfold/keyfold/pkg/auth/providers"
)

// Compile-time interface check.
var _ providers.HotProvider = (*Provider)(nil)

// Provider implements providers.HotProvider using Redis. Each session is
// split across three keys — creds, keys, meta — so incremental key updates
// never rewrite the credentials blob. Creds and keys hold envelope JSON
// (inspectable with standard tools); meta holds the plain version record.
type Provider struct {
	client     goredis.UniversalClient
	codec      *codec.Codec
	crypto     *encryption.Service
	keyPrefix  string
	defaultTTL time.Duration
	log        *zap.SugaredLogger
	ownsClient bool
}

// storedMeta is the plain JSON record under the meta key.
type storedMeta struct {
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a Provider that owns the underlying Redis client. The client
// is created from cfg and verified with a PING. Close will shut it down.
func New(cfg Config, cd *codec.Codec, crypto *encryption.Service, log *zap.SugaredLogger) (*Provider, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis: at least one address is required")
	}

	opts := &goredis.UniversalOptions{
		Addrs:           cfg.Addrs,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		TLSConfig:       cfg.TLS,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := goredis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	p := newProvider(client, cd, crypto, log, cfg.KeyPrefix, cfg.DefaultTTL)
	p.ownsClient = true
	return p, nil
}

// NewFromClient wraps an existing UniversalClient. Close is a no-op because
// the caller retains ownership of the client.
func NewFromClient(client goredis.UniversalClient, cd *codec.Codec, crypto *encryption.Service, log *zap.SugaredLogger, opts Options) *Provider {
	return newProvider(client, cd, crypto, log, opts.KeyPrefix, opts.DefaultTTL)
}

func newProvider(client goredis.UniversalClient, cd *codec.Codec, crypto *encryption.Service, log *zap.SugaredLogger, prefix string, ttl time.Duration) *Provider {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Provider{
		client:     client,
		codec:      cd,
		crypto:     crypto,
		keyPrefix:  prefix,
		defaultTTL: ttl,
		log:        log,
	}
}

// --- key helpers -----------------------------------------------------------

func (p *Provider) credsKey(id string) string { return p.keyPrefix + ":" + id + ":creds" }
func (p *Provider) keysKey(id string) string  { return p.keyPrefix + ":" + id + ":keys" }
func (p *Provider) metaKey(id string) string  { return p.keyPrefix + ":" + id + ":meta" }

// --- field envelope helpers ------------------------------------------------

// sealField encodes a value and seals it into envelope JSON.
func (p *Provider) sealField(v any) (string, error) {
	plain, err := p.codec.Encode(v)
	if err != nil {
		return "", err
	}
	env, err := p.crypto.Encrypt(plain)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("redis: marshal envelope: %w", err)
	}
	return string(data), nil
}

// openField parses envelope JSON, decrypts, and decodes the value.
func (p *Provider) openField(data string) (any, error) {
	env, err := encryption.EnvelopeFromJSON([]byte(data))
	if err != nil {
		return nil, err
	}
	plain, err := p.crypto.Decrypt(env)
	if err != nil {
		return nil, err
	}
	return p.codec.Decode(plain)
}

// --- HotProvider implementation --------------------------------------------

// Get reads meta, creds, and keys in one pipeline round trip. Partial hot
// state (creds or keys missing) is not a valid snapshot and reports a miss;
// so does any decrypt or decode failure, which keeps a single poisoned field
// from wedging the read path.
func (p *Provider) Get(ctx context.Context, sessionID string) (*auth.Versioned, error) {
	if sessionID == "" {
		return nil, auth.ErrInvalidSessionID
	}

	pipe := p.client.Pipeline()
	metaCmd := pipe.Get(ctx, p.metaKey(sessionID))
	credsCmd := pipe.Get(ctx, p.credsKey(sessionID))
	keysCmd := pipe.Get(ctx, p.keysKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis: get session: %w", err)
	}

	credsRaw, err := credsCmd.Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get creds: %w", err)
	}
	keysRaw, err := keysCmd.Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get keys: %w", err)
	}

	meta := storedMeta{Version: 1}
	if metaRaw, err := metaCmd.Result(); err == nil {
		if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
			p.log.Warnw("invalid meta record, using defaults", "sessionID", sessionID, "error", err)
			meta = storedMeta{Version: 1}
		}
	}

	credsVal, err := p.openField(credsRaw)
	if err != nil {
		p.log.Warnw("unreadable creds record, treating as miss", "sessionID", sessionID, "error", err)
		return nil, auth.ErrNotFound
	}
	keysVal, err := p.openField(keysRaw)
	if err != nil {
		p.log.Warnw("unreadable keys record, treating as miss", "sessionID", sessionID, "error", err)
		return nil, auth.ErrNotFound
	}

	snap := &auth.Snapshot{}
	if m, ok := credsVal.(map[string]any); ok {
		snap.Creds = m
	}
	snap.Keys, snap.AppState = splitKeysRecord(keysVal)

	return &auth.Versioned{
		Data:      snap,
		Version:   meta.Version,
		UpdatedAt: meta.UpdatedAt,
	}, nil
}

// Set writes the patched fields and the meta record, all with the default
// TTL. The new version is expectedVersion+1; the caller reads the current
// version inside its per-session exclusive section.
func (p *Provider) Set(ctx context.Context, sessionID string, patch *auth.Patch, expectedVersion uint64) (*auth.SetResult, error) {
	if sessionID == "" {
		return nil, auth.ErrInvalidSessionID
	}
	newVersion := expectedVersion + 1
	now := time.Now().UTC()

	pipe := p.client.Pipeline()

	if patch.Creds != nil {
		sealed, err := p.sealField(patch.Creds)
		if err != nil {
			return nil, err
		}
		pipe.Set(ctx, p.credsKey(sessionID), sealed, p.defaultTTL)
	}

	if patch.Keys != nil || patch.AppState != nil {
		merged, err := p.mergeKeysRecord(ctx, sessionID, patch)
		if err != nil {
			return nil, err
		}
		sealed, err := p.sealField(merged)
		if err != nil {
			return nil, err
		}
		pipe.Set(ctx, p.keysKey(sessionID), sealed, p.defaultTTL)
	}

	metaData, err := json.Marshal(storedMeta{Version: newVersion, UpdatedAt: now})
	if err != nil {
		return nil, fmt.Errorf("redis: marshal meta: %w", err)
	}
	pipe.Set(ctx, p.metaKey(sessionID), metaData, p.defaultTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: set session: %w", err)
	}
	return &auth.SetResult{Version: newVersion, UpdatedAt: now, Success: true}, nil
}

// mergeKeysRecord loads the current keys record from this tier and applies
// the incremental merge. Unreadable current state starts from empty rather
// than failing the write.
func (p *Provider) mergeKeysRecord(ctx context.Context, sessionID string, patch *auth.Patch) (map[string]any, error) {
	var currentKeys auth.KeyMap
	var currentAppState map[string]any

	raw, err := p.client.Get(ctx, p.keysKey(sessionID)).Result()
	if err == nil {
		if val, err := p.openField(raw); err == nil {
			currentKeys, currentAppState = splitKeysRecord(val)
		} else {
			p.log.Warnw("unreadable keys record during merge, starting empty", "sessionID", sessionID, "error", err)
		}
	} else if !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis: load keys for merge: %w", err)
	}

	if patch.Keys != nil {
		currentKeys = auth.MergeKeys(currentKeys, patch.Keys)
	}
	if patch.AppState != nil {
		currentAppState = patch.AppState
	}
	return buildKeysRecord(currentKeys, currentAppState), nil
}

// Version reads only the meta record.
func (p *Provider) Version(ctx context.Context, sessionID string) (uint64, error) {
	raw, err := p.client.Get(ctx, p.metaKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, auth.ErrNotFound
		}
		return 0, fmt.Errorf("redis: get meta: %w", err)
	}
	var meta storedMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return 0, fmt.Errorf("redis: unmarshal meta: %w", err)
	}
	return meta.Version, nil
}

// Delete removes all three session keys in one multi-delete.
func (p *Provider) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return auth.ErrInvalidSessionID
	}
	keys := []string{p.credsKey(sessionID), p.keysKey(sessionID), p.metaKey(sessionID)}
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: delete session: %w", err)
	}
	return nil
}

// Touch resets the TTL on all three session keys. A zero ttl applies the
// provider default.
func (p *Provider) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	pipe := p.client.Pipeline()
	for _, key := range []string{p.credsKey(sessionID), p.keysKey(sessionID), p.metaKey(sessionID)} {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: touch session: %w", err)
	}
	return nil
}

// Exists checks for the creds key.
func (p *Provider) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := p.client.Exists(ctx, p.credsKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check existence: %w", err)
	}
	return n > 0, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Provider) Close() error {
	if p.ownsClient {
		return p.client.Close()
	}
	return nil
}

// --- keys record shape ------------------------------------------------------

// The keys record stores the typed key map and the optional app-state map in
// one envelope: {"keys": {type: {id: value}}, "appState": {...}}.

func buildKeysRecord(keys auth.KeyMap, appState map[string]any) map[string]any {
	record := map[string]any{"keys": keyMapToAny(keys)}
	if appState != nil {
		record["appState"] = appState
	}
	return record
}

func splitKeysRecord(v any) (auth.KeyMap, map[string]any) {
	record, ok := v.(map[string]any)
	if !ok {
		return auth.KeyMap{}, nil
	}
	keys := anyToKeyMap(record["keys"])
	appState, _ := record["appState"].(map[string]any)
	return keys, appState
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

func anyToKeyMap(v any) auth.KeyMap {
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
