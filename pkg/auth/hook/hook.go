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

// Package hook bridges the hybrid store into a messaging client's event
// loop. The bridge exposes the shape the client expects: a live credentials
// value plus a typed key accessor, with persistence delegated to the store.
package hook

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/keyfold/keyfold/pkg/auth"
	"github.com/keyfold/keyfold/pkg/auth/hybrid"
)

// Reviver rehydrates a stored key record into the client's native
// representation (typically a proto constructor).
type Reviver func(record any) (any, error)

// Option is a functional option for configuring the bridge.
type Option func(*Bridge)

// WithReviver registers a per-key-type reviver. Records of that type are run
// through it on read; other types pass through unchanged.
func WithReviver(keyType string, r Reviver) Option {
	return func(b *Bridge) {
		b.revivers[keyType] = r
	}
}

// WithInitialCreds overrides the credential initializer used when the
// session has no stored state yet.
func WithInitialCreds(init func() map[string]any) Option {
	return func(b *Bridge) {
		b.initCreds = init
	}
}

// WithLogger sets the bridge logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}

// Bridge adapts the hybrid store to a messaging client's auth-state
// contract: live creds, a typed key accessor, and an explicit SaveCreds.
type Bridge struct {
	store     *hybrid.Store
	sessionID string
	revivers  map[string]Reviver
	initCreds func() map[string]any
	log       *zap.SugaredLogger

	mu    sync.Mutex
	creds map[string]any
}

// New loads the session's current state and returns a bridge over it. A
// session with no stored state starts from freshly initialized credentials;
// they are not persisted until the first SaveCreds.
func New(ctx context.Context, store *hybrid.Store, sessionID string, opts ...Option) (*Bridge, error) {
	if sessionID == "" {
		return nil, auth.ErrInvalidSessionID
	}
	b := &Bridge{
		store:     store,
		sessionID: sessionID,
		revivers:  make(map[string]Reviver),
		initCreds: defaultCreds,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(b)
	}

	v, err := store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		b.creds = b.initCreds()
	case err != nil:
		return nil, fmt.Errorf("hook: load session state: %w", err)
	default:
		b.creds = v.Data.Creds
		if b.creds == nil {
			b.creds = b.initCreds()
		}
	}
	return b, nil
}

// defaultCreds seeds the minimum a fresh session needs before the client
// fills in its own key material.
func defaultCreds() map[string]any {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return map[string]any{
		// Registration IDs are 14-bit per the signal registration scheme.
		"registrationId": float64(binary.BigEndian.Uint32(buf[:])%16380 + 1),
		"advSecretKey":   secret,
	}
}

// Creds returns the live credentials map. The client mutates it in place
// and calls SaveCreds to persist.
func (b *Bridge) Creds() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creds
}

// SetCreds replaces the live credentials wholesale. SaveCreds persists.
func (b *Bridge) SetCreds(creds map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = creds
}

// SaveCreds persists the live credentials on top of the session's current
// version.
func (b *Bridge) SaveCreds(ctx context.Context) error {
	b.mu.Lock()
	creds := auth.CloneValue(b.creds).(map[string]any)
	b.mu.Unlock()

	version := b.currentVersion(ctx)
	if _, err := b.store.SetWithVersion(ctx, b.sessionID, &auth.Patch{Creds: creds}, version); err != nil {
		return fmt.Errorf("hook: save creds: %w", err)
	}
	return nil
}

// Keys returns the typed key accessor.
func (b *Bridge) Keys() *Keys {
	return &Keys{bridge: b}
}

// Store exposes the underlying hybrid store for operations outside the
// bridge's surface (delete on logout, health checks).
func (b *Bridge) Store() *hybrid.Store {
	return b.store
}

func (b *Bridge) currentVersion(ctx context.Context) uint64 {
	v, err := b.store.Get(ctx, b.sessionID)
	if err != nil {
		return 0
	}
	return v.Version
}

// Keys is the typed key accessor handed to the client's signal layer.
type Keys struct {
	bridge *Bridge
}

// Get reads the requested key records of one type from the current
// snapshot. Records with a registered reviver are rehydrated; a reviver
// failure drops that id from the result rather than failing the read.
func (k *Keys) Get(ctx context.Context, keyType string, ids []string) (map[string]any, error) {
	b := k.bridge
	v, err := b.store.Get(ctx, b.sessionID)
	if errors.Is(err, auth.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hook: read keys: %w", err)
	}

	records := v.Data.Keys[keyType]
	reviver := b.revivers[keyType]
	out := make(map[string]any, len(ids))
	for _, id := range ids {
		record, ok := records[id]
		if !ok || record == nil {
			continue
		}
		if reviver != nil {
			revived, err := reviver(record)
			if err != nil {
				b.log.Debugw("key record reviver failed, omitting id",
					"sessionID", b.sessionID, "keyType", keyType, "keyID", id, "error", err)
				continue
			}
			record = revived
		}
		out[id] = record
	}
	return out, nil
}

// Set writes a key patch (nil values delete) on top of the session's
// current version.
func (k *Keys) Set(ctx context.Context, data auth.KeyMap) error {
	b := k.bridge
	version := b.currentVersion(ctx)
	if _, err := b.store.SetWithVersion(ctx, b.sessionID, &auth.Patch{Keys: data}, version); err != nil {
		return fmt.Errorf("hook: write keys: %w", err)
	}
	return nil
}
