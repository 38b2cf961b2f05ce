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

// Package providers defines tier-specific interfaces for pluggable session
// state storage backends (hot/cold) and a Registry to manage them.
package providers

import (
	"context"
	"errors"
	"time"

	"github.com/keyfold/keyfold/pkg/auth"
)

// ErrProviderNotConfigured is returned when a requested provider tier has
// not been set.
var ErrProviderNotConfigured = errors.New("provider not configured")

// Provider is the operation set shared by both storage tiers.
type Provider interface {
	// Get retrieves the versioned snapshot for a session.
	// Returns auth.ErrNotFound if the tier holds no (complete) state.
	Get(ctx context.Context, sessionID string) (*auth.Versioned, error)

	// Set applies a patch on top of the tier's current state.
	// expectedVersion is the version the write is based on; the committed
	// version is expectedVersion+1 (the cold tier re-reads and may base the
	// new version on its own current state instead).
	Set(ctx context.Context, sessionID string, patch *auth.Patch, expectedVersion uint64) (*auth.SetResult, error)

	// Version returns the tier's current version for a session.
	// Returns auth.ErrNotFound if the tier holds no state.
	Version(ctx context.Context, sessionID string) (uint64, error)

	// Delete permanently removes all state for a session.
	Delete(ctx context.Context, sessionID string) error

	// Touch extends the session's lifetime. The hot tier resets key TTLs;
	// the cold tier refreshes its aging timestamp (ttl is advisory there).
	Touch(ctx context.Context, sessionID string, ttl time.Duration) error

	// Exists reports whether the tier holds state for the session.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// Ping checks connectivity to the underlying store.
	Ping(ctx context.Context) error

	// Close releases resources held by the provider.
	Close() error
}

// HotProvider is the low-latency cache tier (e.g. Redis). Reads that hit
// undecryptable state report a miss rather than an error; writes never
// swallow errors.
type HotProvider interface {
	Provider
}

// ColdProvider is the durable tier (e.g. Postgres): one versioned document
// per session with optimistic concurrency.
type ColdProvider interface {
	Provider

	// PurgeExpired removes sessions whose aging timestamp is older than
	// cutoff and returns how many were removed.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Registry holds configured provider instances for each storage tier.
type Registry struct {
	hot  HotProvider
	cold ColdProvider
}

// NewRegistry creates an empty Registry with no providers configured.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetHot registers a hot tier provider.
func (r *Registry) SetHot(p HotProvider) {
	r.hot = p
}

// SetCold registers a cold tier provider.
func (r *Registry) SetCold(p ColdProvider) {
	r.cold = p
}

// Hot returns the configured hot tier provider.
// Returns ErrProviderNotConfigured if no hot tier has been set.
func (r *Registry) Hot() (HotProvider, error) {
	if r.hot == nil {
		return nil, ErrProviderNotConfigured
	}
	return r.hot, nil
}

// Cold returns the configured cold tier provider.
// Returns ErrProviderNotConfigured if no cold tier has been set.
func (r *Registry) Cold() (ColdProvider, error) {
	if r.cold == nil {
		return nil, ErrProviderNotConfigured
	}
	return r.cold, nil
}

// Close closes all configured providers, collecting any errors.
func (r *Registry) Close() error {
	var errs []error
	if r.hot != nil {
		if err := r.hot.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.cold != nil {
		if err := r.cold.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
