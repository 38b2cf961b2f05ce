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

package hybrid

import (
	"time"
)

// BreakerConfig configures the circuit breaker guarding the cold tier.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive cold-tier failures
	// that trips the breaker open. Default: 5.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	ResetTimeout time.Duration
	// MaxHalfOpenRequests caps probes while half-open. Default: 1.
	MaxHalfOpenRequests uint32
}

// Options configures a Store.
type Options struct {
	// OperationTimeout bounds every public operation. Zero disables the
	// store-level deadline. Default: 10s.
	OperationTimeout time.Duration
	// WarmTimeout bounds the async hot-tier warming write. Default: 5s.
	WarmTimeout time.Duration
	// BatchConcurrency caps parallel sessions in batch operations.
	// Default: 8.
	BatchConcurrency int
	// DefaultTTL is the advisory session lifetime used by Touch when the
	// caller passes zero. Default: 24h.
	DefaultTTL time.Duration
	// EnableWriteBehind routes cold writes through the outbox instead of
	// writing synchronously. Requires a reconciler.
	EnableWriteBehind bool
	// Breaker configures the cold-tier circuit breaker.
	Breaker BreakerConfig
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		OperationTimeout: 10 * time.Second,
		WarmTimeout:      5 * time.Second,
		BatchConcurrency: 8,
		DefaultTTL:       24 * time.Hour,
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ResetTimeout:        30 * time.Second,
			MaxHalfOpenRequests: 1,
		},
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.OperationTimeout < 0 {
		o.OperationTimeout = 0
	}
	if o.WarmTimeout <= 0 {
		o.WarmTimeout = def.WarmTimeout
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = def.BatchConcurrency
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = def.DefaultTTL
	}
	if o.Breaker.FailureThreshold == 0 {
		o.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if o.Breaker.ResetTimeout <= 0 {
		o.Breaker.ResetTimeout = def.Breaker.ResetTimeout
	}
	if o.Breaker.MaxHalfOpenRequests == 0 {
		o.Breaker.MaxHalfOpenRequests = def.Breaker.MaxHalfOpenRequests
	}
}
