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

// Package config holds the aggregate configuration schema for the auth
// store: security, TTLs, resilience, observability, and hybrid-tier
// settings, with defaults, validation, and YAML loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keyfold/keyfold/pkg/auth/codec"
	"github.com/keyfold/keyfold/pkg/auth/encryption"
)

// Security configures encryption and compression of stored state.
type Security struct {
	// EnableEncryption turns envelope encryption on. Production deployments
	// must not run with it off.
	EnableEncryption bool `yaml:"enableEncryption"`

	// EnableCompression compresses plaintext before encryption.
	EnableCompression bool `yaml:"enableCompression"`

	// EncryptionAlgorithm is "aes-256-gcm"; "secretbox" is accepted as a
	// legacy alias.
	EncryptionAlgorithm string `yaml:"encryptionAlgorithm"`

	// CompressionAlgorithm is one of "none", "gzip", "snappy", "lz4".
	CompressionAlgorithm string `yaml:"compressionAlgorithm"`

	// KeyRotationDays is how long an encryption key stays active before
	// rotation retires it to decrypt-only.
	KeyRotationDays uint `yaml:"keyRotationDays"`

	// EnableDebugLogging turns on verbose crypto-path logging. Never enable
	// in production.
	EnableDebugLogging bool `yaml:"enableDebugLogging"`

	// Environment is one of "development", "production", "testing".
	Environment string `yaml:"environment"`
}

// TTL configures session lifetimes, in seconds.
type TTL struct {
	DefaultTTL int `yaml:"defaultTtl"`
	CredsTTL   int `yaml:"credsTtl"`
	KeysTTL    int `yaml:"keysTtl"`
	LockTTL    int `yaml:"lockTtl"`
}

// Resilience configures timeouts and retry behavior.
type Resilience struct {
	// OperationTimeoutMS bounds every public store operation, in
	// milliseconds.
	OperationTimeoutMS int `yaml:"operationTimeout"`

	// MaxRetries is the retry budget for transient tier failures.
	MaxRetries uint `yaml:"maxRetries"`

	// RetryBaseDelayMS is the first retry delay, in milliseconds.
	RetryBaseDelayMS int `yaml:"retryBaseDelay"`

	// RetryMultiplier scales the delay between attempts.
	RetryMultiplier float64 `yaml:"retryMultiplier"`
}

// Observability configures metrics, tracing, and log verbosity.
type Observability struct {
	EnableMetrics      bool `yaml:"enableMetrics"`
	EnableTracing      bool `yaml:"enableTracing"`
	EnableDetailedLogs bool `yaml:"enableDetailedLogs"`

	// MetricsIntervalMS is the gauge refresh interval, in milliseconds.
	MetricsIntervalMS int `yaml:"metricsInterval"`
}

// CircuitBreaker configures the cold-tier breaker.
type CircuitBreaker struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold uint32 `yaml:"failureThreshold"`

	// ResetTimeoutMS is how long the breaker stays open, in milliseconds.
	ResetTimeoutMS int `yaml:"resetTimeoutMs"`
}

// Hybrid configures the two-tier orchestrator.
type Hybrid struct {
	// EnableWriteBehind defers cold-tier writes through the outbox.
	EnableWriteBehind bool `yaml:"enableWriteBehind"`

	CircuitBreaker CircuitBreaker `yaml:"circuitBreaker"`
}

// Config is the aggregate configuration.
type Config struct {
	Security      Security      `yaml:"security"`
	TTL           TTL           `yaml:"ttl"`
	Resilience    Resilience    `yaml:"resilience"`
	Observability Observability `yaml:"observability"`
	Hybrid        Hybrid        `yaml:"hybrid"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Security: Security{
			EnableEncryption:     true,
			EnableCompression:    true,
			EncryptionAlgorithm:  encryption.AlgorithmAESGCM,
			CompressionAlgorithm: string(codec.CompressionGzip),
			KeyRotationDays:      30,
			Environment:          encryption.EnvDevelopment,
		},
		TTL: TTL{
			DefaultTTL: 86400,
			CredsTTL:   86400,
			KeysTTL:    86400,
			LockTTL:    30,
		},
		Resilience: Resilience{
			OperationTimeoutMS: 10000,
			MaxRetries:         3,
			RetryBaseDelayMS:   50,
			RetryMultiplier:    2.0,
		},
		Observability: Observability{
			EnableMetrics:     true,
			MetricsIntervalMS: 15000,
		},
		Hybrid: Hybrid{
			CircuitBreaker: CircuitBreaker{
				FailureThreshold: 5,
				ResetTimeoutMS:   30000,
			},
		},
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	switch c.Security.EncryptionAlgorithm {
	case "", encryption.AlgorithmAESGCM, encryption.AlgorithmSecretbox:
	default:
		return fmt.Errorf("config: unsupported encryption algorithm %q", c.Security.EncryptionAlgorithm)
	}
	switch codec.Compression(c.Security.CompressionAlgorithm) {
	case "", codec.CompressionNone, codec.CompressionGzip, codec.CompressionSnappy, codec.CompressionLZ4:
	default:
		return fmt.Errorf("config: unsupported compression algorithm %q", c.Security.CompressionAlgorithm)
	}
	switch c.Security.Environment {
	case "", encryption.EnvDevelopment, encryption.EnvProduction, encryption.EnvTesting:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Security.Environment)
	}
	if c.Security.Environment == encryption.EnvProduction && !c.Security.EnableEncryption {
		return fmt.Errorf("config: encryption cannot be disabled in production")
	}
	if c.Security.Environment == encryption.EnvProduction && c.Security.EnableDebugLogging {
		return fmt.Errorf("config: debug logging cannot be enabled in production")
	}
	if c.TTL.DefaultTTL < 0 || c.TTL.CredsTTL < 0 || c.TTL.KeysTTL < 0 || c.TTL.LockTTL < 0 {
		return fmt.Errorf("config: TTLs must not be negative")
	}
	if c.Resilience.OperationTimeoutMS < 0 {
		return fmt.Errorf("config: operation timeout must not be negative")
	}
	if c.Resilience.RetryMultiplier != 0 && c.Resilience.RetryMultiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be >= 1")
	}
	if c.Hybrid.CircuitBreaker.ResetTimeoutMS < 0 {
		return fmt.Errorf("config: breaker reset timeout must not be negative")
	}
	return nil
}

// Load reads a YAML configuration file over the defaults: omitted fields
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration accessors, so callers never repeat the unit conversions.

// OperationTimeout returns the resilience operation timeout.
func (r Resilience) OperationTimeout() time.Duration {
	return time.Duration(r.OperationTimeoutMS) * time.Millisecond
}

// RetryBaseDelay returns the first retry delay.
func (r Resilience) RetryBaseDelay() time.Duration {
	return time.Duration(r.RetryBaseDelayMS) * time.Millisecond
}

// Backoff returns the delay before the given zero-based retry attempt,
// capped at 30 seconds.
func (r Resilience) Backoff(attempt uint) time.Duration {
	d := float64(r.RetryBaseDelay())
	mult := r.RetryMultiplier
	if mult < 1 {
		mult = 1
	}
	for i := uint(0); i < attempt; i++ {
		d *= mult
		if d >= float64(30*time.Second) {
			return 30 * time.Second
		}
	}
	return time.Duration(d)
}

// DefaultTTLDuration returns the default session TTL.
func (t TTL) DefaultTTLDuration() time.Duration {
	return time.Duration(t.DefaultTTL) * time.Second
}

// CredsTTLDuration returns the credentials TTL.
func (t TTL) CredsTTLDuration() time.Duration {
	return time.Duration(t.CredsTTL) * time.Second
}

// KeysTTLDuration returns the key-map TTL.
func (t TTL) KeysTTLDuration() time.Duration {
	return time.Duration(t.KeysTTL) * time.Second
}

// LockTTLDuration returns the per-session lock TTL.
func (t TTL) LockTTLDuration() time.Duration {
	return time.Duration(t.LockTTL) * time.Second
}

// ResetTimeout returns the breaker reset timeout.
func (b CircuitBreaker) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMS) * time.Millisecond
}

// KeyRotationInterval returns the active-key lifetime.
func (s Security) KeyRotationInterval() time.Duration {
	return time.Duration(s.KeyRotationDays) * 24 * time.Hour
}
