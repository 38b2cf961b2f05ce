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
	"crypto/tls"
	"time"
)

// defaultKeyPrefix namespaces all session keys. The prefix is part of the
// on-wire contract with existing deployments and operator tooling.
const defaultKeyPrefix = "baileys:auth"

// Config contains configuration for creating a Provider that owns its
// Redis client.
type Config struct {
	// Addrs is the list of Redis addresses (host:port). One address selects
	// a single-node client, several select cluster/failover mode.
	Addrs []string
	// Password is the Redis password (empty for no auth).
	Password string
	// DB is the Redis database number.
	DB int
	// KeyPrefix overrides the default key prefix.
	KeyPrefix string
	// DefaultTTL is applied to every session key on write. Zero disables
	// expiry.
	DefaultTTL time.Duration
	// MaxRetries caps command retries before a command is abandoned.
	MaxRetries int
	// MinRetryBackoff and MaxRetryBackoff bound the client's exponential
	// retry backoff.
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	// DialTimeout, ReadTimeout, WriteTimeout configure the client.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PoolSize overrides the client's default connection pool size.
	PoolSize int
	// TLS enables TLS when non-nil.
	TLS *tls.Config
}

// DefaultConfig returns a Config with defaults suitable for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addrs:           []string{"localhost:6379"},
		KeyPrefix:       defaultKeyPrefix,
		DefaultTTL:      24 * time.Hour,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
	}
}

// Options configures a Provider wrapping an externally owned client.
type Options struct {
	// KeyPrefix overrides the default key prefix.
	KeyPrefix string
	// DefaultTTL is applied to every session key on write.
	DefaultTTL time.Duration
}

// DefaultOptions returns the default options for NewFromClient.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:  defaultKeyPrefix,
		DefaultTTL: 24 * time.Hour,
	}
}
