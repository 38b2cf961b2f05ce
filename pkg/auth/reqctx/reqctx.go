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

// Package reqctx propagates per-operation identity through context: a
// correlation ID spanning a logical operation, a request ID per store call,
// the operation start time, and free-form metadata for log enrichment.
package reqctx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for operation propagation.
const (
	// ContextKeyCorrelationID spans one logical operation end to end.
	ContextKeyCorrelationID contextKey = "keyfold-correlation-id"
	// ContextKeyRequestID identifies one store call within an operation.
	ContextKeyRequestID contextKey = "keyfold-request-id"
	// ContextKeySessionID holds the session the operation targets.
	ContextKeySessionID contextKey = "keyfold-session-id"
	// ContextKeyStartTime holds the operation start time.
	ContextKeyStartTime contextKey = "keyfold-start-time"
	// ContextKeyEnvironment holds the deployment environment.
	ContextKeyEnvironment contextKey = "keyfold-environment"
	// ContextKeyMetadata holds free-form metadata for log enrichment.
	ContextKeyMetadata contextKey = "keyfold-metadata"
)

// Fields holds all values carried for one operation.
type Fields struct {
	CorrelationID string
	RequestID     string
	SessionID     string
	StartTime     time.Time
	Environment   string
	Metadata      map[string]string
}

// New returns a context carrying a fresh correlation ID and start time.
// An existing correlation ID on the parent is preserved so nested
// operations stay attributable to their root.
func New(ctx context.Context) context.Context {
	if CorrelationID(ctx) == "" {
		ctx = WithCorrelationID(ctx, uuid.NewString())
	}
	if StartTime(ctx).IsZero() {
		ctx = context.WithValue(ctx, ContextKeyStartTime, time.Now().UTC())
	}
	return ctx
}

// WithCorrelationID returns a context with the correlation ID set.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, id)
}

// WithRequestID returns a context with a per-call request ID set.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// WithSessionID returns a context with the target session ID set.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, id)
}

// WithEnvironment returns a context with the deployment environment set.
func WithEnvironment(ctx context.Context, env string) context.Context {
	return context.WithValue(ctx, ContextKeyEnvironment, env)
}

// WithMetadata returns a context with the given metadata merged over any
// existing entries. The stored map is always a copy, so sibling contexts
// never observe each other's writes.
func WithMetadata(ctx context.Context, md map[string]string) context.Context {
	existing := Metadata(ctx)
	merged := make(map[string]string, len(existing)+len(md))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range md {
		merged[k] = v
	}
	return context.WithValue(ctx, ContextKeyMetadata, merged)
}

// CorrelationID extracts the correlation ID, or "" if unset.
func CorrelationID(ctx context.Context) string { return getString(ctx, ContextKeyCorrelationID) }

// RequestID extracts the request ID, or "" if unset.
func RequestID(ctx context.Context) string { return getString(ctx, ContextKeyRequestID) }

// SessionID extracts the session ID, or "" if unset.
func SessionID(ctx context.Context) string { return getString(ctx, ContextKeySessionID) }

// Environment extracts the deployment environment, or "" if unset.
func Environment(ctx context.Context) string { return getString(ctx, ContextKeyEnvironment) }

// StartTime extracts the operation start time, or the zero time if unset.
func StartTime(ctx context.Context) time.Time {
	if v := ctx.Value(ContextKeyStartTime); v != nil {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

// Elapsed reports time since the operation started, or zero if no start
// time was recorded.
func Elapsed(ctx context.Context) time.Duration {
	start := StartTime(ctx)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// Metadata extracts the metadata map. Callers must not mutate the result;
// use WithMetadata to derive.
func Metadata(ctx context.Context) map[string]string {
	if v := ctx.Value(ContextKeyMetadata); v != nil {
		if m, ok := v.(map[string]string); ok {
			return m
		}
	}
	return nil
}

// Extract returns all operation fields from a context.
func Extract(ctx context.Context) Fields {
	return Fields{
		CorrelationID: CorrelationID(ctx),
		RequestID:     RequestID(ctx),
		SessionID:     SessionID(ctx),
		StartTime:     StartTime(ctx),
		Environment:   Environment(ctx),
		Metadata:      Metadata(ctx),
	}
}

// LogFields flattens the operation fields into key/value pairs for a
// sugared logger. Only set fields are emitted.
func LogFields(ctx context.Context) []any {
	var kv []any
	if id := CorrelationID(ctx); id != "" {
		kv = append(kv, "correlationID", id)
	}
	if id := RequestID(ctx); id != "" {
		kv = append(kv, "requestID", id)
	}
	if id := SessionID(ctx); id != "" {
		kv = append(kv, "sessionID", id)
	}
	if env := Environment(ctx); env != "" {
		kv = append(kv, "environment", env)
	}
	return kv
}

func getString(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
