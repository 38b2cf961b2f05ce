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

// Package outbox provides the write-behind ledger that carries hot-tier
// writes to the cold tier when direct writes are skipped or fail. Entries
// for one session replay in enqueue order; entries for different sessions
// are independent.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/keyfold/keyfold/pkg/auth"
)

// Common errors returned by Ledger implementations.
var (
	// ErrEntryNotFound is returned when an entry cannot be found for a
	// status transition.
	ErrEntryNotFound = errors.New("outbox entry not found")

	// ErrLedgerClosed is returned when operations are attempted on a
	// closed ledger.
	ErrLedgerClosed = errors.New("outbox ledger is closed")
)

// Status represents the replay state of an outbox entry.
type Status string

const (
	// StatusPending indicates the entry is waiting to be replayed.
	StatusPending Status = "pending"

	// StatusInFlight indicates the entry has been claimed by a worker.
	StatusInFlight Status = "in_flight"

	// StatusSucceeded indicates the entry was applied to the cold tier.
	StatusSucceeded Status = "succeeded"

	// StatusFailed indicates the entry exhausted its attempts.
	StatusFailed Status = "failed"
)

// Op identifies the cold-tier operation an entry replays.
type Op string

const (
	// OpSet replays a patch write.
	OpSet Op = "set"

	// OpDelete replays a session deletion.
	OpDelete Op = "delete"

	// OpTouch replays a lifetime extension.
	OpTouch Op = "touch"
)

// Entry is one deferred cold-tier write.
type Entry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`

	// SessionID is the session the entry targets.
	SessionID string `json:"sessionId"`

	// Op is the operation to replay.
	Op Op `json:"op"`

	// Patch is the payload for OpSet entries.
	Patch *auth.Patch `json:"patch,omitempty"`

	// ExpectedVersion is the hot-tier version the write was based on. It
	// seeds the cold tier's version sequence when the row is absent.
	ExpectedVersion uint64 `json:"expectedVersion"`

	// TTL is the advisory lifetime for OpTouch entries.
	TTL time.Duration `json:"ttl,omitempty"`

	// Status is the current replay state.
	Status Status `json:"status"`

	// Attempt tracks how many times the entry has been claimed.
	Attempt int `json:"attempt"`

	// MaxAttempts caps claims before the entry is parked as failed.
	MaxAttempts int `json:"maxAttempts"`

	// LastError is the most recent apply failure, if any.
	LastError string `json:"lastError,omitempty"`

	// CreatedAt is when the entry was enqueued.
	CreatedAt time.Time `json:"createdAt"`

	// ClaimedAt is when the entry was last claimed.
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`

	// CompletedAt is when the entry reached a terminal state.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Stats summarizes ledger occupancy by status.
type Stats struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"inFlight"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Depth is the backlog still owed to the cold tier.
func (s *Stats) Depth() int64 {
	return s.Pending + s.InFlight
}

// Ledger persists outbox entries and hands them to replay workers.
type Ledger interface {
	// Enqueue adds a pending entry. An empty ID is assigned; CreatedAt
	// and Status are set by the ledger.
	Enqueue(ctx context.Context, e *Entry) error

	// Claim marks up to limit pending entries in-flight and returns them,
	// oldest first. A session with an in-flight entry is skipped so its
	// writes replay in order. Claiming increments Attempt.
	Claim(ctx context.Context, limit int) ([]*Entry, error)

	// Reclaim returns in-flight entries older than the visibility timeout
	// to pending, recovering work lost to a dead worker. Reports how many
	// entries were reclaimed.
	Reclaim(ctx context.Context, visibility time.Duration) (int, error)

	// MarkSucceeded transitions a claimed entry to succeeded.
	MarkSucceeded(ctx context.Context, id string) error

	// MarkFailed records an apply failure. The entry returns to pending
	// while attempts remain, otherwise it is parked as failed.
	MarkFailed(ctx context.Context, id string, cause error) error

	// Requeue returns a failed entry to pending with a fresh attempt
	// budget. Intended for operator intervention.
	Requeue(ctx context.Context, id string) error

	// PruneSucceeded removes succeeded entries completed before cutoff
	// and returns how many were removed.
	PruneSucceeded(ctx context.Context, cutoff time.Time) (int, error)

	// Stats returns ledger occupancy by status.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases resources held by the ledger. After Close, all other
	// methods return ErrLedgerClosed.
	Close() error
}
