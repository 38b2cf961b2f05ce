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
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is an in-process Ledger for single-node deployments and
// tests. Entries live in arrival order; all methods are safe for concurrent
// use.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	closed  bool
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byID: make(map[string]*Entry)}
}

func (l *MemoryLedger) Enqueue(_ context.Context, e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	stored := *e
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Patch != nil {
		stored.Patch = e.Patch.Clone()
	}
	stored.Status = StatusPending
	stored.CreatedAt = time.Now().UTC()
	stored.ClaimedAt = nil
	stored.CompletedAt = nil

	l.entries = append(l.entries, &stored)
	l.byID[stored.ID] = &stored
	e.ID = stored.ID
	return nil
}

func (l *MemoryLedger) Claim(_ context.Context, limit int) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	busy := make(map[string]bool)
	for _, e := range l.entries {
		if e.Status == StatusInFlight {
			busy[e.SessionID] = true
		}
	}

	now := time.Now().UTC()
	var claimed []*Entry
	for _, e := range l.entries {
		if len(claimed) >= limit {
			break
		}
		if e.Status != StatusPending || busy[e.SessionID] {
			continue
		}
		e.Status = StatusInFlight
		e.Attempt++
		at := now
		e.ClaimedAt = &at
		busy[e.SessionID] = true
		claimed = append(claimed, e.clone())
	}
	return claimed, nil
}

func (l *MemoryLedger) Reclaim(_ context.Context, visibility time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLedgerClosed
	}

	cutoff := time.Now().UTC().Add(-visibility)
	reclaimed := 0
	for _, e := range l.entries {
		if e.Status == StatusInFlight && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = StatusPending
			e.ClaimedAt = nil
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (l *MemoryLedger) MarkSucceeded(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	e, ok := l.byID[id]
	if !ok {
		return ErrEntryNotFound
	}
	now := time.Now().UTC()
	e.Status = StatusSucceeded
	e.CompletedAt = &now
	e.LastError = ""
	return nil
}

func (l *MemoryLedger) MarkFailed(_ context.Context, id string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	e, ok := l.byID[id]
	if !ok {
		return ErrEntryNotFound
	}
	if cause != nil {
		e.LastError = cause.Error()
	}
	if e.Attempt >= e.MaxAttempts {
		now := time.Now().UTC()
		e.Status = StatusFailed
		e.CompletedAt = &now
		return nil
	}
	e.Status = StatusPending
	e.ClaimedAt = nil
	return nil
}

func (l *MemoryLedger) Requeue(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLedgerClosed
	}

	e, ok := l.byID[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = StatusPending
	e.Attempt = 0
	e.ClaimedAt = nil
	e.CompletedAt = nil
	return nil
}

func (l *MemoryLedger) PruneSucceeded(_ context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLedgerClosed
	}

	kept := l.entries[:0]
	pruned := 0
	for _, e := range l.entries {
		if e.Status == StatusSucceeded && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			delete(l.byID, e.ID)
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return pruned, nil
}

func (l *MemoryLedger) Stats(_ context.Context) (*Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLedgerClosed
	}

	s := &Stats{}
	for _, e := range l.entries {
		switch e.Status {
		case StatusPending:
			s.Pending++
		case StatusInFlight:
			s.InFlight++
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// clone returns a copy safe to hand outside the lock. The patch is shared:
// ledger code never mutates it after Enqueue.
func (e *Entry) clone() *Entry {
	out := *e
	if e.ClaimedAt != nil {
		at := *e.ClaimedAt
		out.ClaimedAt = &at
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}
