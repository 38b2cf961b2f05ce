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

// Package auth defines the domain model for messaging-client authentication
// state: the session snapshot, partial updates over it, and the merge rules
// that make incremental key updates correct.
package auth

import (
	"errors"
	"time"
)

// Common errors returned by storage tiers and the hybrid store.
var (
	// ErrNotFound is returned when a session has no stored state.
	ErrNotFound = errors.New("session state not found")
	// ErrInvalidSessionID is returned when a session ID is empty.
	ErrInvalidSessionID = errors.New("invalid session ID")
	// ErrTimeout is returned when an operation exceeds its configured deadline.
	ErrTimeout = errors.New("operation timed out")
)

// KeyTypeAppStateSync is the key-type tag for app-state sync key records.
// Records of this type are run through a per-type reviver by the hook bridge.
const KeyTypeAppStateSync = "app-state-sync-key"

// KeyMap maps a key-type tag to a map of key-id to record value. Record
// values are tree-shaped: maps, slices, scalars, and byte blobs.
type KeyMap map[string]map[string]any

// Snapshot is the full session state: the credentials blob plus the typed
// key map and an optional app-state map.
type Snapshot struct {
	// Creds is the opaque credentials blob. Replaced wholesale by updates.
	Creds map[string]any `json:"creds,omitempty"`
	// Keys maps key-type tags to per-id key records. Merged incrementally.
	Keys KeyMap `json:"keys,omitempty"`
	// AppState is an optional string-keyed state map. Replaced wholesale.
	AppState map[string]any `json:"appState,omitempty"`
}

// Patch is a partial update over a Snapshot. A nil field means "leave
// untouched". Keys is merged per MergeKeys; Creds and AppState replace the
// current value wholesale when present.
type Patch struct {
	Creds    map[string]any `json:"creds,omitempty"`
	Keys     KeyMap         `json:"keys,omitempty"`
	AppState map[string]any `json:"appState,omitempty"`
}

// IsEmpty reports whether the patch carries no fields at all.
func (p *Patch) IsEmpty() bool {
	return p == nil || (p.Creds == nil && p.Keys == nil && p.AppState == nil)
}

// Versioned pairs a snapshot with its per-session monotonic version and the
// wall-clock time of the last successful write (diagnostics only).
type Versioned struct {
	Data      *Snapshot `json:"data"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SetResult is returned by successful write operations.
type SetResult struct {
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Success   bool      `json:"success"`
}

// BatchResult reports the outcome of a batch mutation per session.
type BatchResult struct {
	// Successful lists session IDs whose operation committed.
	Successful []string
	// Failed maps session IDs to the error that stopped them.
	Failed map[string]error
}
