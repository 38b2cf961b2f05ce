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

package auth

import (
	"errors"
	"fmt"
)

// VersionMismatchError is returned by the cold tier when an optimistic
// write loses against a concurrent writer and retries are exhausted.
// Callers are expected to re-read and re-issue the write if appropriate.
type VersionMismatchError struct {
	// Expected is the version the writer based its update on.
	Expected uint64
	// Observed is the version found in storage at the time of failure.
	Observed uint64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, observed %d", e.Expected, e.Observed)
}

// IsVersionMismatch reports whether err is (or wraps) a VersionMismatchError.
func IsVersionMismatch(err error) bool {
	var vm *VersionMismatchError
	return errors.As(err, &vm)
}

// TierError wraps a failure from a storage tier adapter, identifying the
// tier and the operation that failed.
type TierError struct {
	// Tier names the failing tier ("redis", "postgres", "outbox").
	Tier string
	// Op is the operation that failed ("get", "set", "delete", ...).
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

// NewTierError wraps err as a TierError. Returns nil if err is nil.
func NewTierError(tier, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TierError{Tier: tier, Op: op, Err: err}
}

// StorageError is returned when every tier involved in an operation failed.
type StorageError struct {
	// Causes holds the per-tier failures.
	Causes []error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("all storage tiers failed: %v", errors.Join(e.Causes...))
}

func (e *StorageError) Unwrap() []error { return e.Causes }
