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
	"testing"
)

func TestVersionMismatchDetection(t *testing.T) {
	err := fmt.Errorf("cold set: %w", &VersionMismatchError{Expected: 3, Observed: 5})
	if !IsVersionMismatch(err) {
		t.Error("wrapped VersionMismatchError should be detected")
	}
	if IsVersionMismatch(errors.New("other")) {
		t.Error("unrelated error must not match")
	}
}

func TestTierErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTierError("redis", "set", cause)
	if !errors.Is(err, cause) {
		t.Error("TierError must unwrap to its cause")
	}

	var te *TierError
	if !errors.As(err, &te) || te.Tier != "redis" || te.Op != "set" {
		t.Errorf("unexpected tier error: %v", err)
	}

	if NewTierError("redis", "set", nil) != nil {
		t.Error("nil cause should produce nil error")
	}
}

func TestStorageErrorUnwrapsAll(t *testing.T) {
	hotErr := NewTierError("redis", "delete", errors.New("down"))
	coldErr := NewTierError("postgres", "delete", errors.New("also down"))
	err := &StorageError{Causes: []error{hotErr, coldErr}}

	if !errors.Is(err, hotErr) || !errors.Is(err, coldErr) {
		t.Error("StorageError must expose both causes")
	}
}
