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
	"fmt"

	"github.com/keyfold/keyfold/pkg/auth/providers"
)

// Applier applies one claimed entry to its destination tier.
type Applier interface {
	Apply(ctx context.Context, e *Entry) error
}

// Compile-time interface check.
var _ Applier = (*ColdWriter)(nil)

// ColdWriter replays outbox entries against the cold tier.
type ColdWriter struct {
	cold providers.ColdProvider
}

// NewColdWriter creates an Applier targeting the given cold provider.
func NewColdWriter(cold providers.ColdProvider) *ColdWriter {
	return &ColdWriter{cold: cold}
}

func (w *ColdWriter) Apply(ctx context.Context, e *Entry) error {
	switch e.Op {
	case OpSet:
		if e.Patch == nil {
			return fmt.Errorf("outbox: set entry %s has no patch", e.ID)
		}
		_, err := w.cold.Set(ctx, e.SessionID, e.Patch, e.ExpectedVersion)
		return err
	case OpDelete:
		return w.cold.Delete(ctx, e.SessionID)
	case OpTouch:
		return w.cold.Touch(ctx, e.SessionID, e.TTL)
	default:
		return fmt.Errorf("outbox: unknown op %q on entry %s", e.Op, e.ID)
	}
}
