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
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keyfold/keyfold/pkg/auth"
)

// BatchGet reads several sessions concurrently, bounded by
// Options.BatchConcurrency. The result maps session ID to state; sessions
// with no state are simply absent. Per-session errors other than a miss are
// reported in the BatchResult, they never abort the batch.
func (s *Store) BatchGet(ctx context.Context, sessionIDs []string) (map[string]*auth.Versioned, *auth.BatchResult, error) {
	s.metrics.BatchOperations.WithLabelValues("get").Inc()

	var mu sync.Mutex
	out := make(map[string]*auth.Versioned, len(sessionIDs))
	result := &auth.BatchResult{Failed: make(map[string]error)}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BatchConcurrency)

	for _, id := range sessionIDs {
		id := id
		g.Go(func() error {
			v, err := s.Get(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out[id] = v
				result.Successful = append(result.Successful, id)
			case errors.Is(err, auth.ErrNotFound):
				result.Successful = append(result.Successful, id)
			default:
				result.Failed[id] = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, result, nil
}

// BatchSet applies per-session patches concurrently. Each session is locked
// and written independently; the batch never holds more than one session
// lock per goroutine.
func (s *Store) BatchSet(ctx context.Context, patches map[string]*auth.Patch) (*auth.BatchResult, error) {
	s.metrics.BatchOperations.WithLabelValues("set").Inc()

	var mu sync.Mutex
	result := &auth.BatchResult{Failed: make(map[string]error)}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BatchConcurrency)

	for id, patch := range patches {
		id, patch := id, patch
		g.Go(func() error {
			_, err := s.Set(ctx, id, patch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err
			} else {
				result.Successful = append(result.Successful, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// BatchDelete removes several sessions concurrently.
func (s *Store) BatchDelete(ctx context.Context, sessionIDs []string) (*auth.BatchResult, error) {
	s.metrics.BatchOperations.WithLabelValues("delete").Inc()

	var mu sync.Mutex
	result := &auth.BatchResult{Failed: make(map[string]error)}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BatchConcurrency)

	for _, id := range sessionIDs {
		id := id
		g.Go(func() error {
			err := s.Delete(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err
			} else {
				result.Successful = append(result.Successful, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
