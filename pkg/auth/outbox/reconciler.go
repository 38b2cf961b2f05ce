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
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/keyfold/keyfold/pkg/auth"
)

const (
	// DefaultInterval is the default time between replay ticks.
	DefaultInterval = 5 * time.Second
	// DefaultVisibilityTimeout is how long a claim holds before the entry
	// is returned to pending.
	DefaultVisibilityTimeout = time.Minute
	// DefaultBatchSize is the maximum number of entries claimed per tick.
	DefaultBatchSize = 32
	// DefaultMaxAttempts caps claims before an entry is parked as failed.
	DefaultMaxAttempts = 5
	// DefaultSucceededRetention is how long succeeded entries stay in the
	// ledger before pruning.
	DefaultSucceededRetention = 24 * time.Hour

	// applyMaxElapsed bounds the in-tick retry of one entry. Failures past
	// this go back through the ledger's attempt accounting.
	applyMaxElapsed = 5 * time.Second
)

// Options configures a Reconciler.
type Options struct {
	// Interval is the time between replay ticks.
	Interval time.Duration
	// VisibilityTimeout is how long a claim holds before the entry is
	// returned to pending.
	VisibilityTimeout time.Duration
	// BatchSize is the maximum number of entries claimed per tick.
	BatchSize int
	// MaxAttempts is stamped onto entries enqueued through the
	// reconciler's Enqueue helper.
	MaxAttempts int
	// SucceededRetention is how long succeeded entries are kept.
	SucceededRetention time.Duration
}

// DefaultOptions returns the default reconciler options.
func DefaultOptions() Options {
	return Options{
		Interval:           DefaultInterval,
		VisibilityTimeout:  DefaultVisibilityTimeout,
		BatchSize:          DefaultBatchSize,
		MaxAttempts:        DefaultMaxAttempts,
		SucceededRetention: DefaultSucceededRetention,
	}
}

// Reconciler drains the ledger in the background, replaying entries against
// the cold tier. One reconciler per process is enough; the ledger's claim
// semantics keep multiple instances from colliding.
type Reconciler struct {
	ledger  Ledger
	applier Applier
	opts    Options
	log     *zap.SugaredLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	observe func(d time.Duration, applied, failed int)
}

// NewReconciler creates a Reconciler. Call Start to begin replaying.
func NewReconciler(ledger Ledger, applier Applier, log *zap.SugaredLogger, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SucceededRetention <= 0 {
		opts.SucceededRetention = DefaultSucceededRetention
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconciler{
		ledger:  ledger,
		applier: applier,
		opts:    opts,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Enqueue records a deferred write with the reconciler's attempt budget.
func (r *Reconciler) Enqueue(ctx context.Context, e *Entry) error {
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = r.opts.MaxAttempts
	}
	return r.ledger.Enqueue(ctx, e)
}

// SetObserver registers a per-tick callback with the tick duration and the
// number of applied and failed entries. Call before Start.
func (r *Reconciler) SetObserver(fn func(d time.Duration, applied, failed int)) {
	r.observe = fn
}

// Stats exposes ledger occupancy for health checks and metrics scrapes.
func (r *Reconciler) Stats(ctx context.Context) (*Stats, error) {
	return r.ledger.Stats(ctx)
}

// Start launches the background replay loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop halts the replay loop and waits for the in-progress tick.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.Interval)
			r.Tick(ctx)
			cancel()
		}
	}
}

// Tick performs one full replay round: reclaim stale claims, drain a batch,
// prune old successes. Exported so callers can force a drain, e.g. during
// shutdown or in tests.
func (r *Reconciler) Tick(ctx context.Context) {
	start := time.Now()
	var applied, failed int
	defer func() {
		if r.observe != nil {
			r.observe(time.Since(start), applied, failed)
		}
	}()

	if n, err := r.ledger.Reclaim(ctx, r.opts.VisibilityTimeout); err != nil {
		r.log.Warnw("outbox reclaim failed", "error", err)
	} else if n > 0 {
		r.log.Infow("reclaimed stale outbox entries", "count", n)
	}

	entries, err := r.ledger.Claim(ctx, r.opts.BatchSize)
	if err != nil {
		r.log.Warnw("outbox claim failed", "error", err)
		failed++
		return
	}
	for _, group := range groupBySession(entries) {
		a, f := r.applyGroup(ctx, group)
		applied += a
		failed += f
	}

	if _, err := r.ledger.PruneSucceeded(ctx, time.Now().Add(-r.opts.SucceededRetention)); err != nil {
		r.log.Warnw("outbox prune failed", "error", err)
	}
}

// applyGroup replays one session's entries in order. A failure stops the
// group: later entries must not overtake the failed one, so they go
// straight back to pending without an apply attempt.
func (r *Reconciler) applyGroup(ctx context.Context, group []*Entry) (applied, failed int) {
	for i, e := range group {
		if err := r.applyOne(ctx, e); err != nil {
			failed++
			r.log.Warnw("outbox apply failed",
				"entryID", e.ID, "sessionID", e.SessionID, "op", e.Op,
				"attempt", e.Attempt, "error", err)
			if markErr := r.ledger.MarkFailed(ctx, e.ID, err); markErr != nil {
				r.log.Warnw("outbox mark failed errored", "entryID", e.ID, "error", markErr)
			}
			for _, blocked := range group[i+1:] {
				if markErr := r.ledger.MarkFailed(ctx, blocked.ID, errBlockedBySibling); markErr != nil {
					r.log.Warnw("outbox release errored", "entryID", blocked.ID, "error", markErr)
				}
			}
			return applied, failed
		}
		applied++
		if err := r.ledger.MarkSucceeded(ctx, e.ID); err != nil {
			r.log.Warnw("outbox mark succeeded errored", "entryID", e.ID, "error", err)
		}
	}
	return applied, failed
}

var errBlockedBySibling = blockedError{}

type blockedError struct{}

func (blockedError) Error() string { return "blocked by earlier entry for the same session" }

// applyOne runs the applier with a short bounded backoff. Version conflicts
// are permanent within a tick: the cold tier re-bases on its own state, so
// a mismatch that survives its internal retries will not heal by hammering.
func (r *Reconciler) applyOne(ctx context.Context, e *Entry) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = applyMaxElapsed

	return backoff.Retry(func() error {
		err := r.applier.Apply(ctx, e)
		if err == nil {
			return nil
		}
		if auth.IsVersionMismatch(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// groupBySession splits a claimed batch into per-session groups, each in
// created-at order, preserving oldest-first order across groups.
func groupBySession(entries []*Entry) [][]*Entry {
	byID := make(map[string][]*Entry)
	var order []string
	for _, e := range entries {
		if _, seen := byID[e.SessionID]; !seen {
			order = append(order, e.SessionID)
		}
		byID[e.SessionID] = append(byID[e.SessionID], e)
	}

	groups := make([][]*Entry, 0, len(order))
	for _, id := range order {
		group := byID[id]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		groups = append(groups, group)
	}
	return groups
}
