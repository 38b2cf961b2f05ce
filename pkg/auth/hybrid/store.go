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

// Package hybrid is the public store surface. It orchestrates the hot and
// cold tiers behind read-through/write-through semantics: reads prefer the
// hot tier and fall back to the cold tier (warming the cache on the way
// back), writes land on both tiers with a partial-failure policy that keeps
// the session usable as long as one tier holds it.
package hybrid

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/keyfold/keyfold/pkg/auth"
	"github.com/keyfold/keyfold/pkg/auth/outbox"
	"github.com/keyfold/keyfold/pkg/auth/providers"
	"github.com/keyfold/keyfold/pkg/auth/reqctx"
)

// ErrEmptyPatch is returned by Set when the patch carries no sections.
var ErrEmptyPatch = errors.New("patch has no sections")

// errBreakerOpen marks a cold call refused without reaching the cold tier.
var errBreakerOpen = errors.New("cold tier circuit breaker open")

// BreakerStats is a point-in-time snapshot of the cold-tier breaker.
type BreakerStats struct {
	State                string `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"totalSuccesses"`
	TotalFailures        uint32 `json:"totalFailures"`
	ConsecutiveFailures  uint32 `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32 `json:"consecutiveSuccesses"`
}

// Store is the hybrid session store.
type Store struct {
	reg        *providers.Registry
	hot        providers.HotProvider
	cold       providers.ColdProvider
	breaker    *gobreaker.CircuitBreaker[any]
	reconciler *outbox.Reconciler
	opts       Options
	log        *zap.SugaredLogger
	metrics    *Metrics

	mu    sync.Mutex
	locks map[string]chan struct{}

	warmWG sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// New creates a Store over the registry's hot and cold providers. The
// reconciler is optional; without one, write-behind cannot be enabled and
// cold write failures are surfaced instead of deferred. The Store takes
// ownership of the registry and the reconciler: Close shuts both down.
func New(reg *providers.Registry, reconciler *outbox.Reconciler, log *zap.SugaredLogger, opts Options) (*Store, error) {
	hot, err := reg.Hot()
	if err != nil {
		return nil, err
	}
	cold, err := reg.Cold()
	if err != nil {
		return nil, err
	}
	if opts.EnableWriteBehind && reconciler == nil {
		return nil, errors.New("write-behind requires an outbox reconciler")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts.applyDefaults()

	s := &Store{
		reg:        reg,
		hot:        hot,
		cold:       cold,
		reconciler: reconciler,
		opts:       opts,
		log:        log,
		metrics:    NewMetrics(),
		locks:      make(map[string]chan struct{}),
	}
	s.metrics.Initialize()
	s.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "cold-tier",
		MaxRequests: opts.Breaker.MaxHalfOpenRequests,
		Timeout:     opts.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.Breaker.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			s.metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
			s.metrics.BreakerState.Set(breakerStateValue(to))
			s.log.Infow("cold tier breaker state change",
				"from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Misses and version conflicts are domain outcomes, not
			// cold-tier health signals.
			return err == nil || errors.Is(err, auth.ErrNotFound) || auth.IsVersionMismatch(err)
		},
	})

	if reconciler != nil {
		reconciler.SetObserver(func(d time.Duration, _, failed int) {
			s.metrics.ReconcilerDuration.Observe(d.Seconds())
			s.metrics.ReconcilerFailures.Add(float64(failed))
		})
		reconciler.Start()
	}
	return s, nil
}

func breakerStateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// --- request plumbing --------------------------------------------------------

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = reqctx.New(ctx)
	if s.opts.OperationTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// mapErr converts deadline expiry to the store's timeout error.
func (s *Store) mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		s.metrics.OperationTimeouts.Inc()
		return auth.ErrTimeout
	}
	return err
}

func (s *Store) observe(op, layer string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		status = "error"
	}
	s.metrics.OperationDuration.WithLabelValues(op, layer, status).Observe(time.Since(start).Seconds())
}

// lockSession acquires the per-session exclusive section. Acquisition is
// cancelable; the lock itself, once held, is released only by the returned
// function.
func (s *Store) lockSession(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[sessionID] = l
	}
	s.mu.Unlock()

	// A done context must never acquire the lock. The select alone is not
	// enough: with the lock free both cases are ready and the runtime picks
	// one at random, so check the context before entering and again after
	// winning the send.
	if ctx.Err() != nil {
		return nil, s.lockTimeout(ctx)
	}
	select {
	case l <- struct{}{}:
		if ctx.Err() != nil {
			<-l
			return nil, s.lockTimeout(ctx)
		}
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, s.lockTimeout(ctx)
	}
}

func (s *Store) lockTimeout(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.metrics.OperationTimeouts.Inc()
	}
	return auth.ErrTimeout
}

// coldCall routes a cold-tier call through the circuit breaker.
func (s *Store) coldCall(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := s.breaker.Execute(fn)
	s.observe(op, "cold", start, err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.metrics.BreakerRejects.Inc()
		return nil, errBreakerOpen
	}
	return res, err
}

// --- reads -------------------------------------------------------------------

// Get reads through the tiers: hot first, then cold behind the breaker. A
// cold hit schedules asynchronous cache warming. With the breaker open the
// store runs hot-only and a hot miss is a miss.
func (s *Store) Get(ctx context.Context, sessionID string) (res *auth.Versioned, err error) {
	start := time.Now()
	defer func() { s.observe("get", "hybrid", start, err) }()
	if sessionID == "" {
		return nil, auth.ErrInvalidSessionID
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	hot, hotErr := s.hot.Get(ctx, sessionID)
	if hotErr == nil {
		s.metrics.RedisHits.Inc()
		return hot, nil
	}
	if !errors.Is(hotErr, auth.ErrNotFound) {
		s.log.Warnw("hot tier read failed, falling back to cold",
			append(reqctx.LogFields(ctx), "sessionID", sessionID, "error", hotErr)...)
	}
	s.metrics.RedisMisses.Inc()

	coldRes, coldErr := s.coldCall("get", func() (any, error) {
		return s.cold.Get(ctx, sessionID)
	})
	switch {
	case errors.Is(coldErr, errBreakerOpen):
		return nil, auth.ErrNotFound
	case errors.Is(coldErr, auth.ErrNotFound):
		s.metrics.PostgresFallbacks.WithLabelValues("miss").Inc()
		return nil, auth.ErrNotFound
	case coldErr != nil:
		s.metrics.PostgresFallbacks.WithLabelValues("error").Inc()
		return nil, s.mapErr(auth.NewTierError("cold", "get", coldErr))
	}

	versioned := coldRes.(*auth.Versioned)
	s.metrics.PostgresFallbacks.WithLabelValues("hit").Inc()
	s.warmHot(sessionID, versioned)
	return versioned, nil
}

// warmHot replays a cold-sourced snapshot into the hot tier in the
// background. The write is version-guarded: if the hot tier caught up (or
// passed) while the read was in flight, warming aborts rather than clobber
// a newer update.
func (s *Store) warmHot(sessionID string, v *auth.Versioned) {
	// Committed rows are never below version 1; an unversioned snapshot has
	// no base to replay from (version-1 would wrap).
	if v.Version == 0 {
		return
	}
	snapshot := v.Data.Clone()
	version := v.Version

	s.warmWG.Add(1)
	go func() {
		defer s.warmWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WarmTimeout)
		defer cancel()

		hotVersion, err := s.hot.Version(ctx, sessionID)
		if err == nil && hotVersion >= version {
			s.metrics.CacheWarming.WithLabelValues("skipped").Inc()
			s.log.Debugw("cache warming skipped, hot tier is current",
				"sessionID", sessionID, "hotVersion", hotVersion, "coldVersion", version)
			return
		}

		if _, err := s.hot.Set(ctx, sessionID, snapshot.AsPatch(), version-1); err != nil {
			s.metrics.CacheWarming.WithLabelValues("error").Inc()
			s.log.Warnw("cache warming failed", "sessionID", sessionID, "error", err)
			return
		}
		s.metrics.CacheWarming.WithLabelValues("warmed").Inc()
	}()
}

// Exists consults the hot tier first, then the cold tier. With the breaker
// open the hot answer stands.
func (s *Store) Exists(ctx context.Context, sessionID string) (ok bool, err error) {
	start := time.Now()
	defer func() { s.observe("exists", "hybrid", start, err) }()
	if sessionID == "" {
		return false, auth.ErrInvalidSessionID
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if found, err := s.hot.Exists(ctx, sessionID); err == nil && found {
		return true, nil
	}
	res, coldErr := s.coldCall("exists", func() (any, error) {
		return s.cold.Exists(ctx, sessionID)
	})
	if coldErr != nil {
		if errors.Is(coldErr, errBreakerOpen) {
			return false, nil
		}
		return false, s.mapErr(auth.NewTierError("cold", "exists", coldErr))
	}
	return res.(bool), nil
}

// --- writes ------------------------------------------------------------------

// Set applies a patch, resolving the base version from the hot tier (or the
// cold tier when the hot tier has no state).
func (s *Store) Set(ctx context.Context, sessionID string, patch *auth.Patch) (*auth.SetResult, error) {
	return s.set(ctx, sessionID, patch, nil)
}

// SetWithVersion applies a patch on top of a caller-supplied base version,
// skipping the version lookup. Hook adapters that just read the version use
// this to avoid a second round trip.
func (s *Store) SetWithVersion(ctx context.Context, sessionID string, patch *auth.Patch, expectedVersion uint64) (*auth.SetResult, error) {
	return s.set(ctx, sessionID, patch, &expectedVersion)
}

func (s *Store) set(ctx context.Context, sessionID string, patch *auth.Patch, expected *uint64) (res *auth.SetResult, err error) {
	start := time.Now()
	defer func() { s.observe("set", "hybrid", start, err) }()
	if sessionID == "" {
		return nil, auth.ErrInvalidSessionID
	}
	if patch == nil || patch.IsEmpty() {
		return nil, ErrEmptyPatch
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// The caller may keep mutating the live object while tier encoding
	// runs; without the copy, hot and cold can commit different states.
	patch = patch.Clone()

	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	base := s.resolveBaseVersion(ctx, sessionID, expected)

	var causes []error
	var committed []*auth.SetResult

	hotRes, hotErr := s.hot.Set(ctx, sessionID, patch, base)
	if hotErr != nil {
		s.metrics.DirectWrites.WithLabelValues("hot", "error").Inc()
		s.log.Warnw("hot tier write failed, continuing to cold",
			append(reqctx.LogFields(ctx), "sessionID", sessionID, "error", hotErr)...)
		causes = append(causes, auth.NewTierError("hot", "set", hotErr))
	} else {
		s.metrics.DirectWrites.WithLabelValues("hot", "success").Inc()
		committed = append(committed, hotRes)
	}

	if s.opts.EnableWriteBehind {
		if err := s.enqueue(ctx, &outbox.Entry{
			SessionID:       sessionID,
			Op:              outbox.OpSet,
			Patch:           patch,
			ExpectedVersion: base,
		}); err != nil {
			causes = append(causes, auth.NewTierError("cold", "enqueue", err))
		} else {
			committed = append(committed, &auth.SetResult{
				Version:   base + 1,
				UpdatedAt: time.Now().UTC(),
				Success:   true,
			})
		}
	} else {
		coldRes, coldErr := s.writeColdDirect(ctx, sessionID, patch, base)
		switch {
		case coldErr == nil:
			committed = append(committed, coldRes)
		case auth.IsVersionMismatch(coldErr):
			s.metrics.VersionConflicts.Inc()
			return nil, coldErr
		default:
			causes = append(causes, coldErr)
		}
	}

	if len(committed) == 0 {
		return nil, s.mapErr(&auth.StorageError{Causes: causes})
	}
	best := committed[0]
	for _, r := range committed[1:] {
		if r.Version > best.Version {
			best = r
		}
	}
	return best, nil
}

// resolveBaseVersion returns the caller's expected version, or reads it
// from the tiers (hot first). A session unknown to both tiers starts at 0.
func (s *Store) resolveBaseVersion(ctx context.Context, sessionID string, expected *uint64) uint64 {
	if expected != nil {
		return *expected
	}
	if v, err := s.hot.Version(ctx, sessionID); err == nil {
		return v
	}
	res, err := s.coldCall("version", func() (any, error) {
		return s.cold.Version(ctx, sessionID)
	})
	if err == nil {
		return res.(uint64)
	}
	return 0
}

// writeColdDirect writes through the breaker. A failure (including an open
// breaker) falls back to the outbox when a reconciler is available, so the
// write is deferred rather than lost.
func (s *Store) writeColdDirect(ctx context.Context, sessionID string, patch *auth.Patch, base uint64) (*auth.SetResult, error) {
	res, err := s.coldCall("set", func() (any, error) {
		return s.cold.Set(ctx, sessionID, patch, base)
	})
	if err == nil {
		s.metrics.DirectWrites.WithLabelValues("cold", "success").Inc()
		return res.(*auth.SetResult), nil
	}
	if auth.IsVersionMismatch(err) {
		return nil, err
	}

	s.metrics.DirectWrites.WithLabelValues("cold", "error").Inc()
	if s.reconciler != nil {
		if enqErr := s.enqueue(ctx, &outbox.Entry{
			SessionID:       sessionID,
			Op:              outbox.OpSet,
			Patch:           patch,
			ExpectedVersion: base,
		}); enqErr == nil {
			s.log.Warnw("cold tier write deferred to outbox",
				"sessionID", sessionID, "error", err)
			return &auth.SetResult{
				Version:   base + 1,
				UpdatedAt: time.Now().UTC(),
				Success:   true,
			}, nil
		}
	}
	return nil, auth.NewTierError("cold", "set", err)
}

func (s *Store) enqueue(ctx context.Context, e *outbox.Entry) error {
	if s.reconciler == nil {
		return errors.New("no outbox reconciler configured")
	}
	if err := s.reconciler.Enqueue(ctx, e); err != nil {
		s.metrics.QueueFailures.Inc()
		return err
	}
	s.metrics.QueuePublishes.Inc()
	s.updateOutboxDepth(ctx)
	return nil
}

func (s *Store) updateOutboxDepth(ctx context.Context) {
	if s.reconciler == nil {
		return
	}
	if stats, err := s.reconciler.Stats(ctx); err == nil {
		s.metrics.OutboxDepth.Set(float64(stats.Depth()))
	}
}

// Delete removes the session from both tiers. One failing tier is logged
// and recovered (deferring through the outbox when possible); the call only
// errors when neither tier completed.
func (s *Store) Delete(ctx context.Context, sessionID string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", "hybrid", start, err) }()
	if sessionID == "" {
		return auth.ErrInvalidSessionID
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.fanOut(ctx, sessionID, "delete",
		func() error { return s.hot.Delete(ctx, sessionID) },
		func() error { return s.cold.Delete(ctx, sessionID) },
		&outbox.Entry{SessionID: sessionID, Op: outbox.OpDelete})
}

// Touch extends the session lifetime on both tiers with the same
// partial-failure policy as Delete.
func (s *Store) Touch(ctx context.Context, sessionID string, ttl time.Duration) (err error) {
	start := time.Now()
	defer func() { s.observe("touch", "hybrid", start, err) }()
	if sessionID == "" {
		return auth.ErrInvalidSessionID
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	unlock, err := s.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.fanOut(ctx, sessionID, "touch",
		func() error { return s.hot.Touch(ctx, sessionID, ttl) },
		func() error { return s.cold.Touch(ctx, sessionID, ttl) },
		&outbox.Entry{SessionID: sessionID, Op: outbox.OpTouch, TTL: ttl})
}

// fanOut runs an operation on both tiers. Zero failures is success; one
// failure is logged (and deferred to the outbox for the cold tier) and
// still success; two failures aggregate into a StorageError.
func (s *Store) fanOut(ctx context.Context, sessionID, op string, hotFn, coldFn func() error, deferred *outbox.Entry) error {
	var causes []error

	if err := hotFn(); err != nil && !errors.Is(err, auth.ErrNotFound) {
		causes = append(causes, auth.NewTierError("hot", op, err))
	}

	_, coldErr := s.coldCall(op, func() (any, error) { return nil, coldFn() })
	if coldErr != nil && !errors.Is(coldErr, auth.ErrNotFound) {
		recovered := false
		if s.reconciler != nil {
			if err := s.enqueue(ctx, deferred); err == nil {
				s.log.Warnw("cold tier "+op+" deferred to outbox",
					"sessionID", sessionID, "error", coldErr)
				recovered = true
			}
		}
		if !recovered {
			causes = append(causes, auth.NewTierError("cold", op, coldErr))
		}
	}

	switch len(causes) {
	case 0:
		return nil
	case 1:
		s.log.Warnw("one tier failed during "+op+", continuing",
			append(reqctx.LogFields(ctx), "sessionID", sessionID, "error", causes[0])...)
		return nil
	default:
		return s.mapErr(&auth.StorageError{Causes: causes})
	}
}

// --- health and introspection ------------------------------------------------

// Healthy reports whether at least one tier is reachable: the store keeps
// serving sessions in degraded single-tier mode.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.hot.Ping(ctx); err == nil {
		return true
	}
	return s.cold.Ping(ctx) == nil
}

// IsColdCircuitBreakerOpen reports whether cold-tier calls are currently
// being refused.
func (s *Store) IsColdCircuitBreakerOpen() bool {
	return s.breaker.State() == gobreaker.StateOpen
}

// CircuitBreakerStats returns a snapshot of the cold-tier breaker.
func (s *Store) CircuitBreakerStats() BreakerStats {
	counts := s.breaker.Counts()
	return BreakerStats{
		State:                s.breaker.State().String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

// OutboxStats returns ledger occupancy, or nil when write-behind plumbing
// is not configured.
func (s *Store) OutboxStats(ctx context.Context) (*outbox.Stats, error) {
	if s.reconciler == nil {
		return nil, nil
	}
	stats, err := s.reconciler.Stats(ctx)
	if err == nil {
		s.metrics.OutboxDepth.Set(float64(stats.Depth()))
	}
	return stats, err
}

// ReconcileOutbox forces one replay round, e.g. before shutdown.
func (s *Store) ReconcileOutbox(ctx context.Context) {
	if s.reconciler == nil {
		return
	}
	s.reconciler.Tick(ctx)
	s.updateOutboxDepth(ctx)
}

// GetMetricsText renders the store's metrics in the Prometheus text
// exposition format.
func (s *Store) GetMetricsText() (string, error) {
	return s.metrics.GatherText()
}

// Close stops the reconciler, waits for in-flight cache warming, and closes
// both providers. Close is idempotent.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.reconciler != nil {
		s.reconciler.Stop()
	}
	s.warmWG.Wait()
	return s.reg.Close()
}
