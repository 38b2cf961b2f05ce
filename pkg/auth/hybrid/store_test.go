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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keyfold/keyfold/pkg/auth"
	"github.com/keyfold/keyfold/pkg/auth/outbox"
	"github.com/keyfold/keyfold/pkg/auth/providers"
)

// fakeTier is an in-memory tier with injectable failures. It applies
// patches by reference, so clone behavior in the store is observable.
type fakeTier struct {
	mu       sync.Mutex
	sessions map[string]*auth.Versioned

	getErr     error
	setErr     error
	versionErr error
	deleteErr  error
	touchErr   error
	pingErr    error

	getCalls int
	setCalls int
}

var _ providers.ColdProvider = (*fakeTier)(nil)

func newFakeTier() *fakeTier {
	return &fakeTier{sessions: make(map[string]*auth.Versioned)}
}

func (f *fakeTier) seed(sessionID string, snap *auth.Snapshot, version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = &auth.Versioned{
		Data:      snap,
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}
}

func (f *fakeTier) version(sessionID string) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return v.Version, true
}

func (f *fakeTier) Get(_ context.Context, sessionID string) (*auth.Versioned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.sessions[sessionID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &auth.Versioned{Data: v.Data.Clone(), Version: v.Version, UpdatedAt: v.UpdatedAt}, nil
}

func (f *fakeTier) Set(_ context.Context, sessionID string, patch *auth.Patch, expectedVersion uint64) (*auth.SetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return nil, f.setErr
	}
	var snap *auth.Snapshot
	if cur, ok := f.sessions[sessionID]; ok {
		snap = cur.Data
	}
	snap = auth.Apply(snap, patch)
	v := &auth.Versioned{Data: snap, Version: expectedVersion + 1, UpdatedAt: time.Now().UTC()}
	f.sessions[sessionID] = v
	return &auth.SetResult{Version: v.Version, UpdatedAt: v.UpdatedAt, Success: true}, nil
}

func (f *fakeTier) Version(_ context.Context, sessionID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versionErr != nil {
		return 0, f.versionErr
	}
	v, ok := f.sessions[sessionID]
	if !ok {
		return 0, auth.ErrNotFound
	}
	return v.Version, nil
}

func (f *fakeTier) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeTier) Touch(_ context.Context, sessionID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	v, ok := f.sessions[sessionID]
	if !ok {
		return auth.ErrNotFound
	}
	v.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeTier) Exists(_ context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[sessionID]
	return ok, nil
}

func (f *fakeTier) Ping(context.Context) error { return f.pingErr }
func (f *fakeTier) Close() error               { return nil }

func (f *fakeTier) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, v := range f.sessions {
		if v.UpdatedAt.Before(cutoff) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.OperationTimeout = 2 * time.Second
	opts.WarmTimeout = time.Second
	opts.Breaker.FailureThreshold = 2
	opts.Breaker.ResetTimeout = 50 * time.Millisecond
	return opts
}

func newTestStore(t *testing.T, opts Options) (*Store, *fakeTier, *fakeTier) {
	t.Helper()
	hot := newFakeTier()
	cold := newFakeTier()
	reg := providers.NewRegistry()
	reg.SetHot(hot)
	reg.SetCold(cold)

	s, err := New(reg, nil, nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, hot, cold
}

func testPatch() *auth.Patch {
	return &auth.Patch{Creds: map[string]any{"noiseKey": []byte{1, 2, 3}}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGetHotHit(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	hot.seed("s1", &auth.Snapshot{Creds: map[string]any{"id": 7.0}}, 3)

	v, err := s.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Version != 3 || v.Data.Creds["id"] != 7.0 {
		t.Errorf("unexpected result: %+v", v)
	}
	if cold.getCalls != 0 {
		t.Errorf("cold tier consulted on a hot hit: %d calls", cold.getCalls)
	}
}

func TestGetFallsBackToColdAndWarms(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	cold.seed("s1", &auth.Snapshot{Creds: map[string]any{"id": 7.0}}, 5)

	v, err := s.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Version != 5 {
		t.Errorf("version = %d, want 5", v.Version)
	}

	// Warming replays the cold snapshot at the same version number.
	waitFor(t, "hot tier warming", func() bool {
		ver, ok := hot.version("s1")
		return ok && ver == 5
	})
}

func TestWarmingSkippedWhenHotIsCurrent(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	// Hot reads fail but the hot version is still visible, so the warming
	// guard sees an up-to-date hot tier and backs off.
	hot.seed("s1", &auth.Snapshot{Creds: map[string]any{"id": 1.0}}, 9)
	hot.getErr = errors.New("read path down")
	cold.seed("s1", &auth.Snapshot{Creds: map[string]any{"id": 1.0}}, 5)

	if _, err := s.Get(context.Background(), "s1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	hot.mu.Lock()
	defer hot.mu.Unlock()
	if hot.setCalls != 0 {
		t.Errorf("warming wrote despite a newer hot version: %d set calls", hot.setCalls)
	}
}

func TestWarmingSkipsUnversionedSnapshot(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	cold.seed("s1", &auth.Snapshot{Creds: map[string]any{"id": 1.0}}, 0)

	if _, err := s.Get(context.Background(), "s1"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	hot.mu.Lock()
	defer hot.mu.Unlock()
	if hot.setCalls != 0 {
		t.Errorf("version 0 has no base to replay from, warming must not write: %d set calls", hot.setCalls)
	}
}

func TestGetMissFromBothTiers(t *testing.T) {
	s, _, _ := newTestStore(t, testOptions())
	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBreakerOpensAndHotOnlyMode(t *testing.T) {
	s, _, cold := newTestStore(t, testOptions())
	cold.getErr = errors.New("cold tier down")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = s.Get(ctx, "s1")
	}
	if !s.IsColdCircuitBreakerOpen() {
		t.Fatalf("breaker should be open: %+v", s.CircuitBreakerStats())
	}

	before := cold.getCalls
	if _, err := s.Get(ctx, "s1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("hot-only mode should report a miss, got %v", err)
	}
	if cold.getCalls != before {
		t.Errorf("cold tier reached while breaker open")
	}

	stats := s.CircuitBreakerStats()
	if stats.State != "open" {
		t.Errorf("stats state = %q", stats.State)
	}
}

func TestBreakerIgnoresMisses(t *testing.T) {
	s, _, _ := newTestStore(t, testOptions())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, _ = s.Get(ctx, "absent")
	}
	if s.IsColdCircuitBreakerOpen() {
		t.Fatal("misses must not trip the breaker")
	}
}

func TestSetWritesBothTiers(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	ctx := context.Background()

	res, err := s.Set(ctx, "s1", testPatch())
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if res.Version != 1 {
		t.Errorf("first write version = %d, want 1", res.Version)
	}
	if v, ok := hot.version("s1"); !ok || v != 1 {
		t.Errorf("hot version = %d (%v)", v, ok)
	}
	if v, ok := cold.version("s1"); !ok || v != 1 {
		t.Errorf("cold version = %d (%v)", v, ok)
	}

	res, err = s.Set(ctx, "s1", &auth.Patch{AppState: map[string]any{"x": 1.0}})
	if err != nil {
		t.Fatalf("second Set: %v", err)
	}
	if res.Version != 2 {
		t.Errorf("second write version = %d, want 2", res.Version)
	}
}

func TestSetSurvivesHotFailure(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	hot.setErr = errors.New("hot down")

	res, err := s.Set(context.Background(), "s1", testPatch())
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if res.Version != 1 {
		t.Errorf("version = %d", res.Version)
	}
	if _, ok := cold.version("s1"); !ok {
		t.Error("cold tier missing the write")
	}
}

func TestSetBothTiersFailing(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	hot.setErr = errors.New("hot down")
	cold.setErr = errors.New("cold down")

	_, err := s.Set(context.Background(), "s1", testPatch())
	var se *auth.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if len(se.Causes) != 2 {
		t.Errorf("causes = %d, want 2", len(se.Causes))
	}
}

func TestSetValidation(t *testing.T) {
	s, _, _ := newTestStore(t, testOptions())
	ctx := context.Background()

	if _, err := s.Set(ctx, "", testPatch()); !errors.Is(err, auth.ErrInvalidSessionID) {
		t.Errorf("empty session ID: %v", err)
	}
	if _, err := s.Set(ctx, "s1", nil); !errors.Is(err, ErrEmptyPatch) {
		t.Errorf("nil patch: %v", err)
	}
	if _, err := s.Set(ctx, "s1", &auth.Patch{}); !errors.Is(err, ErrEmptyPatch) {
		t.Errorf("empty patch: %v", err)
	}
}

func TestSetDeepCopiesPatch(t *testing.T) {
	s, hot, _ := newTestStore(t, testOptions())
	patch := testPatch()

	if _, err := s.Set(context.Background(), "s1", patch); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Mutating the caller's patch after the call must not leak into
	// stored state.
	patch.Creds["noiseKey"] = []byte{9, 9, 9}
	hot.mu.Lock()
	stored := hot.sessions["s1"].Data.Creds["noiseKey"].([]byte)
	hot.mu.Unlock()
	if stored[0] != 1 {
		t.Errorf("stored state shares memory with the caller's patch: %v", stored)
	}
}

func TestSetWithVersionSkipsLookup(t *testing.T) {
	s, hot, _ := newTestStore(t, testOptions())
	hot.seed("s1", &auth.Snapshot{}, 3)

	res, err := s.SetWithVersion(context.Background(), "s1", testPatch(), 7)
	if err != nil {
		t.Fatalf("SetWithVersion: %v", err)
	}
	if res.Version != 8 {
		t.Errorf("version = %d, want 8", res.Version)
	}
}

func TestVersionConflictSurfaces(t *testing.T) {
	s, _, cold := newTestStore(t, testOptions())
	cold.setErr = &auth.VersionMismatchError{Expected: 1, Observed: 3}

	_, err := s.Set(context.Background(), "s1", testPatch())
	if !auth.IsVersionMismatch(err) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestCancelledContextReturnsTimeout(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With the session lock free, the cancelled context and the lock send
	// race inside the acquisition select; iterate so a lucky draw cannot
	// hide a write slipping through.
	for i := 0; i < 50; i++ {
		if _, err := s.Set(ctx, "s1", testPatch()); !errors.Is(err, auth.ErrTimeout) {
			t.Fatalf("iteration %d: expected ErrTimeout, got %v", i, err)
		}
	}
	if err := s.Delete(ctx, "s1"); !errors.Is(err, auth.ErrTimeout) {
		t.Fatalf("Delete: expected ErrTimeout, got %v", err)
	}
	if err := s.Touch(ctx, "s1", time.Hour); !errors.Is(err, auth.ErrTimeout) {
		t.Fatalf("Touch: expected ErrTimeout, got %v", err)
	}

	hot.mu.Lock()
	hotWrites := hot.setCalls
	hot.mu.Unlock()
	cold.mu.Lock()
	coldWrites := cold.setCalls
	cold.mu.Unlock()
	if hotWrites != 0 || coldWrites != 0 {
		t.Errorf("cancelled operations reached the tiers: hot=%d cold=%d", hotWrites, coldWrites)
	}
}

func TestConcurrentSetsAreSerialized(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Set(ctx, "s1", testPatch()); err != nil {
				t.Errorf("Set: %v", err)
			}
		}()
	}
	wg.Wait()

	if v, _ := hot.version("s1"); v != writers {
		t.Errorf("hot version = %d, want %d", v, writers)
	}
	if v, _ := cold.version("s1"); v != writers {
		t.Errorf("cold version = %d, want %d", v, writers)
	}
}

func TestWriteBehindDefersColdWrite(t *testing.T) {
	hot := newFakeTier()
	cold := newFakeTier()
	reg := providers.NewRegistry()
	reg.SetHot(hot)
	reg.SetCold(cold)

	rec := outbox.NewReconciler(outbox.NewMemoryLedger(), outbox.NewColdWriter(cold), nil, outbox.Options{
		Interval: time.Hour, // replay only via ReconcileOutbox
	})
	opts := testOptions()
	opts.EnableWriteBehind = true

	s, err := New(reg, rec, nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	res, err := s.Set(ctx, "s1", testPatch())
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if res.Version != 1 {
		t.Errorf("version = %d", res.Version)
	}
	if _, ok := cold.version("s1"); ok {
		t.Fatal("cold write should be deferred")
	}

	s.ReconcileOutbox(ctx)
	if v, ok := cold.version("s1"); !ok || v != 1 {
		t.Errorf("cold version after replay = %d (%v)", v, ok)
	}

	stats, err := s.OutboxStats(ctx)
	if err != nil {
		t.Fatalf("OutboxStats: %v", err)
	}
	if stats.Succeeded != 1 || stats.Depth() != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestColdFailureFallsBackToOutbox(t *testing.T) {
	hot := newFakeTier()
	cold := newFakeTier()
	reg := providers.NewRegistry()
	reg.SetHot(hot)
	reg.SetCold(cold)

	rec := outbox.NewReconciler(outbox.NewMemoryLedger(), outbox.NewColdWriter(cold), nil, outbox.Options{
		Interval: time.Hour,
	})
	s, err := New(reg, rec, nil, testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cold.setErr = errors.New("cold down")
	ctx := context.Background()
	if _, err := s.Set(ctx, "s1", testPatch()); err != nil {
		t.Fatalf("Set should defer to the outbox: %v", err)
	}

	cold.mu.Lock()
	cold.setErr = nil
	cold.mu.Unlock()

	s.ReconcileOutbox(ctx)
	if _, ok := cold.version("s1"); !ok {
		t.Error("deferred write never reached the cold tier")
	}
}

func TestDeletePartialFailure(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	hot.seed("s1", &auth.Snapshot{}, 1)
	cold.seed("s1", &auth.Snapshot{}, 1)
	cold.deleteErr = errors.New("cold down")

	if err := s.Delete(context.Background(), "s1"); err != nil {
		t.Fatalf("one failing tier should not fail Delete: %v", err)
	}
	if _, ok := hot.version("s1"); ok {
		t.Error("hot state not removed")
	}
}

func TestDeleteBothTiersFailing(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	hot.deleteErr = errors.New("hot down")
	cold.deleteErr = errors.New("cold down")

	err := s.Delete(context.Background(), "s1")
	var se *auth.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestTouch(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	hot.seed("s1", &auth.Snapshot{}, 1)
	cold.seed("s1", &auth.Snapshot{}, 1)

	if err := s.Touch(context.Background(), "s1", time.Hour); err != nil {
		t.Fatalf("Touch: %v", err)
	}
}

func TestExistsChecksBothTiers(t *testing.T) {
	s, _, cold := newTestStore(t, testOptions())
	cold.seed("s1", &auth.Snapshot{}, 1)

	ok, err := s.Exists(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	ok, err = s.Exists(context.Background(), "absent")
	if err != nil || ok {
		t.Fatalf("Exists(absent) = %v, %v", ok, err)
	}
}

func TestHealthyWithOneTierDown(t *testing.T) {
	s, hot, _ := newTestStore(t, testOptions())
	if !s.Healthy(context.Background()) {
		t.Fatal("both tiers up, store should be healthy")
	}
	hot.pingErr = errors.New("hot down")
	if !s.Healthy(context.Background()) {
		t.Fatal("cold tier up, store should stay healthy")
	}
}

func TestBatchSetAndGet(t *testing.T) {
	s, _, _ := newTestStore(t, testOptions())
	ctx := context.Background()

	patches := map[string]*auth.Patch{
		"a": testPatch(),
		"b": testPatch(),
		"c": nil, // rejected per session, not fatal for the batch
	}
	res, err := s.BatchSet(ctx, patches)
	if err != nil {
		t.Fatalf("BatchSet: %v", err)
	}
	if len(res.Successful) != 2 || len(res.Failed) != 1 {
		t.Errorf("result = %+v", res)
	}
	if !errors.Is(res.Failed["c"], ErrEmptyPatch) {
		t.Errorf("c: %v", res.Failed["c"])
	}

	out, getRes, err := s.BatchGet(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("BatchGet: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("got %d sessions", len(out))
	}
	if len(getRes.Failed) != 0 {
		t.Errorf("misses must not count as failures: %+v", getRes.Failed)
	}
}

func TestBatchDelete(t *testing.T) {
	s, hot, cold := newTestStore(t, testOptions())
	for _, id := range []string{"a", "b"} {
		hot.seed(id, &auth.Snapshot{}, 1)
		cold.seed(id, &auth.Snapshot{}, 1)
	}

	res, err := s.BatchDelete(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("BatchDelete: %v", err)
	}
	if len(res.Successful) != 2 {
		t.Errorf("result = %+v", res)
	}
	if _, ok := hot.version("a"); ok {
		t.Error("a not deleted")
	}
}

func TestMetricsExposition(t *testing.T) {
	s, hot, _ := newTestStore(t, testOptions())
	hot.seed("s1", &auth.Snapshot{}, 1)
	_, _ = s.Get(context.Background(), "s1")

	text, err := s.GetMetricsText()
	if err != nil {
		t.Fatalf("GetMetricsText: %v", err)
	}
	if !strings.Contains(text, metricRedisHits+" 1") {
		t.Errorf("hit counter missing from exposition:\n%s", text)
	}
	if !strings.Contains(text, metricBreakerState) {
		t.Error("breaker state gauge missing from exposition")
	}
}
