package persister

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edirooss/storedmap/internal/identitycache"
)

// fakeDriver is a minimal in-memory stand-in for the write-side Driver
// subset, instrumented to count calls and allow injected failures.
type fakeDriver struct {
	mu sync.Mutex

	locked map[string]bool

	putCalls          int
	putSecondaryCalls int
	removeCalls       int

	failPrimary   bool
	failSecondary bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{locked: make(map[string]bool)}
}

func lockKey(key, index string) string { return index + "/" + key }

func (d *fakeDriver) Put(ctx context.Context, key, index string, data []byte, onPrimaryDone func(error), onReadyForSecondary func()) {
	d.mu.Lock()
	d.putCalls++
	fail := d.failPrimary
	d.mu.Unlock()

	if fail {
		onPrimaryDone(errors.New("fake primary write failure"))
		return
	}
	onPrimaryDone(nil)
	onReadyForSecondary()
}

func (d *fakeDriver) PutSecondary(ctx context.Context, key, index string, tree map[string]any, locales []string, secondaryKey string, hasSecondaryKey bool, sortBytes []byte, tags []string, onDone func(error)) {
	d.mu.Lock()
	d.putSecondaryCalls++
	fail := d.failSecondary
	d.mu.Unlock()

	if fail {
		onDone(errors.New("fake secondary write failure"))
		return
	}
	onDone(nil)
}

func (d *fakeDriver) Remove(ctx context.Context, key, index string, onDone func(error)) {
	d.mu.Lock()
	d.removeCalls++
	d.mu.Unlock()
	onDone(nil)
}

func (d *fakeDriver) TryLock(ctx context.Context, key, index string, ttl time.Duration) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := lockKey(key, index)
	if d.locked[k] {
		return 50, nil
	}
	d.locked[k] = true
	return 0, nil
}

func (d *fakeDriver) Unlock(ctx context.Context, key, index string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.locked, lockKey(key, index))
	return nil
}

// fakeTarget is a Target over a plain string payload, letting tests
// observe exactly what was snapshotted at save time.
type fakeTarget struct {
	mu      sync.Mutex
	index   string
	payload string
}

func (t *fakeTarget) set(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.payload = s
}

func (t *fakeTarget) Snapshot() (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{Bytes: []byte(t.payload), Tree: map[string]any{"v": t.payload}}, nil
}

func (t *fakeTarget) Index() string { return t.index }

func newTestPersister(drv Driver) *Persister {
	return New(nil, drv, Options{
		LeaseTTL:        time.Second,
		CoalesceDelay:   20 * time.Millisecond,
		RescheduleDelay: 10 * time.Millisecond,
		PoolSize:        4,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestScheduleWritesThroughBothPhases(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPersister(drv)
	defer p.Stop(context.Background())

	cache := identitycache.New("widgets")
	holder := cache.Lookup("a1")
	target := &fakeTarget{index: "idx_1", payload: "v1"}

	done := make(chan struct{})
	if err := p.Schedule(context.Background(), holder, target, func() { close(done) }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	drv.mu.Lock()
	defer drv.mu.Unlock()
	if drv.putCalls != 1 || drv.putSecondaryCalls != 1 {
		t.Fatalf("expected one primary and one secondary write, got put=%d putSecondary=%d", drv.putCalls, drv.putSecondaryCalls)
	}
	if drv.locked[lockKey("a1", "idx_1")] {
		t.Fatal("lease should be released after save settles")
	}
}

func TestScheduleCoalescesRapidMutations(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPersister(drv)
	defer p.Stop(context.Background())

	cache := identitycache.New("widgets")
	holder := cache.Lookup("a1")
	target := &fakeTarget{index: "idx_1", payload: "v1"}

	var mu sync.Mutex
	fired := 0
	cb := func() {
		mu.Lock()
		fired++
		mu.Unlock()
	}

	for i := 0; i < 5; i++ {
		target.set("v1")
		if err := p.Schedule(context.Background(), holder, target, cb); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 5
	})

	drv.mu.Lock()
	putCalls := drv.putCalls
	drv.mu.Unlock()

	if putCalls >= 5 {
		t.Fatalf("expected coalescing to reduce writes below mutation count, got %d writes for 5 mutations", putCalls)
	}
}

func TestRemoveAbortsAnInFlightSave(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPersister(drv)
	defer p.Stop(context.Background())

	cache := identitycache.New("widgets")
	holder := cache.Lookup("a1")
	target := &fakeTarget{index: "idx_1", payload: "v1"}

	if err := p.Schedule(context.Background(), holder, target, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := p.Remove(context.Background(), holder, target); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	drv.mu.Lock()
	removeCalls := drv.removeCalls
	locked := drv.locked[lockKey("a1", "idx_1")]
	drv.mu.Unlock()

	if removeCalls != 1 {
		t.Fatalf("expected exactly one Remove call, got %d", removeCalls)
	}
	if locked {
		t.Fatal("lease should be released after remove settles")
	}

	p.mu.Lock()
	_, stillWork := p.inWork[holder]
	_, stillLong := p.inLongWork[holder]
	p.mu.Unlock()
	if stillWork || stillLong {
		t.Fatal("expected both tables cleared after remove")
	}
}

func TestFailedPrimaryWriteReleasesLeaseAndReports(t *testing.T) {
	drv := newFakeDriver()
	drv.failPrimary = true
	p := newTestPersister(drv)
	defer p.Stop(context.Background())

	var reportedErr error
	var mu sync.Mutex
	p.errHandler = func(category, key string, err error) {
		mu.Lock()
		reportedErr = err
		mu.Unlock()
	}

	cache := identitycache.New("widgets")
	holder := cache.Lookup("a1")
	target := &fakeTarget{index: "idx_1", payload: "v1"}

	if err := p.Schedule(context.Background(), holder, target, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reportedErr != nil
	})

	drv.mu.Lock()
	locked := drv.locked[lockKey("a1", "idx_1")]
	drv.mu.Unlock()
	if locked {
		t.Fatal("lease should be released after a failed save")
	}
}
