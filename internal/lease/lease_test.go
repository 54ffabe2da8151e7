package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLocker struct {
	tryLockCalls int32
	waitHints    []int64
	unlocked     int32
}

func (f *fakeLocker) TryLock(ctx context.Context, key, index string, ttl time.Duration) (int64, error) {
	i := atomic.AddInt32(&f.tryLockCalls, 1) - 1
	if int(i) < len(f.waitHints) {
		return f.waitHints[i], nil
	}
	return 0, nil
}

func (f *fakeLocker) Unlock(ctx context.Context, key, index string) error {
	atomic.AddInt32(&f.unlocked, 1)
	return nil
}

func TestAcquireSucceedsImmediately(t *testing.T) {
	locker := &fakeLocker{}
	l := New(locker, "k", "idx", time.Second)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if locker.tryLockCalls != 1 {
		t.Fatalf("TryLock called %d times, want 1", locker.tryLockCalls)
	}
}

func TestAcquireRetriesUntilGranted(t *testing.T) {
	locker := &fakeLocker{waitHints: []int64{5, 5}}
	l := New(locker, "k", "idx", time.Second)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if locker.tryLockCalls != 3 {
		t.Fatalf("TryLock called %d times, want 3", locker.tryLockCalls)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	locker := &fakeLocker{waitHints: []int64{100000}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	l := New(locker, "k", "idx", time.Second)
	err := l.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire returned %v, want context.DeadlineExceeded", err)
	}
}

func TestReleaseDelegatesToLocker(t *testing.T) {
	locker := &fakeLocker{}
	l := New(locker, "k", "idx", time.Second)
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if locker.unlocked != 1 {
		t.Fatalf("Unlock called %d times, want 1", locker.unlocked)
	}
}
