package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"cosmossdk.io/log"
)

func TestWithLockRunsUnderLease(t *testing.T) {
	m := NewMemory()
	l := NewLocker(m, log.NewNopLogger())
	ctx := context.Background()

	ran := false
	err := l.WithLock(ctx, "lock:x", time.Second, 3, func() error {
		ran = true
		if _, err := m.Get(ctx, "lock:x"); err != nil {
			t.Error("lease key missing while fn runs")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withlock: %v", err)
	}
	if !ran {
		t.Fatal("fn never ran")
	}
	if _, err := m.Get(ctx, "lock:x"); !errors.Is(err, ErrNotFound) {
		t.Fatal("lease survived release")
	}
}

func TestWithLockContention(t *testing.T) {
	m := NewMemory()
	l := NewLocker(m, log.NewNopLogger())
	ctx := context.Background()

	// A foreign holder pins the key for the whole test.
	if _, err := m.SetNX(ctx, "lock:x", "foreign", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}

	start := time.Now()
	err := l.WithLock(ctx, "lock:x", time.Second, 2, func() error {
		t.Error("fn ran despite contention")
		return nil
	})
	if !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("err = %v, want ErrLockUnavailable", err)
	}
	// One backoff of 100ms happens between the two attempts.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, want at least one backoff", elapsed)
	}

	// The foreign lease is untouched.
	if v, _ := m.Get(ctx, "lock:x"); v != "foreign" {
		t.Fatalf("foreign lease clobbered: %q", v)
	}
}

func TestWithLockPropagatesFnError(t *testing.T) {
	m := NewMemory()
	l := NewLocker(m, log.NewNopLogger())
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := l.WithLock(ctx, "lock:x", time.Second, 1, func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	// Lease is released even when fn fails.
	if _, err := m.Get(ctx, "lock:x"); !errors.Is(err, ErrNotFound) {
		t.Fatal("lease survived fn error")
	}
}

func TestWithLockLostLease(t *testing.T) {
	m := NewMemory()
	l := NewLocker(m, log.NewNopLogger())
	ctx := context.Background()

	// fn simulates a lease expiring mid-flight by handing the key to
	// another holder. The result is still kept.
	err := l.WithLock(ctx, "lock:x", time.Second, 1, func() error {
		m.Del(ctx, "lock:x")
		m.Set(ctx, "lock:x", "stolen", time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("withlock: %v", err)
	}
	// The thief's lease must not be released by our token.
	if v, _ := m.Get(ctx, "lock:x"); v != "stolen" {
		t.Fatalf("thief lease = %q, want stolen", v)
	}
}

func TestWithLockContextCancelled(t *testing.T) {
	m := NewMemory()
	l := NewLocker(m, log.NewNopLogger())

	if _, err := m.SetNX(context.Background(), "lock:x", "foreign", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.WithLock(ctx, "lock:x", time.Second, 5, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTryLock(t *testing.T) {
	m := NewMemory()
	l := NewLocker(m, log.NewNopLogger())
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "lock:x", time.Second)
	if err != nil || !ok {
		t.Fatalf("trylock = %v, %v", ok, err)
	}

	_, ok2, err := l.TryLock(ctx, "lock:x", time.Second)
	if err != nil || ok2 {
		t.Fatalf("second trylock = %v, %v, want false", ok2, err)
	}

	release()
	_, ok3, err := l.TryLock(ctx, "lock:x", time.Second)
	if err != nil || !ok3 {
		t.Fatalf("trylock after release = %v, %v, want true", ok3, err)
	}
}
