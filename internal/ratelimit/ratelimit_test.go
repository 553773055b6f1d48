package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAllowAdmitsExactlyLimit(t *testing.T) {
	t.Parallel()

	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow("alice", "push") {
			t.Fatalf("request %d rejected, want first 5 admitted", i+1)
		}
	}
	if l.Allow("alice", "push") {
		t.Fatalf("6th request admitted, want rejection")
	}
	// A rejection consumes nothing, so the window stays exactly full.
	if l.Allow("alice", "push") {
		t.Fatalf("7th request admitted after rejection")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(1, time.Minute)
	if !l.Allow("alice", "push") {
		t.Fatalf("alice/push rejected")
	}
	if !l.Allow("alice", "socket") {
		t.Fatalf("alice/socket rejected; channels must not share buckets")
	}
	if !l.Allow("bob", "push") {
		t.Fatalf("bob/push rejected; users must not share buckets")
	}
	if l.Allow("alice", "push") {
		t.Fatalf("alice/push admitted past its limit")
	}
}

func TestWindowResetsOnlyAtBoundary(t *testing.T) {
	t.Parallel()

	l := New(2, 80*time.Millisecond)
	if !l.Allow("u", "push") || !l.Allow("u", "push") {
		t.Fatalf("initial window not admitted")
	}
	if l.Allow("u", "push") {
		t.Fatalf("admitted mid-window past limit")
	}

	// Still inside the window: counter must not have decayed.
	time.Sleep(30 * time.Millisecond)
	if l.Allow("u", "push") {
		t.Fatalf("counter decayed mid-window")
	}

	// Past the boundary: fresh window.
	time.Sleep(70 * time.Millisecond)
	if !l.Allow("u", "push") {
		t.Fatalf("new window did not admit")
	}
}

func TestAllowConcurrentNeverOveradmits(t *testing.T) {
	t.Parallel()

	const limit = 5
	l := New(limit, time.Minute)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("alice", "push") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Fatalf("admitted = %d, want exactly %d", got, limit)
	}
}

func TestApplyChangesLimit(t *testing.T) {
	t.Parallel()

	l := New(1, time.Minute)
	if !l.Allow("u", "push") {
		t.Fatalf("first rejected")
	}
	if l.Allow("u", "push") {
		t.Fatalf("second admitted at limit 1")
	}

	l.Apply(3, time.Minute)
	if !l.Allow("u", "push") || !l.Allow("u", "push") {
		t.Fatalf("raised limit not honored for existing window")
	}
	if l.Allow("u", "push") {
		t.Fatalf("admitted past raised limit")
	}
}

func TestDisabledLimiter(t *testing.T) {
	t.Parallel()

	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow("u", "push") {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}
