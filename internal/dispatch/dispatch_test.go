package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pigeon/internal/audit"
	"pigeon/internal/channel"
	"pigeon/internal/metrics"
	"pigeon/internal/notify"
	"pigeon/internal/ratelimit"
	"pigeon/internal/retry"
	"pigeon/internal/storage"
	logx "pigeon/pkg/logx"
)

// scriptAdapter replays a fixed error sequence, then succeeds.
type scriptAdapter struct {
	name  string
	ready bool

	mu    sync.Mutex
	errs  []error
	calls int
}

func (a *scriptAdapter) Name() string { return a.name }
func (a *scriptAdapter) Ready() bool  { return a.ready }

func (a *scriptAdapter) Send(ctx context.Context, userID string, msg channel.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	if i < len(a.errs) {
		return a.errs[i]
	}
	return nil
}

func (a *scriptAdapter) SendTest(ctx context.Context, userID string) error {
	return a.Send(ctx, userID, channel.TestMessage(a.name))
}

func (a *scriptAdapter) sent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	d   *Dispatcher
	rec *audit.Recorder
	lim *ratelimit.Limiter
}

func newHarness(t *testing.T, pol retry.Policy, adapters ...channel.Adapter) *harness {
	t.Helper()
	reg := channel.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	rec := audit.New(store, nil, metrics.Nop(), logx.Nop())
	lim := ratelimit.New(0, time.Minute)
	d := New(Config{Retry: pol}, reg, lim, rec, metrics.Nop(), logx.Nop())
	return &harness{d: d, rec: rec, lim: lim}
}

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}
}

func testRequest(id string) notify.Request {
	return notify.Request{
		ID:        id,
		UserID:    "u1",
		Type:      "comment",
		Title:     "hi",
		Priority:  notify.PriorityNormal,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
}

func trail(t *testing.T, rec *audit.Recorder, requestID string) []storage.AuditRecord {
	t.Helper()
	recs, err := rec.ByRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("ByRequest: %v", err)
	}
	return recs
}

func TestDispatchFailoverOrder(t *testing.T) {
	t.Parallel()

	push := &scriptAdapter{name: "push", ready: true, errs: []error{retry.Terminal(errors.New("token revoked"))}}
	socket := &scriptAdapter{name: "socket", ready: true}
	relay := &scriptAdapter{name: "relay", ready: true}
	h := newHarness(t, fastPolicy(3), push, socket, relay)

	out := h.d.Dispatch(context.Background(), testRequest("r-failover"), nil, nil)

	if !out.Delivered || out.Channel != "socket" {
		t.Fatalf("want delivery via socket, got %+v", out)
	}
	if out.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", out.Attempts)
	}
	if got := relay.sent(); got != 0 {
		t.Fatalf("relay saw %d sends after an earlier channel succeeded", got)
	}

	recs := trail(t, h.rec, "r-failover")
	if len(recs) != 2 {
		t.Fatalf("audit records = %d, want 2: %+v", len(recs), recs)
	}
	if recs[0].Channel != "push" || recs[0].Outcome != "failure" || recs[0].Attempt != 1 {
		t.Fatalf("first record = %+v", recs[0])
	}
	if recs[1].Channel != "socket" || recs[1].Outcome != "success" || recs[1].Attempt != 1 {
		t.Fatalf("second record = %+v", recs[1])
	}
}

func TestDispatchRetriesTransientThenFailsOver(t *testing.T) {
	t.Parallel()

	timeout := errors.New("gateway timeout")
	push := &scriptAdapter{name: "push", ready: true, errs: []error{timeout, timeout}}
	socket := &scriptAdapter{name: "socket", ready: true}
	relay := &scriptAdapter{name: "relay", ready: true}
	h := newHarness(t, fastPolicy(2), push, socket, relay)

	out := h.d.Dispatch(context.Background(), testRequest("r-transient"), nil, nil)

	if !out.Delivered || out.Channel != "socket" {
		t.Fatalf("want delivery via socket, got %+v", out)
	}
	if push.sent() != 2 || socket.sent() != 1 || relay.sent() != 0 {
		t.Fatalf("sends push=%d socket=%d relay=%d, want 2/1/0", push.sent(), socket.sent(), relay.sent())
	}
	if out.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", out.Attempts)
	}

	recs := trail(t, h.rec, "r-transient")
	if len(recs) != 3 {
		t.Fatalf("audit records = %d, want 3: %+v", len(recs), recs)
	}
	for i, want := range []struct {
		channel string
		attempt int
		outcome string
	}{
		{"push", 1, "failure"},
		{"push", 2, "failure"},
		{"socket", 1, "success"},
	} {
		got := recs[i]
		if got.Channel != want.channel || got.Attempt != want.attempt || got.Outcome != want.outcome {
			t.Fatalf("record %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestDispatchAllChannelsTerminal(t *testing.T) {
	t.Parallel()

	push := &scriptAdapter{name: "push", ready: true, errs: []error{retry.Terminal(errors.New("unregistered"))}}
	socket := &scriptAdapter{name: "socket", ready: true, errs: []error{retry.Terminal(errors.New("no connections"))}}
	h := newHarness(t, fastPolicy(3), push, socket)

	out := h.d.Dispatch(context.Background(), testRequest("r-dead"), nil, nil)

	if out.Delivered {
		t.Fatalf("unexpected delivery: %+v", out)
	}
	if !out.AllTerminal {
		t.Fatalf("AllTerminal = false, want true: %+v", out)
	}
	if out.Attempted != 2 || out.RateLimited != 0 {
		t.Fatalf("attempted=%d rateLimited=%d, want 2/0", out.Attempted, out.RateLimited)
	}
	if out.LastErr == nil {
		t.Fatal("LastErr is nil")
	}
}

func TestDispatchExhaustedLeavesRetryable(t *testing.T) {
	t.Parallel()

	flaky := errors.New("connection reset")
	push := &scriptAdapter{name: "push", ready: true, errs: []error{flaky, flaky, flaky}}
	h := newHarness(t, fastPolicy(2), push)

	out := h.d.Dispatch(context.Background(), testRequest("r-flaky"), nil, nil)

	if out.Delivered {
		t.Fatalf("unexpected delivery: %+v", out)
	}
	if out.AllTerminal {
		t.Fatal("exhausted retries must leave the request retryable")
	}
	if out.Attempts != 2 || out.Attempted != 1 {
		t.Fatalf("attempts=%d attempted=%d, want 2/1", out.Attempts, out.Attempted)
	}
}

func TestDispatchRateLimitSkipsChannel(t *testing.T) {
	t.Parallel()

	push := &scriptAdapter{name: "push", ready: true}
	h := newHarness(t, fastPolicy(3), push)
	h.lim.Apply(1, time.Minute)

	if out := h.d.Dispatch(context.Background(), testRequest("r-first"), nil, nil); !out.Delivered {
		t.Fatalf("first dispatch failed: %+v", out)
	}

	out := h.d.Dispatch(context.Background(), testRequest("r-limited"), nil, nil)
	if out.Delivered || out.Attempted != 0 || out.RateLimited != 1 {
		t.Fatalf("second dispatch = %+v, want rate-limited skip", out)
	}
	if out.AllTerminal {
		t.Fatal("rate-limited run must stay retryable")
	}
	if push.sent() != 1 {
		t.Fatalf("push saw %d sends, want 1", push.sent())
	}

	recs := trail(t, h.rec, "r-limited")
	if len(recs) != 1 || recs[0].Kind != storage.AuditEvent || recs[0].Outcome != "rate_limited" || recs[0].Reason != "push" {
		t.Fatalf("audit trail = %+v, want one rate_limited event", recs)
	}
}

func TestDispatchRateLimitedChannelKeepsRunRetryable(t *testing.T) {
	t.Parallel()

	push := &scriptAdapter{name: "push", ready: true}
	socket := &scriptAdapter{name: "socket", ready: true, errs: []error{retry.Terminal(errors.New("no connections"))}}
	h := newHarness(t, fastPolicy(3), push, socket)
	h.lim.Apply(1, time.Minute)
	h.lim.Allow("u1", "push") // burn push's slot for this window

	out := h.d.Dispatch(context.Background(), testRequest("r-mixed"), nil, nil)

	if out.Delivered {
		t.Fatalf("unexpected delivery: %+v", out)
	}
	if out.RateLimited != 1 || out.Attempted != 1 {
		t.Fatalf("rateLimited=%d attempted=%d, want 1/1", out.RateLimited, out.Attempted)
	}
	if out.AllTerminal {
		t.Fatal("a skipped channel may admit later; run must stay retryable")
	}
	if push.sent() != 0 {
		t.Fatalf("push saw %d sends while limited", push.sent())
	}
}

func TestDispatchPrefsBlocked(t *testing.T) {
	t.Parallel()

	push := &scriptAdapter{name: "push", ready: true}
	h := newHarness(t, fastPolicy(3), push)

	out := h.d.Dispatch(context.Background(), testRequest("r-blocked"), map[string]bool{"push": false}, nil)

	if !out.PrefsBlocked || out.NoCandidates {
		t.Fatalf("outcome = %+v, want PrefsBlocked", out)
	}
	if push.sent() != 0 {
		t.Fatalf("push saw %d sends while blocked", push.sent())
	}
	if recs := trail(t, h.rec, "r-blocked"); len(recs) != 0 {
		t.Fatalf("audit trail = %+v, want empty", recs)
	}
}

func TestDispatchNoCandidates(t *testing.T) {
	t.Parallel()

	push := &scriptAdapter{name: "push", ready: false}
	h := newHarness(t, fastPolicy(3), push)

	out := h.d.Dispatch(context.Background(), testRequest("r-none"), nil, nil)
	if !out.NoCandidates || out.PrefsBlocked {
		t.Fatalf("outcome = %+v, want NoCandidates", out)
	}
}

func TestDispatchExpiredRequest(t *testing.T) {
	t.Parallel()

	push := &scriptAdapter{name: "push", ready: true}
	h := newHarness(t, fastPolicy(3), push)

	req := testRequest("r-stale")
	req.ExpiresAt = time.Now().Add(-time.Second)

	out := h.d.Dispatch(context.Background(), req, nil, nil)
	if !out.Expired {
		t.Fatalf("outcome = %+v, want Expired", out)
	}
	if push.sent() != 0 {
		t.Fatalf("push saw %d sends for an expired request", push.sent())
	}
}

func TestDispatchCanceledContext(t *testing.T) {
	t.Parallel()

	push := &scriptAdapter{name: "push", ready: true}
	h := newHarness(t, fastPolicy(3), push)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.d.Dispatch(ctx, testRequest("r-canceled"), nil, nil)
	if !out.Canceled {
		t.Fatalf("outcome = %+v, want Canceled", out)
	}
	if push.sent() != 0 {
		t.Fatalf("push saw %d sends after cancel", push.sent())
	}
}
