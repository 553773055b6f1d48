package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"pigeon/internal/audit"
	"pigeon/internal/channel"
	"pigeon/internal/dedup"
	"pigeon/internal/dispatch"
	"pigeon/internal/filter"
	"pigeon/internal/metrics"
	"pigeon/internal/orchestrator"
	"pigeon/internal/prefs"
	"pigeon/internal/ratelimit"
	"pigeon/internal/retry"
	"pigeon/internal/storage"
	"pigeon/pkg/logx"
)

type fakeAdapter struct {
	name string

	mu    sync.Mutex
	ready bool
	err   error
	sent  int
	tests int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeAdapter) Send(context.Context, string, channel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return f.err
}

func (f *fakeAdapter) SendTest(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests++
	return f.err
}

func (f *fakeAdapter) counts() (sent, tests int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.tests
}

type testEnv struct {
	api  *Service
	base string
	push *fakeAdapter
	hub  *channel.Hub
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)
	rec := audit.New(store, nil, met, logx.Nop())

	push := &fakeAdapter{name: "push", ready: true}
	hub := channel.NewHub(logx.Nop(), met)
	reg := channel.NewRegistry()
	reg.Register(push)

	disp := dispatch.New(dispatch.Config{Retry: retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}}, reg, ratelimit.New(0, time.Minute), rec, met, logx.Nop())

	resolver := prefs.New(prefs.Config{}, store, logx.Nop())
	orch := orchestrator.New(orchestrator.Config{Workers: 2, QueueSize: 16, DefaultTTL: time.Hour},
		filter.New(filter.Config{}), resolver, dedup.New(time.Minute), disp, rec, nil, met, logx.Nop())
	orch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Stop(ctx)
	})

	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	svc := New(cfg, orch, rec, resolver, reg, hub, promReg, met, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})

	return &testEnv{api: svc, base: "http://" + waitAddr(t, svc), push: push, hub: hub}
}

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("api listener did not come up")
	return ""
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.base+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func submitBody(userID string) map[string]any {
	return map[string]any{
		"user_id": userID,
		"type":    "comment",
		"title":   "New comment",
		"body":    "someone replied to your post",
	}
}

func TestSubmitAcceptedAndDelivered(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	status, data := env.do(t, http.MethodPost, "/v1/notifications", submitBody("u1"), nil)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", status, data)
	}
	var sub submitResponse
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sub.RequestID == "" {
		t.Fatal("empty request_id")
	}

	var st statusResponse
	deadline := time.Now().Add(2 * time.Second)
	for {
		code, raw := env.do(t, http.MethodGet, "/v1/notifications/"+sub.RequestID, nil, nil)
		if code != http.StatusOK {
			t.Fatalf("status lookup = %d", code)
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.State != "pending" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request stuck pending: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.State != "delivered" || st.Channel != "push" {
		t.Fatalf("state = %s via %s, want delivered via push", st.State, st.Channel)
	}
	if st.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", st.Attempts)
	}
	if len(st.Trail) == 0 {
		t.Fatal("empty audit trail")
	}
}

func TestSubmitRejectsBadPayloads(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	cases := []struct {
		name string
		body any
	}{
		{"missing user", map[string]any{"type": "comment", "title": "x"}},
		{"missing content", map[string]any{"user_id": "u1", "type": "comment"}},
		{"unknown priority", map[string]any{"user_id": "u1", "type": "comment", "title": "x", "priority": "asap"}},
		{"unknown field", map[string]any{"user_id": "u1", "type": "comment", "title": "x", "bogus": true}},
	}
	for _, tc := range cases {
		if status, _ := env.do(t, http.MethodPost, "/v1/notifications", tc.body, nil); status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, status)
		}
	}

	req, err := http.NewRequest(http.MethodPost, env.base+"/v1/notifications", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed JSON: status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusUnknownRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	if status, _ := env.do(t, http.MethodGet, "/v1/notifications/no-such-id", nil, nil); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	if status, _ := env.do(t, http.MethodGet, "/v1/users/u5/preferences", nil, nil); status != http.StatusNotFound {
		t.Fatalf("fresh user: status = %d, want 404", status)
	}

	put := map[string]any{
		"channels":          map[string]bool{"push": false},
		"quiet_hours_start": "22:00",
		"quiet_hours_end":   "07:30",
		"digest_mode":       true,
	}
	status, data := env.do(t, http.MethodPut, "/v1/users/u5/preferences", put, nil)
	if status != http.StatusOK {
		t.Fatalf("put: status = %d (body %s)", status, data)
	}

	status, data = env.do(t, http.MethodGet, "/v1/users/u5/preferences", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("get: status = %d", status)
	}
	var pref storage.Preference
	if err := json.Unmarshal(data, &pref); err != nil {
		t.Fatalf("decode preference: %v", err)
	}
	if pref.UserID != "u5" || !pref.DigestMode || pref.QuietHoursStart != "22:00" {
		t.Fatalf("stored preference = %+v", pref)
	}
	if allowed, ok := pref.Channels["push"]; !ok || allowed {
		t.Fatalf("push switch = %v/%v, want explicit false", allowed, ok)
	}
	if pref.UpdatedAt.IsZero() {
		t.Fatal("updated_at not stamped")
	}
}

func TestPutPreferencesValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad clock", map[string]any{"quiet_hours_start": "25:00", "quiet_hours_end": "07:00"}},
		{"half window", map[string]any{"quiet_hours_start": "22:00"}},
	}
	for _, tc := range cases {
		if status, _ := env.do(t, http.MethodPut, "/v1/users/u6/preferences", tc.body, nil); status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, status)
		}
	}
}

func TestBearerTokenGuardsV1(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Token: "s3cret"})

	if status, _ := env.do(t, http.MethodPost, "/v1/notifications", submitBody("u1"), nil); status != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/v1/notifications", submitBody("u1"),
		http.Header{"Authorization": []string{"Bearer wrong"}}); status != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/v1/notifications", submitBody("u1"),
		http.Header{"Authorization": []string{"Bearer s3cret"}}); status != http.StatusAccepted {
		t.Fatalf("bearer token: status = %d, want 202", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/v1/notifications?token=s3cret", submitBody("u2"), nil); status != http.StatusAccepted {
		t.Fatalf("query token: status = %d, want 202", status)
	}

	// Liveness and metrics stay open for scrapers.
	if status, _ := env.do(t, http.MethodGet, "/healthz", nil, nil); status != http.StatusOK {
		t.Fatalf("healthz: status = %d, want 200", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/metrics", nil, nil); status != http.StatusOK {
		t.Fatalf("metrics: status = %d, want 200", status)
	}
}

func TestChannelTestSend(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	if status, _ := env.do(t, http.MethodPost, "/v1/channels/push/test?user=op1", nil, nil); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if _, tests := env.push.counts(); tests != 1 {
		t.Fatalf("test sends = %d, want 1", tests)
	}

	if status, _ := env.do(t, http.MethodPost, "/v1/channels/carrier-owl/test?user=op1", nil, nil); status != http.StatusNotFound {
		t.Fatalf("unknown channel: status = %d, want 404", status)
	}
	if status, _ := env.do(t, http.MethodPost, "/v1/channels/push/test", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("missing user: status = %d, want 400", status)
	}

	env.push.mu.Lock()
	env.push.ready = false
	env.push.mu.Unlock()
	if status, _ := env.do(t, http.MethodPost, "/v1/channels/push/test?user=op1", nil, nil); status != http.StatusConflict {
		t.Fatalf("not ready: status = %d, want 409", status)
	}

	env.push.mu.Lock()
	env.push.ready = true
	env.push.err = errors.New("gateway down")
	env.push.mu.Unlock()
	if status, _ := env.do(t, http.MethodPost, "/v1/channels/push/test?user=op1", nil, nil); status != http.StatusBadGateway {
		t.Fatalf("probe failure: status = %d, want 502", status)
	}
}

func TestSocketUpgradeAndDeliver(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(env.base, "http") + "/v1/socket?user=u7"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Connections("u7") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub never saw the connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frame := []byte(`{"request_id":"r1","title":"hi"}`)
	if err := env.hub.Deliver("u7", frame); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("frame = %s, want %s", got, frame)
	}
}

func TestSocketRequiresUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	if status, _ := env.do(t, http.MethodGet, "/v1/socket", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestMetricsExposesPipelineSeries(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	if status, _ := env.do(t, http.MethodPost, "/v1/notifications", submitBody("u9"), nil); status != http.StatusAccepted {
		t.Fatal("submit failed")
	}
	status, data := env.do(t, http.MethodGet, "/metrics", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(string(data), "pigeon_submitted_total") {
		t.Fatal("scrape missing pigeon_submitted_total")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"},
		nil, nil, nil, nil, nil, nil, nil, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})

	time.Sleep(150 * time.Millisecond)
	if addr := svc.Addr(); addr != "" {
		t.Fatalf("listener came up on %s despite insecure bind", addr)
	}
}
