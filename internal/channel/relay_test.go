package channel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pigeon/internal/retry"
	logx "pigeon/pkg/logx"
)

func TestRelaySendUnknownUserIsTerminal(t *testing.T) {
	t.Parallel()

	r := NewRelay(RelayConfig{Enabled: true, Users: map[string][]string{}}, logx.Nop())
	err := r.Send(context.Background(), "ghost", Message{RequestID: "r1", Body: "hi"})
	if !retry.IsTerminal(err) {
		t.Fatalf("Send(unknown user) = %v; want terminal", err)
	}
}

func TestRelayDisabledIsTerminal(t *testing.T) {
	t.Parallel()

	r := NewRelay(RelayConfig{Enabled: false}, logx.Nop())
	if r.Ready() {
		t.Fatalf("Ready = true for disabled relay")
	}
	err := r.Send(context.Background(), "u1", Message{RequestID: "r1", Body: "hi"})
	if !retry.IsTerminal(err) {
		t.Fatalf("Send(disabled) = %v; want terminal", err)
	}
}

func TestRelayApplySkipsBadDestinations(t *testing.T) {
	t.Parallel()

	r := NewRelay(RelayConfig{
		Enabled: true,
		Users: map[string][]string{
			"broken": {"no-such-scheme://nope"},
		},
	}, logx.Nop())

	err := r.Send(context.Background(), "broken", Message{RequestID: "r1", Body: "hi"})
	if !retry.IsTerminal(err) {
		t.Fatalf("Send(user with rejected urls) = %v; want terminal", err)
	}
	if got := r.Destinations("broken"); got != 1 {
		t.Fatalf("Destinations = %d; want raw config count 1", got)
	}
}

func TestRelaySendDeliversToWebhook(t *testing.T) {
	t.Parallel()

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	r := NewRelay(RelayConfig{
		Enabled: true,
		Users:   map[string][]string{"u1": {"generic+http://" + host + "/hook"}},
	}, logx.Nop())

	if err := r.Send(context.Background(), "u1", Message{RequestID: "r1", Title: "ping", Body: "hello there"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(body, "hello there") {
		t.Fatalf("webhook body = %q; want message text", body)
	}
}
