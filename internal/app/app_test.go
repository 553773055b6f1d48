package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func startApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := NewApp(writeConfig(t, body))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func waitForAddr(t *testing.T, a *App) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := a.APIAddr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("api listener never came up")
	return ""
}

const smokeConfig = `{
  "logging": {"level": "ERROR"},
  "storage": {"driver": "memory"},
  "api": {"addr": "127.0.0.1:0"}
}`

// End to end through the real wiring: config file, daemon start, a
// websocket subscriber, one submission over HTTP, the frame on the
// wire, and the audit-backed status afterwards.
func TestAppDeliversOverSocket(t *testing.T) {
	t.Parallel()

	a := startApp(t, smokeConfig)
	addr := waitForAddr(t, a)
	base := "http://" + addr

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/v1/socket?user=u1", nil)
	if err != nil {
		t.Fatalf("socket dial: %v", err)
	}
	defer ws.Close()

	// The upgrade response races hub registration; submit only once the
	// hub can see the connection.
	deadline := time.Now().Add(2 * time.Second)
	for a.hub.Connections("u1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub never saw the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	payload := `{"user_id":"u1","type":"deploy","title":"deploy finished","body":"build 42 green"}`
	resp, err = http.Post(base+"/v1/notifications", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var accepted struct {
		RequestID string `json:"request_id"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	if decodeErr != nil {
		t.Fatalf("decode submit response: %v", decodeErr)
	}
	if accepted.RequestID == "" {
		t.Fatal("empty request_id")
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Contains(frame, []byte("deploy finished")) {
		t.Fatalf("frame %s missing the title", frame)
	}
	if !bytes.Contains(frame, []byte(accepted.RequestID)) {
		t.Fatalf("frame %s missing request id %s", frame, accepted.RequestID)
	}

	var last statusProbe
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		last = probeStatus(t, base, accepted.RequestID)
		if last.State != "pending" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if last.State != "delivered" {
		t.Fatalf("state = %q, want delivered", last.State)
	}
	if last.Channel != "socket" {
		t.Fatalf("channel = %q, want socket", last.Channel)
	}
}

func TestAppRejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewApp(writeConfig(t, `{"storage":{"driver":"postgres"}}`)); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
	if _, err := NewApp(writeConfig(t, `{"storage":{"driver":"memory"},"channels":{"priority":["push","push"]}}`)); err == nil {
		t.Fatal("expected error for duplicate channel priority")
	}
}

type statusProbe struct {
	State   string `json:"state"`
	Channel string `json:"channel"`
}

func probeStatus(t *testing.T, base, id string) statusProbe {
	t.Helper()
	resp, err := http.Get(base + "/v1/notifications/" + id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	var out statusProbe
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return out
}
