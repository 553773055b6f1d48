package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"pigeon/internal/retry"
	logx "pigeon/pkg/logx"
)

// GatewayConfig configures the push channel.
type GatewayConfig struct {
	Enabled bool
	URL     string
	Token   string // bearer token, never logged
	Timeout time.Duration
}

// Gateway delivers over an HTTP push endpoint.
type Gateway struct {
	mu   sync.RWMutex
	cfg  GatewayConfig
	http *http.Client

	log logx.Logger
}

func NewGateway(cfg GatewayConfig, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gateway{log: log.With(logx.String("channel", "push"))}
	g.Apply(cfg)
	return g
}

func (g *Gateway) Name() string { return "push" }

func (g *Gateway) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg.Enabled && strings.TrimSpace(g.cfg.URL) != ""
}

// Apply swaps the configuration. In-flight sends finish on the old client.
func (g *Gateway) Apply(cfg GatewayConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.http = &http.Client{Timeout: cfg.Timeout}
}

type gatewayPayload struct {
	UserID string `json:"user_id"`
	Message
}

func (g *Gateway) Send(ctx context.Context, userID string, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g.mu.RLock()
	cfg := g.cfg
	client := g.http
	g.mu.RUnlock()

	if !cfg.Enabled || strings.TrimSpace(cfg.URL) == "" {
		return retry.Terminal(fmt.Errorf("push gateway not configured"))
	}

	b, err := json.Marshal(gatewayPayload{UserID: userID, Message: msg})
	if err != nil {
		return retry.Terminal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(b))
	if err != nil {
		return retry.Terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Network and timeout failures are worth retrying.
		return fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return classifyGatewayStatus(resp)
}

func (g *Gateway) SendTest(ctx context.Context, userID string) error {
	return g.Send(ctx, userID, TestMessage(g.Name()))
}

// classifyGatewayStatus maps HTTP status codes onto retry semantics:
// 2xx success, 429 carries the server hint, remaining 4xx are permanent
// destination errors, everything else is transient.
func classifyGatewayStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code/100 == 2:
		return nil
	case code == http.StatusTooManyRequests:
		err := fmt.Errorf("push gateway throttled: http=%d", code)
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return retry.After(err, after)
		}
		return err
	case code == http.StatusRequestTimeout:
		return fmt.Errorf("push gateway timeout: http=%d", code)
	case code/100 == 4:
		return retry.Terminal(fmt.Errorf("push gateway rejected: http=%d", code))
	default:
		return fmt.Errorf("push gateway failed: http=%d", code)
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
