package channel

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"pigeon/internal/retry"
	logx "pigeon/pkg/logx"
)

// RelayConfig configures the external relay channel. Users maps a user
// id to shoutrrr service URLs; the URLs embed credentials and must stay
// out of logs.
type RelayConfig struct {
	Enabled bool
	Timeout time.Duration
	Users   map[string][]string
}

// Relay fans a notification out to a user's external services
// (telegram, discord, email, ...) through shoutrrr.
type Relay struct {
	log logx.Logger

	mu      sync.RWMutex
	cfg     RelayConfig
	senders map[string]*router.ServiceRouter
}

func NewRelay(cfg RelayConfig, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Relay{log: log.With(logx.String("channel", "relay"))}
	r.Apply(cfg)
	return r
}

func (r *Relay) Name() string { return "relay" }

func (r *Relay) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Enabled
}

// Apply rebuilds the per-user senders. Users whose URLs fail to parse
// are skipped; delivery to them reports a permanent miss.
func (r *Relay) Apply(cfg RelayConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	senders := make(map[string]*router.ServiceRouter, len(cfg.Users))
	for userID, urls := range cfg.Users {
		if len(urls) == 0 {
			continue
		}
		sender, err := shoutrrr.CreateSender(urls...)
		if err != nil {
			// Count only; the URLs carry credentials.
			r.log.Warn("relay destinations rejected",
				logx.String("user_id", userID), logx.Int("urls", len(urls)))
			continue
		}
		sender.Timeout = cfg.Timeout
		sender.SetLogger(log.New(io.Discard, "", 0))
		senders[userID] = sender
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.senders = senders
}

func (r *Relay) Send(ctx context.Context, userID string, msg Message) error {
	_ = ctx // the router enforces its own timeout

	r.mu.RLock()
	sender := r.senders[userID]
	enabled := r.cfg.Enabled
	r.mu.RUnlock()

	if !enabled {
		return retry.Terminal(fmt.Errorf("relay disabled"))
	}
	if sender == nil {
		return retry.Terminal(fmt.Errorf("no relay destinations for user"))
	}

	body := msg.Body
	if body == "" {
		body = msg.Title
	}
	params := stypes.Params{}
	if msg.Title != "" {
		params.SetTitle(msg.Title)
	}

	if errs := sender.Send(body, &params); len(errs) > 0 {
		var firstErr error
		for _, e := range errs {
			if e != nil {
				firstErr = e
				break
			}
		}
		if firstErr != nil {
			// Do not wrap the raw error into logs upstream; it can echo URLs.
			return fmt.Errorf("relay send failed: %w", firstErr)
		}
	}
	return nil
}

func (r *Relay) SendTest(ctx context.Context, userID string) error {
	return r.Send(ctx, userID, TestMessage(r.Name()))
}

// Destinations reports how many URLs are configured for a user.
func (r *Relay) Destinations(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cfg.Users[userID])
}
