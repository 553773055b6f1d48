package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"pigeon/internal/retry"
)

var errNoConnections = errors.New("socket: no live connections")

// SocketConfig configures the websocket channel.
type SocketConfig struct {
	Enabled bool
}

// Socket delivers over the websocket hub. A user with no live
// connections is a permanent miss for this channel; the dispatcher
// moves on to the next one.
type Socket struct {
	mu  sync.RWMutex
	cfg SocketConfig
	hub *Hub
}

func NewSocket(cfg SocketConfig, hub *Hub) *Socket {
	return &Socket{cfg: cfg, hub: hub}
}

func (s *Socket) Name() string { return "socket" }

func (s *Socket) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Enabled && s.hub != nil
}

func (s *Socket) Apply(cfg SocketConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Socket) Send(ctx context.Context, userID string, msg Message) error {
	_ = ctx // hub writes are deadline-bounded per connection
	frame, err := json.Marshal(msg)
	if err != nil {
		return retry.Terminal(err)
	}
	if err := s.hub.Deliver(userID, frame); err != nil {
		if errors.Is(err, errNoConnections) {
			return retry.Terminal(err)
		}
		return err
	}
	return nil
}

func (s *Socket) SendTest(ctx context.Context, userID string) error {
	return s.Send(ctx, userID, TestMessage(s.Name()))
}
