// Package channel hosts the delivery adapters and their priority ordering.
//
// An adapter owns one transport (push gateway, websocket, relay). Send
// errors are classified through the retry wrappers: plain errors are
// transient, retry.Terminal marks destinations not worth retrying, and
// retry.After carries a server-provided backoff hint.
package channel

import (
	"context"
	"sync"

	"pigeon/internal/notify"
)

// Message is the channel-facing view of a notification.
type Message struct {
	RequestID string            `json:"request_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Priority  notify.Priority   `json:"priority"`
}

// MessageFrom builds the wire message for a request.
func MessageFrom(req notify.Request) Message {
	return Message{
		RequestID: req.ID,
		Type:      req.Type,
		Title:     req.Title,
		Body:      req.Body,
		Data:      req.Data,
		Priority:  req.Priority,
	}
}

// Adapter is a single delivery transport.
type Adapter interface {
	Name() string
	// Ready reports whether the adapter is enabled and configured well
	// enough to attempt sends at all.
	Ready() bool
	Send(ctx context.Context, userID string, msg Message) error
	// SendTest pushes a canned probe outside the delivery pipeline.
	SendTest(ctx context.Context, userID string) error
}

// TestMessage is the probe used by SendTest implementations.
func TestMessage(channelName string) Message {
	return Message{
		RequestID: "test",
		Type:      "test",
		Title:     "pigeon delivery test",
		Body:      "test notification via " + channelName,
		Priority:  notify.PriorityNormal,
	}
}

// Registry keeps the adapters in failover priority order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds an adapter. Later registrations replace earlier ones of
// the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, ok := r.adapters[name]; !ok {
		r.order = append(r.order, name)
	}
	r.adapters[name] = a
}

// SetOrder replaces the failover order. Unknown names are ignored.
// Registered adapters left out of names drop from the failover order
// entirely; they stay registered for direct lookup (test sends).
func (r *Registry) SetOrder(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	next := make([]string, 0, len(r.order))
	for _, name := range names {
		if _, ok := r.adapters[name]; ok && !seen[name] {
			next = append(next, name)
			seen[name] = true
		}
	}
	r.order = next
}

// Get returns a registered adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the current failover order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Candidates returns the ready adapters in failover order, filtered by
// the user's per-channel switches (nil allows everything).
func (r *Registry) Candidates(allowed map[string]bool) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Adapter
	for _, name := range r.order {
		a := r.adapters[name]
		if a == nil || !a.Ready() {
			continue
		}
		if allowed != nil {
			on, ok := allowed[name]
			if ok && !on {
				continue
			}
		}
		out = append(out, a)
	}
	return out
}
