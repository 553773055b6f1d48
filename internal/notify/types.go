package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TypeDigest is the reserved notification type used by digest summaries.
// Requests of this type are exempt from digest batching so a flush can
// never loop back into the batch it came from.
const TypeDigest = "digest"

// Priority classifies how aggressively a request is delivered.
//
//   - urgent: bypasses quiet hours and digest batching
//   - normal, low: deferred to the offline queue on rate-limit rejection
//   - best_effort: dropped (and audited) instead of deferred
type Priority string

const (
	PriorityUrgent     Priority = "urgent"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBestEffort Priority = "best_effort"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityNormal, PriorityLow, PriorityBestEffort:
		return true
	}
	return false
}

// ParsePriority accepts the canonical form plus common spellings
// ("best-effort", "besteffort"). Empty input maps to normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "urgent":
		return PriorityUrgent, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "best_effort", "best-effort", "besteffort":
		return PriorityBestEffort, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// State is a terminal outcome. A request reaches exactly one of these,
// exactly once.
type State string

const (
	StateDelivered         State = "delivered"
	StateExpired           State = "expired"
	StateFilteredOut       State = "filtered_out"
	StatePreferenceBlocked State = "preference_blocked"
	StatePermanentlyFailed State = "permanently_failed"
)

func (s State) Valid() bool {
	switch s {
	case StateDelivered, StateExpired, StateFilteredOut, StatePreferenceBlocked, StatePermanentlyFailed:
		return true
	}
	return false
}

// Request is one notification to be delivered to one user.
//
// TargetEntity identifies the subject entity (post id, comment id, ...) and
// drives duplicate-burst compression; requests without one are never merged.
type Request struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Type         string            `json:"type"`
	TargetEntity string            `json:"target_entity,omitempty"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
	Priority     Priority          `json:"priority"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Validate checks the submitter-controlled fields. ID, CreatedAt and
// ExpiresAt are filled by the orchestrator and not checked here.
func (r *Request) Validate() error {
	if r == nil {
		return errors.New("nil request")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(r.Type) == "" {
		return errors.New("type is required")
	}
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Body) == "" {
		return errors.New("title or body is required")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	return nil
}

// Expired reports whether the request's delivery deadline has passed.
// A zero ExpiresAt never expires (the orchestrator stamps a default TTL,
// so that only happens for hand-built requests in tests).
func (r *Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// DedupKey groups duplicate bursts. Empty when the request carries no
// target entity.
func (r *Request) DedupKey() string {
	if r.TargetEntity == "" {
		return ""
	}
	return r.UserID + "|" + r.Type + "|" + r.TargetEntity
}

// Clone returns a deep copy (Data included) so merge updates never race
// with an in-flight dispatch.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Data != nil {
		cp.Data = make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// Terminal is the bus payload published when a request resolves.
type Terminal struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	At        time.Time `json:"at"`
}
