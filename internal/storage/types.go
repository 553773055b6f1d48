package storage

import (
	"context"
	"errors"
	"time"

	"pigeon/internal/notify"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default; excluded by the nosqlite build tag)
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "memory": volatile in-process backend for tests and dev runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit record kinds.
const (
	AuditAttempt  = "attempt"
	AuditTerminal = "terminal"
	AuditEvent    = "event"
)

// AuditRecord is one line of the append-only delivery audit.
// Keep it compact and schema-stable.
//
//   - attempt: one delivery attempt on one channel; Attempt counts from 1
//     within that channel, Outcome is success/failure with Reason carrying
//     the send error.
//   - terminal: the request's final state; Outcome holds the state name.
//   - event: a routing decision (merged, deferred, digested, rate_limited, ...).
type AuditRecord struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id,omitempty"`
	Kind      string    `json:"kind"`
	Channel   string    `json:"channel,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// QueueEntry is one parked request in the offline queue.
type QueueEntry struct {
	UserID      string         `json:"user_id"`
	RequestID   string         `json:"request_id"`
	Request     notify.Request `json:"request"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	RedeliverAt time.Time      `json:"redeliver_at"`
	Attempts    int            `json:"attempts"`
}

// DigestEntry is one request batched for a user's next digest flush.
type DigestEntry struct {
	UserID     string         `json:"user_id"`
	RequestID  string         `json:"request_id"`
	Request    notify.Request `json:"request"`
	AppendedAt time.Time      `json:"appended_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Preference is a user's stored delivery preference.
//
// Channels maps channel name to enabled; a nil map means "all channels
// enabled". Quiet-hours fields override the process-wide default window
// when both are set.
type Preference struct {
	UserID          string          `json:"user_id"`
	Channels        map[string]bool `json:"channels,omitempty"`
	QuietHoursStart string          `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string          `json:"quiet_hours_end,omitempty"`
	DigestMode      bool            `json:"digest_mode"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Store is the persistence surface shared by the audit recorder, offline
// queue, digest batcher and preference resolver.
//
// All drivers are safe for concurrent use.
type Store interface {
	// Audit (append-only; reads serve the status API, never dispatch).
	AppendAudit(ctx context.Context, rec AuditRecord) error
	AuditByRequest(ctx context.Context, requestID string) ([]AuditRecord, error)

	// Offline queue. Enqueue is idempotent per (user, request): re-enqueueing
	// an already-parked request keeps the existing entry untouched.
	Enqueue(ctx context.Context, e QueueEntry) error
	Due(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error)
	Expired(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error)
	Reschedule(ctx context.Context, userID, requestID string, redeliverAt time.Time, attempts int) error
	Remove(ctx context.Context, userID, requestID string) error
	QueueDepth(ctx context.Context) (int, error)

	// Digest batches.
	AppendDigest(ctx context.Context, e DigestEntry) error
	DigestAll(ctx context.Context) ([]DigestEntry, error)
	RemoveDigest(ctx context.Context, userID string, requestIDs []string) error

	// Preferences.
	GetPreference(ctx context.Context, userID string) (Preference, bool, error)
	PutPreference(ctx context.Context, p Preference) error

	Close() error
}
