package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Alerts configures the Telegram ops-alert destination used by the
	// logging alert sink. If omitted, the sink stays dormant.
	Alerts *AlertsConfig `json:"alerts,omitempty"`

	API   APIConfig    `json:"api"`
	Pprof *PprofConfig `json:"pprof,omitempty"`

	Storage StorageConfig `json:"storage"`

	// Pipeline controls the orchestrator's in-process dispatch pool.
	Pipeline PipelineConfig `json:"pipeline"`

	Retry     RetryConfig     `json:"retry"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Filter    FilterConfig    `json:"filter"`

	// Preferences holds process-wide defaults; per-user overrides live in
	// storage and are managed through the API.
	Preferences PreferencesConfig `json:"preferences"`

	Dedup  DedupConfig  `json:"dedup"`
	Queue  QueueConfig  `json:"offline_queue"`
	Digest DigestConfig `json:"digest"`

	Channels ChannelsConfig `json:"channels"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type AlertsConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// APIConfig controls the HTTP surface (submission, status, preferences,
// socket upgrades, /metrics, /healthz).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"` // default: true
	Addr          string `json:"addr,omitempty"`    // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"`   // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// StorageConfig controls the persistence layer backing the offline queue,
// audit log, digest batches and per-user preferences.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pigeon.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | file | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PipelineConfig controls the orchestrator.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - rate_per_sec: 0 (outbound pacing disabled)
//   - default_ttl: "24h"
type PipelineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// RatePerSec paces outbound sends across all channels. 0 disables pacing.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// DefaultTTL is applied to requests submitted without an expiry.
	DefaultTTL string `json:"default_ttl,omitempty"`
}

// RetryConfig controls per-channel retry behavior inside the dispatcher.
//
// Defaults: max_attempts 3, base_delay "500ms", max_delay "30s",
// multiplier 2.0, jitter 0.2 (i.e. +/-20%).
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// RateLimitConfig bounds deliveries per (user, channel) within a fixed window.
//
// Defaults: limit 5, window "60s".
type RateLimitConfig struct {
	Limit  int    `json:"limit,omitempty"`
	Window string `json:"window,omitempty"`
}

// FilterConfig controls content filtering applied before any delivery attempt.
//
// Defaults: max_title_len 200, max_body_len 4000, redact_pii true.
type FilterConfig struct {
	BlockedTerms []string `json:"blocked_terms,omitempty"`
	MaxTitleLen  int      `json:"max_title_len,omitempty"`
	MaxBodyLen   int      `json:"max_body_len,omitempty"`
	RedactPII    *bool    `json:"redact_pii,omitempty"`
}

// PreferencesConfig holds delivery-preference defaults for users without a
// stored override.
//
// Quiet hours are HH:MM wall-clock boundaries; a window may wrap midnight
// (e.g. 22:00 - 07:00). Empty start/end disables the default window.
type PreferencesConfig struct {
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
	Timezone        string `json:"timezone,omitempty"` // default: UTC

	// CacheTTL bounds how stale a cached per-user preference read may be.
	CacheTTL string `json:"cache_ttl,omitempty"` // default: "30s"
}

// DedupConfig controls duplicate-burst compression.
//
// Window is how long an unresolved request stays open for merging.
// Default: "60s".
type DedupConfig struct {
	Window string `json:"window,omitempty"`
}

// QueueConfig controls the offline queue sweep.
//
// Defaults:
//   - sweep_schedule: "interval:30s"
//   - workers: 4
//   - batch_limit: 64
//   - requeue_base: "1m"
//   - requeue_max: "1h"
type QueueConfig struct {
	// SweepSchedule accepts "cron:<expr>", "interval:<dur>" or a bare Go duration.
	SweepSchedule string `json:"sweep_schedule,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	BatchLimit    int    `json:"batch_limit,omitempty"`
	RequeueBase   string `json:"requeue_base,omitempty"`
	RequeueMax    string `json:"requeue_max,omitempty"`
}

// DigestConfig controls batched-delivery flushing.
//
// Defaults: flush_schedule "interval:1h", max_items 50.
type DigestConfig struct {
	// FlushSchedule accepts "cron:<expr>", "interval:<dur>" or a bare Go duration.
	FlushSchedule string `json:"flush_schedule,omitempty"`

	// MaxItems caps how many batched entries one summary reports in detail.
	MaxItems int `json:"max_items,omitempty"`
}

// ChannelsConfig declares the delivery channels and their failover order.
type ChannelsConfig struct {
	// Priority is the failover order by channel name: push, socket, relay.
	// Channels omitted here are never dispatched to.
	Priority []string `json:"priority"`

	Push   PushChannelConfig   `json:"push,omitempty"`
	Socket SocketChannelConfig `json:"socket,omitempty"`
	Relay  RelayChannelConfig  `json:"relay,omitempty"`
}

// PushChannelConfig configures the HTTP push gateway channel.
type PushChannelConfig struct {
	Enabled *bool  `json:"enabled,omitempty"` // default: true when url is set
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`   // optional bearer token (do not log)
	Timeout string `json:"timeout,omitempty"` // default: "10s"
}

// SocketChannelConfig configures the in-app websocket channel.
type SocketChannelConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // default: true
}

// RelayChannelConfig configures the third-party push relay channel.
//
// Users maps a user id to one or more relay service URLs
// (e.g. "discord://token@channel"). A user with no entry is unreachable
// on this channel.
type RelayChannelConfig struct {
	Enabled *bool               `json:"enabled,omitempty"` // default: true when users is non-empty
	Timeout string              `json:"timeout,omitempty"` // default: "10s"
	Users   map[string][]string `json:"users,omitempty"`
}
