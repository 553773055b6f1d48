package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"pigeon/internal/alerts"
	"pigeon/internal/api"
	"pigeon/internal/channel"
	"pigeon/internal/digest"
	"pigeon/internal/dispatch"
	"pigeon/internal/filter"
	"pigeon/internal/observability/pprof"
	"pigeon/internal/orchestrator"
	"pigeon/internal/prefs"
	"pigeon/internal/queue"
	"pigeon/internal/retry"
	"pigeon/internal/schedule"
	logx "pigeon/pkg/logx"
)

// The map helpers validate and convert a JSON config section into the
// matching runtime config. They never start anything, so the config
// validator can run them against a candidate config before commit.

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "INFO", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapAlertsConfig(cfg *Config) (alerts.Config, bool) {
	if cfg == nil || cfg.Alerts == nil {
		return alerts.Config{}, false
	}
	a := cfg.Alerts
	if strings.TrimSpace(a.Token) == "" || a.ChatID == 0 {
		return alerts.Config{}, false
	}
	return alerts.Config{Token: a.Token, ChatID: a.ChatID, ThreadID: a.ThreadID}, true
}

func mapPipelineConfig(cfg *Config) (orchestrator.Config, error) {
	var out orchestrator.Config
	if cfg == nil {
		return out, nil
	}
	p := cfg.Pipeline
	if p.Workers < 0 {
		return out, fmt.Errorf("pipeline.workers must be >= 0")
	}
	if p.QueueSize < 0 {
		return out, fmt.Errorf("pipeline.queue_size must be >= 0")
	}
	ttl, err := parseDurationField("pipeline.default_ttl", p.DefaultTTL)
	if err != nil {
		return out, err
	}
	out.Workers = p.Workers
	out.QueueSize = p.QueueSize
	out.DefaultTTL = ttl
	return out, nil
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	var out dispatch.Config
	if cfg == nil {
		return out, nil
	}
	r := cfg.Retry
	if r.MaxAttempts < 0 {
		return out, fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if r.Multiplier < 0 {
		return out, fmt.Errorf("retry.multiplier must be >= 0")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return out, fmt.Errorf("retry.jitter must be within [0, 1]")
	}
	base, err := parseDurationField("retry.base_delay", r.BaseDelay)
	if err != nil {
		return out, err
	}
	maxDelay, err := parseDurationField("retry.max_delay", r.MaxDelay)
	if err != nil {
		return out, err
	}
	if cfg.Pipeline.RatePerSec < 0 {
		return out, fmt.Errorf("pipeline.rate_per_sec must be >= 0")
	}
	out.Retry = retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}
	out.RatePerSec = float64(cfg.Pipeline.RatePerSec)
	return out, nil
}

// mapRateLimitConfig returns the per-(user, channel) cap. Omitted limit
// means the default of 5; a negative limit disables the cap entirely.
func mapRateLimitConfig(cfg *Config) (int, time.Duration, error) {
	limit := 5
	window := 60 * time.Second
	if cfg == nil {
		return limit, window, nil
	}
	rl := cfg.RateLimit
	if rl.Limit != 0 {
		limit = rl.Limit
	}
	if limit < 0 {
		limit = 0
	}
	window, err := parseDurationOrDefault("rate_limit.window", rl.Window, window)
	if err != nil {
		return 0, 0, err
	}
	if window <= 0 {
		return 0, 0, fmt.Errorf("rate_limit.window must be > 0")
	}
	return limit, window, nil
}

func mapFilterConfig(cfg *Config) filter.Config {
	if cfg == nil {
		return filter.Config{RedactPII: true}
	}
	f := cfg.Filter
	return filter.Config{
		BlockedTerms: f.BlockedTerms,
		MaxTitleLen:  f.MaxTitleLen,
		MaxBodyLen:   f.MaxBodyLen,
		RedactPII:    boolOr(f.RedactPII, true),
	}
}

func mapPrefsConfig(cfg *Config) (prefs.Config, error) {
	var out prefs.Config
	if cfg == nil {
		return out, nil
	}
	p := cfg.Preferences
	start := strings.TrimSpace(p.QuietHoursStart)
	end := strings.TrimSpace(p.QuietHoursEnd)
	for key, val := range map[string]string{
		"preferences.quiet_hours_start": start,
		"preferences.quiet_hours_end":   end,
	} {
		if val == "" {
			continue
		}
		if _, err := prefs.ParseClock(val); err != nil {
			return out, fmt.Errorf("%s: %w", key, err)
		}
	}
	if (start == "") != (end == "") {
		return out, fmt.Errorf("preferences quiet hours need both start and end")
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("preferences.timezone: invalid %q: %w", tz, err)
		}
	}
	ttl, err := parseDurationField("preferences.cache_ttl", p.CacheTTL)
	if err != nil {
		return out, err
	}
	out.QuietHoursStart = start
	out.QuietHoursEnd = end
	out.Timezone = strings.TrimSpace(p.Timezone)
	out.CacheTTL = ttl
	return out, nil
}

func mapDedupWindow(cfg *Config) (time.Duration, error) {
	window := time.Minute
	if cfg == nil {
		return window, nil
	}
	window, err := parseDurationOrDefault("dedup.window", cfg.Dedup.Window, window)
	if err != nil {
		return 0, err
	}
	if window <= 0 {
		return 0, fmt.Errorf("dedup.window must be > 0")
	}
	return window, nil
}

func mapQueueConfig(cfg *Config) (queue.Config, error) {
	var out queue.Config
	if cfg == nil {
		return out, nil
	}
	q := cfg.Queue
	if q.Workers < 0 {
		return out, fmt.Errorf("offline_queue.workers must be >= 0")
	}
	if q.BatchLimit < 0 {
		return out, fmt.Errorf("offline_queue.batch_limit must be >= 0")
	}
	if raw := strings.TrimSpace(q.SweepSchedule); raw != "" {
		spec, err := schedule.Parse(raw)
		if err != nil {
			return out, fmt.Errorf("offline_queue.sweep_schedule: %w", err)
		}
		out.Sweep = spec
	}
	base, err := parseDurationField("offline_queue.requeue_base", q.RequeueBase)
	if err != nil {
		return out, err
	}
	maxDelay, err := parseDurationField("offline_queue.requeue_max", q.RequeueMax)
	if err != nil {
		return out, err
	}
	out.Workers = q.Workers
	out.BatchLimit = q.BatchLimit
	out.RequeueBase = base
	out.RequeueMax = maxDelay
	return out, nil
}

func mapDigestConfig(cfg *Config) (digest.Config, error) {
	var out digest.Config
	if cfg == nil {
		return out, nil
	}
	d := cfg.Digest
	if d.MaxItems < 0 {
		return out, fmt.Errorf("digest.max_items must be >= 0")
	}
	if raw := strings.TrimSpace(d.FlushSchedule); raw != "" {
		spec, err := schedule.Parse(raw)
		if err != nil {
			return out, fmt.Errorf("digest.flush_schedule: %w", err)
		}
		out.Flush = spec
	}
	out.MaxItems = d.MaxItems
	return out, nil
}

var knownChannels = map[string]bool{"push": true, "socket": true, "relay": true}

// mapChannelPriority returns the failover order. An omitted list means
// every channel in the default order; listing channels narrows dispatch
// to exactly those.
func mapChannelPriority(cfg *Config) ([]string, error) {
	if cfg == nil || len(cfg.Channels.Priority) == 0 {
		return []string{"push", "socket", "relay"}, nil
	}
	out := make([]string, 0, len(cfg.Channels.Priority))
	seen := map[string]bool{}
	for _, name := range cfg.Channels.Priority {
		n := strings.ToLower(strings.TrimSpace(name))
		if !knownChannels[n] {
			return nil, fmt.Errorf("channels.priority: unknown channel %q", name)
		}
		if seen[n] {
			return nil, fmt.Errorf("channels.priority: duplicate channel %q", name)
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

func mapGatewayConfig(cfg *Config) (channel.GatewayConfig, error) {
	var out channel.GatewayConfig
	if cfg == nil {
		return out, nil
	}
	p := cfg.Channels.Push
	url := strings.TrimSpace(p.URL)
	out.Enabled = boolOr(p.Enabled, url != "")
	out.URL = url
	out.Token = strings.TrimSpace(p.Token)
	timeout, err := parseDurationOrDefault("channels.push.timeout", p.Timeout, 10*time.Second)
	if err != nil {
		return out, err
	}
	out.Timeout = timeout
	if out.Enabled && url == "" {
		return out, fmt.Errorf("channels.push.url is required when the push channel is enabled")
	}
	return out, nil
}

func mapSocketConfig(cfg *Config) channel.SocketConfig {
	if cfg == nil {
		return channel.SocketConfig{Enabled: true}
	}
	return channel.SocketConfig{Enabled: boolOr(cfg.Channels.Socket.Enabled, true)}
}

func mapRelayConfig(cfg *Config) (channel.RelayConfig, error) {
	var out channel.RelayConfig
	if cfg == nil {
		return out, nil
	}
	rl := cfg.Channels.Relay
	out.Enabled = boolOr(rl.Enabled, len(rl.Users) > 0)
	out.Users = rl.Users
	timeout, err := parseDurationOrDefault("channels.relay.timeout", rl.Timeout, 10*time.Second)
	if err != nil {
		return out, err
	}
	out.Timeout = timeout
	return out, nil
}

func mapAPIConfig(cfg *Config) (api.Config, error) {
	out := api.Config{Enabled: true, Addr: "127.0.0.1:8080"}
	if cfg == nil {
		return out, nil
	}
	ac := cfg.API
	out.Enabled = boolOr(ac.Enabled, true)
	if addr := strings.TrimSpace(ac.Addr); addr != "" {
		out.Addr = addr
	}
	out.Token = strings.TrimSpace(ac.Token)
	out.AllowInsecure = ac.AllowInsecure

	readTO, err := parseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return out, err
	}
	writeTO, err := parseDurationOrDefault("api.write_timeout", ac.WriteTimeout, 30*time.Second)
	if err != nil {
		return out, err
	}
	idleTO, err := parseDurationOrDefault("api.idle_timeout", ac.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO
	out.IdleTimeout = idleTO

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("api.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Security: refuse public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !isLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("api: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

// mapPprofConfig validates and converts the JSON config into the service config.
// It never starts the server.
func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	var out pprof.Config
	if cfg == nil || cfg.Pprof == nil {
		return out, nil
	}
	pc := cfg.Pprof

	out.Enabled = pc.Enabled
	out.AllowInsecure = pc.AllowInsecure
	out.Token = strings.TrimSpace(pc.Token)
	out.Addr = strings.TrimSpace(pc.Addr)
	out.Prefix = strings.TrimSpace(pc.Prefix)

	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	readTO, err := parseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	writeTO, err := parseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return out, err
	}
	idleTO, err := parseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO // default 0 (disabled) so /profile can run 30s+
	out.IdleTimeout = idleTO

	if pc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("pprof.mutex_profile_fraction must be >= 0")
	}
	if pc.BlockProfileRate < 0 {
		return out, fmt.Errorf("pprof.block_profile_rate must be >= 0")
	}
	if pc.MemProfileRate < 0 {
		return out, fmt.Errorf("pprof.mem_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = pc.MutexProfileFraction
	out.BlockProfileRate = pc.BlockProfileRate
	out.MemProfileRate = pc.MemProfileRate

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Security: refuse public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !isLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
