package config

import (
	logx "pigeon/pkg/logx"
	"reflect"
	"sort"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or relay URLs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Alerts (never log token)
	oA := derefAlerts(oldCfg.Alerts)
	nA := derefAlerts(newCfg.Alerts)
	if (oldCfg.Alerts != nil) != (newCfg.Alerts != nil) ||
		(strings.TrimSpace(oA.Token) != "") != (strings.TrimSpace(nA.Token) != "") ||
		oA.ChatID != nA.ChatID || oA.ThreadID != nA.ThreadID {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.present", newCfg.Alerts != nil),
			logx.Bool("alerts.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("alerts.chat_set", nA.ChatID != 0),
		)
	}

	// API (never log token)
	if !reflect.DeepEqual(derefBool(oldCfg.API.Enabled, true), derefBool(newCfg.API.Enabled, true)) ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		oldCfg.API.AllowInsecure != newCfg.API.AllowInsecure ||
		strings.TrimSpace(oldCfg.API.ReadTimeout) != strings.TrimSpace(newCfg.API.ReadTimeout) ||
		strings.TrimSpace(oldCfg.API.WriteTimeout) != strings.TrimSpace(newCfg.API.WriteTimeout) ||
		strings.TrimSpace(oldCfg.API.IdleTimeout) != strings.TrimSpace(newCfg.API.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.API.Token) != "") != (strings.TrimSpace(newCfg.API.Token) != "") {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", derefBool(newCfg.API.Enabled, true)),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.allow_insecure", newCfg.API.AllowInsecure),
		)
	}

	// Pprof (never log token)
	oP := derefPprof(oldCfg.Pprof)
	nP := derefPprof(newCfg.Pprof)
	if oP.Enabled != nP.Enabled ||
		strings.TrimSpace(oP.Addr) != strings.TrimSpace(nP.Addr) ||
		strings.TrimSpace(oP.Prefix) != strings.TrimSpace(nP.Prefix) ||
		oP.AllowInsecure != nP.AllowInsecure ||
		strings.TrimSpace(oP.ReadTimeout) != strings.TrimSpace(nP.ReadTimeout) ||
		strings.TrimSpace(oP.WriteTimeout) != strings.TrimSpace(nP.WriteTimeout) ||
		strings.TrimSpace(oP.IdleTimeout) != strings.TrimSpace(nP.IdleTimeout) ||
		oP.MutexProfileFraction != nP.MutexProfileFraction ||
		oP.BlockProfileRate != nP.BlockProfileRate ||
		oP.MemProfileRate != nP.MemProfileRate ||
		(strings.TrimSpace(oP.Token) != "") != (strings.TrimSpace(nP.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(nP.Token) != ""),
			logx.Bool("pprof.allow_insecure", nP.AllowInsecure),
		)
	}

	// Storage (persistence)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) ||
		(strings.TrimSpace(oldCfg.Storage.Path) != "") != (strings.TrimSpace(newCfg.Storage.Path) != "") {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Pipeline (orchestrator pool)
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Int("pipeline.workers", newCfg.Pipeline.Workers),
			logx.Int("pipeline.queue_size", newCfg.Pipeline.QueueSize),
			logx.Int("pipeline.rate_per_sec", newCfg.Pipeline.RatePerSec),
			logx.String("pipeline.default_ttl", strings.TrimSpace(newCfg.Pipeline.DefaultTTL)),
		)
	}

	// Retry
	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
			logx.String("retry.base_delay", strings.TrimSpace(newCfg.Retry.BaseDelay)),
			logx.String("retry.max_delay", strings.TrimSpace(newCfg.Retry.MaxDelay)),
			logx.Float64("retry.multiplier", newCfg.Retry.Multiplier),
			logx.Float64("retry.jitter", newCfg.Retry.Jitter),
		)
	}

	// Rate limit
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.limit", newCfg.RateLimit.Limit),
			logx.String("rate_limit.window", strings.TrimSpace(newCfg.RateLimit.Window)),
		)
	}

	// Filter (term list contents stay out of logs; count only)
	if !reflect.DeepEqual(oldCfg.Filter, newCfg.Filter) {
		changed = append(changed, "filter")
		attrs = append(attrs,
			logx.Int("filter.blocked_terms", len(newCfg.Filter.BlockedTerms)),
			logx.Int("filter.max_title_len", newCfg.Filter.MaxTitleLen),
			logx.Int("filter.max_body_len", newCfg.Filter.MaxBodyLen),
			logx.Bool("filter.redact_pii", derefBool(newCfg.Filter.RedactPII, true)),
		)
	}

	// Preferences defaults
	if !reflect.DeepEqual(oldCfg.Preferences, newCfg.Preferences) {
		changed = append(changed, "preferences")
		attrs = append(attrs,
			logx.String("preferences.quiet_hours_start", strings.TrimSpace(newCfg.Preferences.QuietHoursStart)),
			logx.String("preferences.quiet_hours_end", strings.TrimSpace(newCfg.Preferences.QuietHoursEnd)),
			logx.String("preferences.timezone", strings.TrimSpace(newCfg.Preferences.Timezone)),
		)
	}

	// Dedup
	if !reflect.DeepEqual(oldCfg.Dedup, newCfg.Dedup) {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.window", strings.TrimSpace(newCfg.Dedup.Window)),
		)
	}

	// Offline queue
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "offline_queue")
		attrs = append(attrs,
			logx.String("offline_queue.sweep_schedule", strings.TrimSpace(newCfg.Queue.SweepSchedule)),
			logx.Int("offline_queue.workers", newCfg.Queue.Workers),
			logx.Int("offline_queue.batch_limit", newCfg.Queue.BatchLimit),
		)
	}

	// Digest
	if !reflect.DeepEqual(oldCfg.Digest, newCfg.Digest) {
		changed = append(changed, "digest")
		attrs = append(attrs,
			logx.String("digest.flush_schedule", strings.TrimSpace(newCfg.Digest.FlushSchedule)),
			logx.Int("digest.max_items", newCfg.Digest.MaxItems),
		)
	}

	// Channels (never log push token or relay URLs; URLs embed credentials)
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.String("channels.priority", strings.Join(newCfg.Channels.Priority, ",")),
			logx.Bool("channels.push_url_set", strings.TrimSpace(newCfg.Channels.Push.URL) != ""),
			logx.Bool("channels.push_token_set", strings.TrimSpace(newCfg.Channels.Push.Token) != ""),
			logx.Int("channels.relay_users", len(newCfg.Channels.Relay.Users)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func derefPprof(p *PprofConfig) PprofConfig {
	if p == nil {
		return PprofConfig{}
	}
	return *p
}

func derefBool(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
