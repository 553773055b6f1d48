// Package prefs resolves per-user notification preferences.
//
// Resolution folds the stored per-user record over the configured
// defaults: channel switches, the quiet-hours window, and digest mode.
// Lookups are cached briefly so the hot submit path stays off storage.
package prefs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"pigeon/internal/storage"
	logx "pigeon/pkg/logx"
)

// Config holds the instance-wide preference defaults.
type Config struct {
	// QuietHoursStart/End ("HH:MM") define the default quiet window for
	// users without one of their own. Both empty disables it.
	QuietHoursStart string
	QuietHoursEnd   string
	Timezone        string
	CacheTTL        time.Duration
}

// Resolution is the outcome of resolving one user at one instant.
type Resolution struct {
	// Channels maps channel name to enabled. nil allows every channel.
	Channels     map[string]bool
	InQuietHours bool
	// QuietEndsAt is the end of the current quiet window; zero when
	// InQuietHours is false.
	QuietEndsAt time.Time
	DigestMode  bool
}

type cachedPref struct {
	pref storage.Preference
	ok   bool
}

// Resolver reads preferences from storage with a read-through cache.
type Resolver struct {
	log   logx.Logger
	store storage.Store

	mu    sync.RWMutex
	cfg   Config
	loc   *time.Location
	cache *cache.Cache
}

func New(cfg Config, store storage.Store, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{log: log, store: store}
	r.Apply(cfg)
	return r
}

// Apply swaps the defaults and drops the cache.
func (r *Resolver) Apply(cfg Config) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if parsed, err := time.LoadLocation(tz); err == nil {
			loc = parsed
		} else {
			r.log.Warn("invalid preferences timezone, using UTC", logx.String("tz", tz))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.loc = loc
	r.cache = cache.New(cfg.CacheTTL, cfg.CacheTTL*2)
}

// Resolve computes the user's effective preferences at now. On storage
// failure it returns permissive defaults alongside the error so callers
// can fail open.
func (r *Resolver) Resolve(ctx context.Context, userID string, now time.Time) (Resolution, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.RLock()
	cfg := r.cfg
	loc := r.loc
	c := r.cache
	r.mu.RUnlock()

	var entry cachedPref
	if hit, found := c.Get(userID); found {
		entry = hit.(cachedPref)
	} else {
		pref, ok, err := r.store.GetPreference(ctx, userID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve preferences: %w", err)
		}
		entry = cachedPref{pref: pref, ok: ok}
		c.Set(userID, entry, cache.DefaultExpiration)
	}

	res := Resolution{}
	start, end := cfg.QuietHoursStart, cfg.QuietHoursEnd
	if entry.ok {
		if entry.pref.Channels != nil {
			res.Channels = entry.pref.Channels
		}
		res.DigestMode = entry.pref.DigestMode
		if entry.pref.QuietHoursStart != "" && entry.pref.QuietHoursEnd != "" {
			start, end = entry.pref.QuietHoursStart, entry.pref.QuietHoursEnd
		}
	}

	if start != "" && end != "" {
		startMin, err1 := ParseClock(start)
		endMin, err2 := ParseClock(end)
		if err1 == nil && err2 == nil {
			res.InQuietHours, res.QuietEndsAt = quietWindow(now, startMin, endMin, loc)
		}
	}
	return res, nil
}

// Put stores a preference record and invalidates the cache entry.
func (r *Resolver) Put(ctx context.Context, pref storage.Preference) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.store.PutPreference(ctx, pref); err != nil {
		return err
	}
	r.mu.RLock()
	c := r.cache
	r.mu.RUnlock()
	c.Delete(pref.UserID)
	return nil
}

// Get returns the raw stored record, bypassing the cache.
func (r *Resolver) Get(ctx context.Context, userID string) (storage.Preference, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.store.GetPreference(ctx, userID)
}

// ParseClock parses "HH:MM" into minutes of day.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid clock %q (use HH:MM)", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid clock %q (use HH:MM)", s)
		}
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[3]-'0')*10 + int(s[4]-'0')
	if hh > 23 || mm > 59 {
		return 0, fmt.Errorf("invalid clock %q (use HH:MM)", s)
	}
	return hh*60 + mm, nil
}

// quietWindow reports whether now falls inside [start, end) and, if so,
// when the window ends. A window with start == end is disabled; start >
// end wraps past midnight.
func quietWindow(now time.Time, startMin, endMin int, loc *time.Location) (bool, time.Time) {
	if startMin == endMin {
		return false, time.Time{}
	}
	local := now.In(loc)
	md := local.Hour()*60 + local.Minute()

	in := false
	if startMin < endMin {
		in = md >= startMin && md < endMin
	} else {
		in = md >= startMin || md < endMin
	}
	if !in {
		return false, time.Time{}
	}

	end := time.Date(local.Year(), local.Month(), local.Day(), endMin/60, endMin%60, 0, 0, loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return true, end
}
