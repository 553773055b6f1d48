// Package dispatch runs the failover delivery loop.
//
// Channels are tried strictly in priority order; the first success wins
// and nothing later is attempted. Each channel's send is wrapped by the
// retry engine, every attempt lands in the audit log before the next
// channel is considered, and the per-user rate limiter admits or skips
// each channel just before its first attempt.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pigeon/internal/audit"
	"pigeon/internal/channel"
	"pigeon/internal/metrics"
	"pigeon/internal/notify"
	"pigeon/internal/ratelimit"
	"pigeon/internal/retry"
	logx "pigeon/pkg/logx"
)

// Config bounds the dispatcher.
type Config struct {
	Retry retry.Policy
	// RatePerSec throttles outbound sends process-wide; 0 disables.
	RatePerSec float64
}

// Outcome reports what one dispatch run did with a request.
type Outcome struct {
	Delivered bool
	Channel   string // delivering channel when Delivered
	Attempts  int    // attempts across all channels

	Attempted   int // channels that got at least one attempt
	RateLimited int // channels skipped by the limiter

	// AllTerminal: every attempted channel failed terminally and none
	// was skipped by the limiter; redelivery cannot help.
	AllTerminal bool
	// PrefsBlocked: the user's channel switches removed every ready
	// channel before anything was tried.
	PrefsBlocked bool
	// NoCandidates: no channel was ready at all.
	NoCandidates bool

	Expired  bool
	Canceled bool
	LastErr  error
}

// Dispatcher walks the adapter registry for one request at a time.
type Dispatcher struct {
	log     logx.Logger
	reg     *channel.Registry
	limiter *ratelimit.Limiter
	rec     *audit.Recorder
	met     *metrics.Metrics

	mu    sync.RWMutex
	pol   retry.Policy
	pacer *rate.Limiter
}

func New(cfg Config, reg *channel.Registry, limiter *ratelimit.Limiter, rec *audit.Recorder, met *metrics.Metrics, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	d := &Dispatcher{log: log, reg: reg, limiter: limiter, rec: rec, met: met}
	d.Apply(cfg)
	return d
}

// Apply swaps the retry policy and outbound pacer.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pol = cfg.Retry.WithDefaults()
	if cfg.RatePerSec > 0 {
		d.pacer = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	} else {
		d.pacer = nil
	}
}

// Dispatch tries the request against every admitted channel in priority
// order. allowed carries the user's per-channel switches (nil allows
// all). rng feeds retry jitter and may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req notify.Request, allowed map[string]bool, rng *rand.Rand) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	pol := d.pol
	pacer := d.pacer
	d.mu.RUnlock()

	candidates := d.reg.Candidates(allowed)
	if len(candidates) == 0 {
		if len(d.reg.Candidates(nil)) > 0 {
			return Outcome{PrefsBlocked: true}
		}
		return Outcome{NoCandidates: true}
	}

	out := Outcome{AllTerminal: true}
	msg := channel.MessageFrom(req)

	for _, adapter := range candidates {
		name := adapter.Name()

		if req.Expired(time.Now()) {
			out.Expired = true
			out.AllTerminal = false
			return out
		}
		if err := ctx.Err(); err != nil {
			out.Canceled = true
			out.AllTerminal = false
			out.LastErr = err
			return out
		}

		// One admission per channel per request; retries ride the same slot.
		if d.limiter != nil && !d.limiter.Allow(req.UserID, name) {
			out.RateLimited++
			d.met.RateLimitedTotal.WithLabelValues(name).Inc()
			d.rec.Event(ctx, req.ID, req.UserID, "rate_limited", name)
			continue
		}

		out.Attempted++
		res := retry.Do(ctx, pol, req.ExpiresAt, rng,
			func(ctx context.Context, attempt int) error {
				if pacer != nil {
					if err := pacer.Wait(ctx); err != nil {
						return err
					}
				}
				start := time.Now()
				err := adapter.Send(ctx, req.UserID, msg)
				d.met.ObserveSend(name, err, time.Since(start))
				return err
			},
			func(attempt int, err error) {
				d.rec.Attempt(ctx, req.ID, req.UserID, name, attempt, err)
			},
		)
		out.Attempts += res.Attempts

		switch res.Status {
		case retry.StatusOK:
			out.Delivered = true
			out.Channel = name
			out.AllTerminal = false
			d.met.AttemptsToSuccess.Observe(float64(out.Attempts))
			return out
		case retry.StatusTerminal:
			out.LastErr = res.Err
			d.log.Debug("channel failed terminally",
				logx.String("request_id", req.ID),
				logx.String("channel", name),
				logx.Err(res.Err))
		case retry.StatusExhausted:
			out.AllTerminal = false
			out.LastErr = res.Err
			d.log.Debug("channel exhausted retries",
				logx.String("request_id", req.ID),
				logx.String("channel", name),
				logx.Int("attempts", res.Attempts),
				logx.Err(res.Err))
		case retry.StatusExpired:
			out.Expired = true
			out.AllTerminal = false
			if res.Err != nil {
				out.LastErr = res.Err
			}
			return out
		case retry.StatusCanceled:
			out.Canceled = true
			out.AllTerminal = false
			out.LastErr = res.Err
			return out
		}
	}

	// A channel skipped by the limiter may admit later; that makes the
	// run retryable regardless of how the attempted ones failed.
	if out.RateLimited > 0 {
		out.AllTerminal = false
	}
	if out.Attempted == 0 {
		out.AllTerminal = false
	}
	return out
}
