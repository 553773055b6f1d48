// Package queue owns the offline queue: requests that could not be
// delivered now and are parked for a later sweep.
//
// A sweep first purges entries whose TTL lapsed (each gets its expired
// terminal record; nothing is dropped silently), then re-runs the
// delivery loop for due entries across a small worker pool. Entries that
// still fail are pushed out with exponential backoff.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pigeon/internal/audit"
	"pigeon/internal/dispatch"
	"pigeon/internal/eventbus"
	"pigeon/internal/metrics"
	"pigeon/internal/notify"
	"pigeon/internal/schedule"
	"pigeon/internal/storage"
	logx "pigeon/pkg/logx"
)

// RedeliverFunc re-runs the delivery loop for a parked request. The
// orchestrator supplies it so redelivery sees current preferences and
// rate-limit state.
type RedeliverFunc func(ctx context.Context, req notify.Request, rng *rand.Rand) dispatch.Outcome

type Config struct {
	Sweep       schedule.Spec
	Workers     int
	BatchLimit  int
	RequeueBase time.Duration
	RequeueMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Sweep == (schedule.Spec{}) {
		c.Sweep = schedule.Spec{Kind: schedule.KindInterval, Every: 30 * time.Second, Source: "duration"}
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 64
	}
	if c.RequeueBase <= 0 {
		c.RequeueBase = time.Minute
	}
	if c.RequeueMax <= 0 {
		c.RequeueMax = time.Hour
	}
	if c.RequeueMax < c.RequeueBase {
		c.RequeueMax = c.RequeueBase
	}
	return c
}

type Service struct {
	log       logx.Logger
	store     storage.Store
	redeliver RedeliverFunc
	rec       *audit.Recorder
	bus       eventbus.Bus
	met       *metrics.Metrics

	cfgMu sync.RWMutex
	cfg   Config

	mu        sync.Mutex // cron lifecycle
	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	sweeping int32
}

func New(cfg Config, store storage.Store, redeliver RedeliverFunc, rec *audit.Recorder, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	return &Service{
		log:       log,
		store:     store,
		redeliver: redeliver,
		rec:       rec,
		bus:       bus,
		met:       met,
		cfg:       cfg.withDefaults(),
	}
}

func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg.withDefaults()
	next := s.cfg
	s.cfgMu.Unlock()

	if old.Sweep == next.Sweep {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = cron.New()
	s.scheduleLocked(next)
	s.c.Start()
	s.log.Info("sweep rescheduled", logx.String("sweep", next.Sweep.String()))
}

// Start begins scheduled sweeping. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // sweeps run against the service's own run context

	s.cfgMu.RLock()
	cfg := s.cfg
	s.cfgMu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.c = cron.New()
	s.scheduleLocked(cfg)
	s.c.Start()
	s.log.Info("service started",
		logx.String("sweep", cfg.Sweep.String()),
		logx.Int("workers", cfg.Workers),
		logx.Int("batch_limit", cfg.BatchLimit))
}

// Stop halts scheduling and interrupts an in-flight sweep.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// scheduleLocked registers the sweep job. Caller holds s.mu.
func (s *Service) scheduleLocked(cfg Config) {
	sched, err := cfg.Sweep.CronSchedule()
	if err != nil {
		s.log.Error("invalid sweep schedule; sweeps disabled until next reload",
			logx.String("sweep", cfg.Sweep.String()), logx.Err(err))
		return
	}
	runCtx := s.runCtx
	s.c.Schedule(sched, cron.FuncJob(func() { s.Sweep(runCtx) }))
}

// Defer parks a request for redelivery at redeliverAt. Requests reach
// here with an expiry already stamped by the orchestrator. Re-deferring
// an already-parked request keeps the existing entry.
func (s *Service) Defer(ctx context.Context, req notify.Request, redeliverAt time.Time, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	if redeliverAt.IsZero() {
		redeliverAt = now
	}
	err := s.store.Enqueue(ctx, storage.QueueEntry{
		UserID:      req.UserID,
		RequestID:   req.ID,
		Request:     req,
		EnqueuedAt:  now,
		ExpiresAt:   req.ExpiresAt,
		RedeliverAt: redeliverAt,
	})
	if err != nil {
		return fmt.Errorf("defer %s: %w", req.ID, err)
	}
	s.met.DeferredTotal.WithLabelValues(reason).Inc()
	s.rec.Event(ctx, req.ID, req.UserID, "deferred", reason)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "notify.deferred", Time: now, Data: map[string]any{
			"request_id":   req.ID,
			"user_id":      req.UserID,
			"reason":       reason,
			"redeliver_at": redeliverAt,
		}})
	}
	s.refreshDepth(ctx)
	return nil
}

// Depth returns the current queue size.
func (s *Service) Depth(ctx context.Context) (int, error) {
	return s.store.QueueDepth(ctx)
}

// Sweep runs one sweep now. Overlapping calls are skipped, not queued;
// the cron trigger and manual triggers share this guard.
func (s *Service) Sweep(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !atomic.CompareAndSwapInt32(&s.sweeping, 0, 1) {
		s.log.Debug("sweep already running; skipped")
		return
	}
	defer atomic.StoreInt32(&s.sweeping, 0)

	s.cfgMu.RLock()
	cfg := s.cfg
	s.cfgMu.RUnlock()

	start := time.Now()
	s.met.SweepsTotal.Inc()

	expired := s.purgeExpired(ctx, cfg)

	due, err := s.store.Due(ctx, time.Now(), cfg.BatchLimit)
	if err != nil {
		s.log.Error("due scan failed", logx.Err(err))
		return
	}

	var delivered, requeued, terminal, skipped int64
	if len(due) > 0 {
		workers := cfg.Workers
		if workers > len(due) {
			workers = len(due)
		}
		jobs := make(chan storage.QueueEntry)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
				for e := range jobs {
					switch s.redeliverEntry(ctx, cfg, e, rng) {
					case sweepDelivered:
						atomic.AddInt64(&delivered, 1)
					case sweepRequeued:
						atomic.AddInt64(&requeued, 1)
					case sweepTerminal:
						atomic.AddInt64(&terminal, 1)
					default:
						atomic.AddInt64(&skipped, 1)
					}
				}
			}(i)
		}
	feed:
		for i := range due {
			select {
			case <-ctx.Done():
				break feed
			case jobs <- due[i]:
			}
		}
		close(jobs)
		wg.Wait()
	}

	s.refreshDepth(ctx)
	if expired == 0 && len(due) == 0 {
		return
	}
	s.log.Info("sweep finished",
		logx.Int("due", len(due)),
		logx.Int("expired", expired),
		logx.Int64("delivered", delivered),
		logx.Int64("requeued", requeued),
		logx.Int64("terminal", terminal),
		logx.Int64("skipped", skipped),
		logx.Duration("took", time.Since(start)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "queue.sweep", Time: time.Now(), Data: map[string]any{
			"due":       len(due),
			"expired":   expired,
			"delivered": delivered,
			"requeued":  requeued,
			"terminal":  terminal,
		}})
	}
}

// purgeExpired drains entries past their TTL, recording the expired
// terminal for each before removal.
func (s *Service) purgeExpired(ctx context.Context, cfg Config) int {
	n := 0
	for {
		if ctx.Err() != nil {
			return n
		}
		batch, err := s.store.Expired(ctx, time.Now(), cfg.BatchLimit)
		if err != nil {
			s.log.Error("expired scan failed", logx.Err(err))
			return n
		}
		if len(batch) == 0 {
			return n
		}
		for i := range batch {
			e := batch[i]
			s.rec.Terminal(ctx, e.Request, notify.StateExpired, "", "ttl_elapsed")
			if err := s.store.Remove(ctx, e.UserID, e.RequestID); err != nil {
				s.log.Error("expired entry removal failed",
					logx.String("request_id", e.RequestID), logx.Err(err))
				return n
			}
			n++
		}
		if len(batch) < cfg.BatchLimit {
			return n
		}
	}
}

type sweepResult int

const (
	sweepSkipped sweepResult = iota
	sweepDelivered
	sweepRequeued
	sweepTerminal
)

func (s *Service) redeliverEntry(ctx context.Context, cfg Config, e storage.QueueEntry, rng *rand.Rand) sweepResult {
	out := s.redeliver(ctx, e.Request, rng)
	switch {
	case out.Delivered:
		s.rec.Terminal(ctx, e.Request, notify.StateDelivered, out.Channel, "redelivered")
		s.remove(ctx, e)
		return sweepDelivered
	case out.Canceled:
		// Shutdown mid-sweep; the entry stays due for the next run.
		return sweepSkipped
	case out.Expired:
		s.rec.Terminal(ctx, e.Request, notify.StateExpired, "", "ttl_elapsed")
		s.remove(ctx, e)
		return sweepTerminal
	case out.AllTerminal:
		s.rec.Terminal(ctx, e.Request, notify.StatePermanentlyFailed, "", "all_channels_failed")
		s.remove(ctx, e)
		return sweepTerminal
	default:
		// Covers exhausted retries, no ready channels, rate-limited skips
		// and preference-disabled channels alike: all of those can change
		// before the next sweep, so the entry stays until then or until
		// its TTL resolves it as expired.
		next := time.Now().Add(requeueDelay(cfg, e.Attempts))
		if err := s.store.Reschedule(ctx, e.UserID, e.RequestID, next, e.Attempts+1); err != nil {
			s.log.Error("reschedule failed", logx.String("request_id", e.RequestID), logx.Err(err))
			return sweepSkipped
		}
		s.met.RequeuedTotal.Inc()
		s.log.Debug("redelivery requeued",
			logx.String("request_id", e.RequestID),
			logx.Int("attempts", e.Attempts+1),
			logx.Time("redeliver_at", next))
		return sweepRequeued
	}
}

func (s *Service) remove(ctx context.Context, e storage.QueueEntry) {
	if err := s.store.Remove(ctx, e.UserID, e.RequestID); err != nil {
		s.log.Error("queue entry removal failed",
			logx.String("request_id", e.RequestID), logx.Err(err))
	}
}

func (s *Service) refreshDepth(ctx context.Context) {
	n, err := s.store.QueueDepth(ctx)
	if err != nil {
		return
	}
	s.met.QueueDepth.Set(float64(n))
}

// requeueDelay doubles per prior attempt, capped at RequeueMax.
func requeueDelay(cfg Config, attempts int) time.Duration {
	d := cfg.RequeueBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= cfg.RequeueMax {
			return cfg.RequeueMax
		}
	}
	if d > cfg.RequeueMax {
		d = cfg.RequeueMax
	}
	return d
}
