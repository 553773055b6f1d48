// Package orchestrator drives a notification from submission to its
// terminal state.
//
// Submit runs the synchronous gates in order: content screening,
// preference resolution (quiet hours, digest mode), then duplicate
// compression. Requests that clear them are handed to a worker pool for
// the failover dispatch; whatever the dispatcher cannot finish is parked
// in the offline queue rather than dropped. Every accepted request ends
// in exactly one terminal audit record, no matter how it travels.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"pigeon/internal/audit"
	"pigeon/internal/dedup"
	"pigeon/internal/digest"
	"pigeon/internal/dispatch"
	"pigeon/internal/eventbus"
	"pigeon/internal/filter"
	"pigeon/internal/metrics"
	"pigeon/internal/notify"
	"pigeon/internal/prefs"
	"pigeon/internal/queue"
	rtsup "pigeon/internal/runtime/supervisor"
	logx "pigeon/pkg/logx"
)

var (
	// ErrStopped rejects submissions while the service is stopped.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrQueueFull reports a full worker queue that could not spill to
	// the offline queue either.
	ErrQueueFull = errors.New("orchestrator queue full")
)

// inflightTTL bounds the resubmission guard. It matches the audit
// recorder's terminal guard so both sides forget a request together.
const inflightTTL = 24 * time.Hour

// Config holds the pipeline settings.
type Config struct {
	Workers   int
	QueueSize int
	// DefaultTTL is stamped onto requests submitted without a deadline.
	DefaultTTL time.Duration
}

type job struct {
	req     notify.Request
	allowed map[string]bool
}

// Service is the submission pipeline plus its dispatch worker pool.
type Service struct {
	log logx.Logger
	bus eventbus.Bus
	met *metrics.Metrics
	rec *audit.Recorder

	filt   *filter.Filter
	prefs  *prefs.Resolver
	window *dedup.Window
	disp   *dispatch.Dispatcher

	mu        sync.Mutex
	cfg       Config
	queue     *queue.Service
	digest    *digest.Service
	accepting bool
	jobs      chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
	sendWG    sync.WaitGroup

	inflight *cache.Cache // requestID -> accepted at
}

func New(cfg Config, filt *filter.Filter, resolver *prefs.Resolver, window *dedup.Window, disp *dispatch.Dispatcher, rec *audit.Recorder, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		met:      met,
		rec:      rec,
		filt:     filt,
		prefs:    resolver,
		window:   window,
		disp:     disp,
		inflight: cache.New(inflightTTL, time.Hour),
	}
	s.Apply(cfg)
	return s
}

// Bind attaches the offline queue and digest buffer. They are built
// after the orchestrator because their callbacks point back at it, so
// wiring closes the loop here. Either may be nil; the matching deferral
// path then falls back to immediate delivery.
func (s *Service) Bind(q *queue.Service, dg *digest.Service) {
	s.mu.Lock()
	s.queue = q
	s.digest = dg
	s.mu.Unlock()
}

// Apply swaps the pipeline settings. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.jobs != nil {
		s.mu.Unlock()
		return
	}

	s.jobs = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "orchestrator"))),
		// A worker failure should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	jobs := s.jobs
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, jobs, idx)
			// Clean exits happen on shutdown (jobs close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("orchestrator worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the worker queue best-effort until ctx
// deadline. Jobs still undispatched after a forced stop are parked in
// the offline queue so the next run's sweep finishes them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	jobs := s.jobs
	sup := s.sup
	if jobs == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without
	// leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight submits, then close the queue so workers
		// can drain.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(jobs)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		// After a forced cancel the workers exit without draining.
		for j := range jobs {
			s.requeue(context.Background(), j.req, time.Now(), "shutdown")
		}

		s.mu.Lock()
		s.jobs = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop the workers.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Submit accepts one notification request and returns the id delivery
// can be tracked under. Resubmitting a known id is a no-op returning the
// same id; a request absorbed by duplicate compression returns the id of
// the request it merged into.
func (s *Service) Submit(ctx context.Context, req notify.Request) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if !s.accepting || s.jobs == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	jobs := s.jobs
	cfg := s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	now := time.Now()
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = notify.PriorityNormal
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(cfg.DefaultTTL)
	}

	// The first submission of an id wins; repeats change nothing.
	if s.rec.HasTerminal(req.ID) {
		return req.ID, nil
	}
	if err := s.inflight.Add(req.ID, now, cache.DefaultExpiration); err != nil {
		return req.ID, nil
	}

	s.met.SubmittedTotal.WithLabelValues(string(req.Priority)).Inc()
	s.rec.Event(ctx, req.ID, req.UserID, "submitted", "")
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "notify.submitted", Time: now, Data: map[string]any{
			"request_id": req.ID,
			"user_id":    req.UserID,
			"type":       req.Type,
			"priority":   string(req.Priority),
		}})
	}

	if req.Expired(now) {
		s.rec.Terminal(ctx, req, notify.StateExpired, "", "ttl_elapsed")
		return req.ID, nil
	}

	// Content screening runs before anything else can act on the
	// request, so nothing downstream (channels, offline queue, digest
	// buffer) ever holds unscreened content.
	v := s.filt.Evaluate(req.Title, req.Body, req.Data)
	if !v.Allowed {
		s.met.FilterVerdicts.WithLabelValues("blocked").Inc()
		s.rec.Terminal(ctx, req, notify.StateFilteredOut, "", v.Reason)
		return req.ID, nil
	}
	req.Title, req.Body, req.Data = v.Title, v.Body, v.Data
	s.met.FilterVerdicts.WithLabelValues("allowed").Inc()
	if v.Redacted {
		s.met.FilterVerdicts.WithLabelValues("redacted").Inc()
	}
	if v.Truncated {
		s.met.FilterVerdicts.WithLabelValues("truncated").Inc()
	}

	res, err := s.prefs.Resolve(ctx, req.UserID, now)
	if err != nil {
		// Fail open: a preference store hiccup must not swallow
		// notifications.
		s.log.Warn("preference resolution failed, using defaults",
			logx.String("request_id", req.ID), logx.Err(err))
		res = prefs.Resolution{}
	}

	urgent := req.Priority == notify.PriorityUrgent
	if res.InQuietHours && !urgent {
		if q := s.queueSvc(); q != nil {
			if err := q.Defer(ctx, req, res.QuietEndsAt, "quiet_hours"); err == nil {
				return req.ID, nil
			}
			s.log.Error("quiet hours deferral failed, delivering now",
				logx.String("request_id", req.ID), logx.Err(err))
		}
	}
	if res.DigestMode && !urgent && req.Type != notify.TypeDigest {
		if dg := s.digestSvc(); dg != nil {
			err := dg.Append(ctx, req)
			if err == nil {
				return req.ID, nil
			}
			s.log.Error("digest append failed, delivering now",
				logx.String("request_id", req.ID), logx.Err(err))
		}
	}

	if canonID, merged := s.window.Register(req); merged {
		s.met.MergedTotal.Inc()
		s.rec.Event(ctx, req.ID, req.UserID, "merged_into", canonID)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "notify.merged", Time: now, Data: map[string]any{
				"request_id":  req.ID,
				"merged_into": canonID,
				"user_id":     req.UserID,
			}})
		}
		return canonID, nil
	}

	select {
	case jobs <- job{req: req, allowed: res.Channels}:
	default:
		// Worker queue overflow spills to the offline queue so nothing
		// is dropped under burst load.
		if err := s.deferOverflow(ctx, req, now); err != nil {
			s.inflight.Delete(req.ID)
			return "", err
		}
	}
	return req.ID, nil
}

// RedeliverQueued is the offline queue's sweep callback: one failover
// pass for a previously deferred request. Content screening already ran
// at submission; channel switches are re-read so opt-outs made while
// the request waited still hold. Quiet hours and digest mode are not
// re-applied, a deferred request already owes the user a delivery.
func (s *Service) RedeliverQueued(ctx context.Context, req notify.Request, rng *rand.Rand) dispatch.Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	var allowed map[string]bool
	if res, err := s.prefs.Resolve(ctx, req.UserID, time.Now()); err == nil {
		allowed = res.Channels
	} else {
		s.log.Warn("preference resolution failed at redelivery, using defaults",
			logx.String("request_id", req.ID), logx.Err(err))
	}
	// A parked request keeps absorbing duplicates; redeliver the newest
	// content, not the snapshot taken at deferral.
	if m, ok := s.window.Latest(req.DedupKey()); ok && m.Count > 0 {
		req.Body = m.Body
		if m.Data != nil {
			req.Data = m.Data
		}
	}
	return s.disp.Dispatch(ctx, req, allowed, rng)
}

func (s *Service) workerLoop(ctx context.Context, jobs <-chan job, idx int) {
	if ctx == nil {
		ctx = context.Background()
	}
	if jobs == nil {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			s.deliver(ctx, j, rng)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job, rng *rand.Rand) {
	// Duplicates absorbed while the job waited deliver their content in
	// its place.
	if m, ok := s.window.Latest(j.req.DedupKey()); ok && m.Count > 0 {
		j.req.Body = m.Body
		if m.Data != nil {
			j.req.Data = m.Data
		}
	}
	out := s.disp.Dispatch(ctx, j.req, j.allowed, rng)
	// Settlement writes must land even when ctx died mid-dispatch.
	s.settle(context.Background(), j.req, out)
}

// settle folds one dispatch outcome into the request's fate: a terminal
// record, or a spot in the offline queue.
func (s *Service) settle(ctx context.Context, req notify.Request, out dispatch.Outcome) {
	switch {
	case out.Delivered:
		s.terminal(ctx, req, notify.StateDelivered, out.Channel, "")
	case out.Canceled:
		// Shutdown mid-dispatch; the next run's sweep picks it up.
		s.requeue(ctx, req, time.Now(), "shutdown")
	case out.Expired:
		s.terminal(ctx, req, notify.StateExpired, "", "ttl_elapsed")
	case out.PrefsBlocked:
		s.terminal(ctx, req, notify.StatePreferenceBlocked, "", "channels_disabled")
	case out.NoCandidates:
		s.requeue(ctx, req, time.Now(), "channels_down")
	case out.AllTerminal:
		s.terminal(ctx, req, notify.StatePermanentlyFailed, "", "all_channels_failed")
	case out.RateLimited > 0:
		// Per-channel budgets exhausted. best_effort is the one class
		// that drops instead of waiting out the window.
		if req.Priority == notify.PriorityBestEffort {
			s.terminal(ctx, req, notify.StatePermanentlyFailed, "", "rate_limited")
		} else {
			s.requeue(ctx, req, time.Now(), "rate_limited")
		}
	default:
		// Transient failures left at least one channel retryable.
		s.requeue(ctx, req, time.Now(), "delivery_failed")
	}
}

// terminal frees the dedup key before the record lands, so whoever
// observes the terminal state sees a key that already starts fresh runs.
func (s *Service) terminal(ctx context.Context, req notify.Request, state notify.State, ch, reason string) {
	s.window.Resolve(req.DedupKey())
	s.rec.Terminal(ctx, req, state, ch, reason)
}

func (s *Service) requeue(ctx context.Context, req notify.Request, at time.Time, reason string) {
	q := s.queueSvc()
	if q == nil {
		// Without a queue there is no sweep to come back for it.
		s.terminal(ctx, req, notify.StatePermanentlyFailed, "", reason)
		return
	}
	if err := q.Defer(ctx, req, at, reason); err != nil {
		s.log.Error("offline deferral failed",
			logx.String("request_id", req.ID),
			logx.String("reason", reason),
			logx.Err(err))
		s.terminal(ctx, req, notify.StatePermanentlyFailed, "", reason)
	}
}

func (s *Service) deferOverflow(ctx context.Context, req notify.Request, now time.Time) error {
	q := s.queueSvc()
	if q == nil {
		return ErrQueueFull
	}
	return q.Defer(ctx, req, now, "backpressure")
}

func (s *Service) queueSvc() *queue.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

func (s *Service) digestSvc() *digest.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest
}
