// Package digest batches deliveries for users who opted out of
// immediate notifications.
//
// Non-urgent requests land in a per-user buffer instead of dispatching.
// On each flush the buffer collapses into one summary request per user,
// which re-enters the pipeline under the reserved "digest" type so it
// can never be batched again. Buffered members that outlive their TTL
// before a flush resolve as expired, not silently dropped.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pigeon/internal/audit"
	"pigeon/internal/eventbus"
	"pigeon/internal/metrics"
	"pigeon/internal/notify"
	"pigeon/internal/schedule"
	"pigeon/internal/storage"
	logx "pigeon/pkg/logx"
)

// SubmitFunc hands a composed summary back to the delivery pipeline.
// It returns the summary's assigned request id.
type SubmitFunc func(ctx context.Context, req notify.Request) (string, error)

type Config struct {
	Flush    schedule.Spec
	MaxItems int
}

func (c Config) withDefaults() Config {
	if c.Flush == (schedule.Spec{}) {
		c.Flush = schedule.Spec{Kind: schedule.KindInterval, Every: time.Hour, Source: "duration"}
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 50
	}
	return c
}

type Service struct {
	log    logx.Logger
	store  storage.Store
	submit SubmitFunc
	rec    *audit.Recorder
	bus    eventbus.Bus
	met    *metrics.Metrics

	cfgMu sync.RWMutex
	cfg   Config

	mu        sync.Mutex // cron lifecycle
	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	flushing int32
}

func New(cfg Config, store storage.Store, submit SubmitFunc, rec *audit.Recorder, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	return &Service{
		log:    log,
		store:  store,
		submit: submit,
		rec:    rec,
		bus:    bus,
		met:    met,
		cfg:    cfg.withDefaults(),
	}
}

func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg.withDefaults()
	next := s.cfg
	s.cfgMu.Unlock()

	if old.Flush == next.Flush {
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
	s.log.Info("flush rescheduled", logx.String("flush", next.Flush.String()))
}

// Start begins scheduled flushing. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // flushes run against the service's own run context

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
		logx.String("flush", cfg.Flush.String()),
		logx.Int("max_items", cfg.MaxItems))
}

// Stop halts scheduling and interrupts an in-flight flush.
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

// scheduleLocked registers the flush job. Caller holds s.mu.
func (s *Service) scheduleLocked(cfg Config) {
	sched, err := cfg.Flush.CronSchedule()
	if err != nil {
		s.log.Error("invalid flush schedule; flushes disabled until next reload",
			logx.String("flush", cfg.Flush.String()), logx.Err(err))
		return
	}
	runCtx := s.runCtx
	s.c.Schedule(sched, cron.FuncJob(func() { s.Flush(runCtx) }))
}

// Append buffers a request for the user's next digest.
func (s *Service) Append(ctx context.Context, req notify.Request) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Type == notify.TypeDigest {
		return fmt.Errorf("digest summaries are not batchable")
	}
	err := s.store.AppendDigest(ctx, storage.DigestEntry{
		UserID:     req.UserID,
		RequestID:  req.ID,
		Request:    req,
		AppendedAt: time.Now(),
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("append digest %s: %w", req.ID, err)
	}
	s.met.DigestBuffered.Inc()
	s.rec.Event(ctx, req.ID, req.UserID, "digested", "")
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "notify.digested", Time: time.Now(), Data: map[string]any{
			"request_id": req.ID,
			"user_id":    req.UserID,
		}})
	}
	return nil
}

// Flush collapses every user's buffer into one summary and submits it.
// It returns the number of summaries submitted. Overlapping calls are
// skipped.
func (s *Service) Flush(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}
	if !atomic.CompareAndSwapInt32(&s.flushing, 0, 1) {
		s.log.Debug("flush already running; skipped")
		return 0
	}
	defer atomic.StoreInt32(&s.flushing, 0)

	s.cfgMu.RLock()
	cfg := s.cfg
	s.cfgMu.RUnlock()

	entries, err := s.store.DigestAll(ctx)
	if err != nil {
		s.log.Error("digest scan failed", logx.Err(err))
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	byUser := map[string][]storage.DigestEntry{}
	for _, e := range entries {
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}

	start := time.Now()
	flushed := 0
	for userID, batch := range byUser {
		if ctx.Err() != nil {
			break
		}
		if s.flushUser(ctx, cfg, userID, batch) {
			flushed++
		}
	}
	if flushed > 0 {
		s.log.Info("flush finished",
			logx.Int("users", len(byUser)),
			logx.Int("summaries", flushed),
			logx.Duration("took", time.Since(start)))
	}
	return flushed
}

// flushUser resolves one user's buffer. Members past their TTL expire
// individually; the rest ride the summary. A failed summary submission
// leaves the buffer untouched for the next flush.
func (s *Service) flushUser(ctx context.Context, cfg Config, userID string, batch []storage.DigestEntry) bool {
	now := time.Now()
	var live []storage.DigestEntry
	var expiredIDs []string
	for _, e := range batch {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			s.rec.Terminal(ctx, e.Request, notify.StateExpired, "", "ttl_elapsed")
			expiredIDs = append(expiredIDs, e.RequestID)
			continue
		}
		live = append(live, e)
	}

	if len(live) == 0 {
		s.removeEntries(ctx, userID, expiredIDs)
		return false
	}

	sort.Slice(live, func(i, j int) bool { return live[i].AppendedAt.Before(live[j].AppendedAt) })

	summary := composeSummary(userID, live, cfg.MaxItems)
	summaryID, err := s.submit(ctx, summary)
	if err != nil {
		s.log.Error("summary submission failed; buffer kept",
			logx.String("user_id", userID),
			logx.Int("items", len(live)),
			logx.Err(err))
		s.removeEntries(ctx, userID, expiredIDs)
		return false
	}

	ids := expiredIDs
	for _, e := range live {
		s.rec.Event(ctx, e.RequestID, userID, "flushed_into", summaryID)
		s.rec.Terminal(ctx, e.Request, notify.StateDelivered, "", "digest")
		ids = append(ids, e.RequestID)
	}
	s.removeEntries(ctx, userID, ids)

	s.met.DigestFlushed.Inc()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "digest.flushed", Time: time.Now(), Data: map[string]any{
			"user_id":    userID,
			"summary_id": summaryID,
			"items":      len(live),
		}})
	}
	return true
}

func (s *Service) removeEntries(ctx context.Context, userID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.store.RemoveDigest(ctx, userID, ids); err != nil {
		s.log.Error("digest removal failed",
			logx.String("user_id", userID),
			logx.Int("count", len(ids)),
			logx.Err(err))
	}
}

// composeSummary renders one summary request from a user's buffer,
// oldest first, listing at most maxItems lines.
func composeSummary(userID string, live []storage.DigestEntry, maxItems int) notify.Request {
	n := len(live)
	title := fmt.Sprintf("You have %d updates", n)
	if n == 1 {
		title = "You have 1 update"
	}

	var b strings.Builder
	shown := n
	if shown > maxItems {
		shown = maxItems
	}
	for i := 0; i < shown; i++ {
		line := live[i].Request.Title
		if line == "" {
			line = live[i].Request.Body
		}
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if n > shown {
		fmt.Fprintf(&b, "... and %d more", n-shown)
	}

	return notify.Request{
		UserID:   userID,
		Type:     notify.TypeDigest,
		Title:    title,
		Body:     strings.TrimRight(b.String(), "\n"),
		Data:     map[string]string{"count": strconv.Itoa(n)},
		Priority: notify.PriorityNormal,
	}
}
