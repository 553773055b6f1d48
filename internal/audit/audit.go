// Package audit records the append-only delivery trail.
//
// Every channel attempt gets one record, every request exactly one
// terminal record. Recording is best-effort: a storage failure is
// logged and never blocks delivery. The dispatch path writes here and
// never reads back.
package audit

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"pigeon/internal/eventbus"
	"pigeon/internal/metrics"
	"pigeon/internal/notify"
	"pigeon/internal/storage"
	logx "pigeon/pkg/logx"
)

// terminalGuardTTL bounds the memory of the at-most-once guard. Queue
// removal on terminal keeps requests from re-entering after this.
const terminalGuardTTL = 24 * time.Hour

// Recorder writes audit records and publishes the matching bus events.
type Recorder struct {
	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus
	met   *metrics.Metrics

	terminalSeen *cache.Cache // requestID -> state
}

func New(store storage.Store, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	return &Recorder{
		log:          log,
		store:        store,
		bus:          bus,
		met:          met,
		terminalSeen: cache.New(terminalGuardTTL, time.Hour),
	}
}

// Attempt records one channel delivery attempt.
func (r *Recorder) Attempt(ctx context.Context, requestID, userID, channel string, attempt int, sendErr error) {
	rec := storage.AuditRecord{
		RequestID: requestID,
		UserID:    userID,
		Kind:      storage.AuditAttempt,
		Channel:   channel,
		Attempt:   attempt,
		Outcome:   "success",
		At:        time.Now(),
	}
	if sendErr != nil {
		rec.Outcome = "failure"
		rec.Reason = sendErr.Error()
	}
	r.append(ctx, rec)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "channel.attempt", Time: rec.At, Data: map[string]any{
			"request_id": requestID,
			"channel":    channel,
			"attempt":    attempt,
			"outcome":    rec.Outcome,
		}})
	}
}

// Event records an informational pipeline event (merged_into, deferred,
// digested, rate_limited, ...).
func (r *Recorder) Event(ctx context.Context, requestID, userID, outcome, reason string) {
	r.append(ctx, storage.AuditRecord{
		RequestID: requestID,
		UserID:    userID,
		Kind:      storage.AuditEvent,
		Outcome:   outcome,
		Reason:    reason,
		At:        time.Now(),
	})
}

// Terminal records the request's terminal state. It returns false when
// the request already reached one; terminal states are recorded at most
// once per request.
func (r *Recorder) Terminal(ctx context.Context, req notify.Request, state notify.State, channel, reason string) bool {
	if err := r.terminalSeen.Add(req.ID, string(state), cache.DefaultExpiration); err != nil {
		prev, _ := r.terminalSeen.Get(req.ID)
		r.log.Debug("terminal already recorded",
			logx.String("request_id", req.ID),
			logx.Any("state", prev),
			logx.String("dropped", string(state)))
		return false
	}

	at := time.Now()
	r.append(ctx, storage.AuditRecord{
		RequestID: req.ID,
		UserID:    req.UserID,
		Kind:      storage.AuditTerminal,
		Channel:   channel,
		Outcome:   string(state),
		Reason:    reason,
		At:        at,
	})
	r.met.TerminalTotal.WithLabelValues(string(state)).Inc()
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "notify.terminal", Time: at, Data: notify.Terminal{
			RequestID: req.ID,
			UserID:    req.UserID,
			Type:      req.Type,
			State:     state,
			Reason:    reason,
			Channel:   channel,
			At:        at,
		}})
	}
	return true
}

// HasTerminal reports whether a terminal state was already recorded in
// this process.
func (r *Recorder) HasTerminal(requestID string) bool {
	_, ok := r.terminalSeen.Get(requestID)
	return ok
}

// ByRequest returns the full trail for one request, oldest first.
func (r *Recorder) ByRequest(ctx context.Context, requestID string) ([]storage.AuditRecord, error) {
	return r.store.AuditByRequest(ctx, requestID)
}

func (r *Recorder) append(ctx context.Context, rec storage.AuditRecord) {
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		r.log.Error("audit append failed",
			logx.String("request_id", rec.RequestID),
			logx.String("kind", rec.Kind),
			logx.Err(err))
	}
}
