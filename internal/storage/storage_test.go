package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pigeon/internal/notify"
	logx "pigeon/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	cfg := Config{Driver: driver}
	if driver != "memory" {
		cfg.Path = filepath.Join(t.TempDir(), "pigeon.db")
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func eachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			fn(t, openTestStore(t, driver))
		})
	}
}

func queueEntry(userID, requestID string, redeliverAt, expiresAt time.Time) QueueEntry {
	return QueueEntry{
		UserID:    userID,
		RequestID: requestID,
		Request: notify.Request{
			ID:       requestID,
			UserID:   userID,
			Type:     "comment",
			Title:    "hello",
			Priority: notify.PriorityNormal,
		},
		EnqueuedAt:  redeliverAt.Add(-time.Minute),
		ExpiresAt:   expiresAt,
		RedeliverAt: redeliverAt,
	}
}

func TestQueueLifecycle(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()

		if err := st.Enqueue(ctx, queueEntry("u1", "r1", now.Add(-time.Second), now.Add(time.Hour))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := st.Enqueue(ctx, queueEntry("u1", "r2", now.Add(time.Hour), now.Add(2*time.Hour))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		depth, err := st.QueueDepth(ctx)
		if err != nil || depth != 2 {
			t.Fatalf("QueueDepth = %d, %v; want 2, nil", depth, err)
		}

		due, err := st.Due(ctx, now, 10)
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 1 || due[0].RequestID != "r1" {
			t.Fatalf("Due = %+v; want just r1", due)
		}

		// Rescheduling pushes the entry out of the due set.
		if err := st.Reschedule(ctx, "u1", "r1", now.Add(time.Hour), 1); err != nil {
			t.Fatalf("Reschedule: %v", err)
		}
		due, err = st.Due(ctx, now, 10)
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("Due after reschedule = %+v; want empty", due)
		}

		if err := st.Remove(ctx, "u1", "r1"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		depth, err = st.QueueDepth(ctx)
		if err != nil || depth != 1 {
			t.Fatalf("QueueDepth after remove = %d, %v; want 1, nil", depth, err)
		}
	})
}

func TestEnqueueKeepsExistingEntry(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()

		first := queueEntry("u1", "r1", now, now.Add(time.Hour))
		first.Attempts = 3
		if err := st.Enqueue(ctx, first); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		second := queueEntry("u1", "r1", now, now.Add(time.Hour))
		second.Attempts = 0
		if err := st.Enqueue(ctx, second); err != nil {
			t.Fatalf("Enqueue (dup): %v", err)
		}

		due, err := st.Due(ctx, now.Add(time.Second), 10)
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 1 || due[0].Attempts != 3 {
			t.Fatalf("Due = %+v; want single entry with attempts=3", due)
		}
	})
}

func TestDueExcludesExpired(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()

		if err := st.Enqueue(ctx, queueEntry("u1", "live", now.Add(-time.Minute), now.Add(time.Hour))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := st.Enqueue(ctx, queueEntry("u1", "stale", now.Add(-time.Minute), now.Add(-time.Second))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		due, err := st.Due(ctx, now, 10)
		if err != nil {
			t.Fatalf("Due: %v", err)
		}
		if len(due) != 1 || due[0].RequestID != "live" {
			t.Fatalf("Due = %+v; want just live", due)
		}

		expired, err := st.Expired(ctx, now, 10)
		if err != nil {
			t.Fatalf("Expired: %v", err)
		}
		if len(expired) != 1 || expired[0].RequestID != "stale" {
			t.Fatalf("Expired = %+v; want just stale", expired)
		}
	})
}

func TestAuditAppendAndFetch(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		recs := []AuditRecord{
			{RequestID: "r1", UserID: "u1", Kind: AuditAttempt, Channel: "push", Attempt: 1, Outcome: "failure", Reason: "timeout"},
			{RequestID: "r1", UserID: "u1", Kind: AuditAttempt, Channel: "socket", Attempt: 1, Outcome: "success"},
			{RequestID: "r1", UserID: "u1", Kind: AuditTerminal, Outcome: "delivered", Channel: "socket"},
			{RequestID: "r2", UserID: "u2", Kind: AuditTerminal, Outcome: "expired"},
		}
		for _, rec := range recs {
			if err := st.AppendAudit(ctx, rec); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		}

		got, err := st.AuditByRequest(ctx, "r1")
		if err != nil {
			t.Fatalf("AuditByRequest: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("AuditByRequest(r1) returned %d records; want 3", len(got))
		}
		if got[0].Channel != "push" || got[1].Channel != "socket" || got[2].Kind != AuditTerminal {
			t.Fatalf("records out of order: %+v", got)
		}
		if got[0].At.IsZero() {
			t.Fatalf("timestamp not defaulted on append")
		}

		none, err := st.AuditByRequest(ctx, "missing")
		if err != nil {
			t.Fatalf("AuditByRequest(missing): %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("AuditByRequest(missing) = %+v; want empty", none)
		}
	})
}

func TestDigestBuffer(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()

		for i, id := range []string{"d1", "d2", "d3"} {
			ent := DigestEntry{
				UserID:     "u1",
				RequestID:  id,
				Request:    notify.Request{ID: id, UserID: "u1", Type: "like", Title: "x"},
				AppendedAt: now.Add(time.Duration(i) * time.Second),
				ExpiresAt:  now.Add(time.Hour),
			}
			if err := st.AppendDigest(ctx, ent); err != nil {
				t.Fatalf("AppendDigest: %v", err)
			}
		}

		all, err := st.DigestAll(ctx)
		if err != nil {
			t.Fatalf("DigestAll: %v", err)
		}
		if len(all) != 3 || all[0].RequestID != "d1" || all[2].RequestID != "d3" {
			t.Fatalf("DigestAll = %+v; want d1..d3 in append order", all)
		}

		if err := st.RemoveDigest(ctx, "u1", []string{"d1", "d3"}); err != nil {
			t.Fatalf("RemoveDigest: %v", err)
		}
		all, err = st.DigestAll(ctx)
		if err != nil {
			t.Fatalf("DigestAll: %v", err)
		}
		if len(all) != 1 || all[0].RequestID != "d2" {
			t.Fatalf("DigestAll after remove = %+v; want just d2", all)
		}
	})
}

func TestPreferenceRoundtrip(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		if _, ok, err := st.GetPreference(ctx, "u1"); err != nil || ok {
			t.Fatalf("GetPreference(missing) = ok=%v err=%v; want ok=false err=nil", ok, err)
		}

		pref := Preference{
			UserID:          "u1",
			Channels:        map[string]bool{"push": false, "relay": true},
			QuietHoursStart: "22:00",
			QuietHoursEnd:   "07:00",
			DigestMode:      true,
		}
		if err := st.PutPreference(ctx, pref); err != nil {
			t.Fatalf("PutPreference: %v", err)
		}

		got, ok, err := st.GetPreference(ctx, "u1")
		if err != nil || !ok {
			t.Fatalf("GetPreference = ok=%v err=%v; want ok=true err=nil", ok, err)
		}
		if got.QuietHoursStart != "22:00" || !got.DigestMode || got.Channels["push"] {
			t.Fatalf("GetPreference = %+v; want stored preference back", got)
		}
		if got.UpdatedAt.IsZero() {
			t.Fatalf("UpdatedAt not defaulted on put")
		}

		// Overwrite wins.
		pref.DigestMode = false
		if err := st.PutPreference(ctx, pref); err != nil {
			t.Fatalf("PutPreference (overwrite): %v", err)
		}
		got, _, err = st.GetPreference(ctx, "u1")
		if err != nil || got.DigestMode {
			t.Fatalf("GetPreference after overwrite = %+v err=%v; want DigestMode=false", got, err)
		}
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "pigeon.db")
	ctx := context.Background()
	now := time.Now()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Enqueue(ctx, queueEntry("u1", "r1", now, now.Add(time.Hour))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := st.AppendDigest(ctx, DigestEntry{
		UserID: "u1", RequestID: "d1",
		Request:    notify.Request{ID: "d1", UserID: "u1", Type: "like", Title: "x"},
		AppendedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("AppendDigest: %v", err)
	}
	if err := st.PutPreference(ctx, Preference{UserID: "u1", DigestMode: true}); err != nil {
		t.Fatalf("PutPreference: %v", err)
	}
	if err := st.AppendAudit(ctx, AuditRecord{RequestID: "r1", Kind: AuditAttempt, Channel: "push", Attempt: 1, Outcome: "failure"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	depth, err := st.QueueDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("QueueDepth after reopen = %d, %v; want 1, nil", depth, err)
	}
	due, err := st.Due(ctx, now.Add(time.Second), 10)
	if err != nil || len(due) != 1 || due[0].Request.Title != "hello" {
		t.Fatalf("Due after reopen = %+v, %v; want r1 with payload intact", due, err)
	}
	all, err := st.DigestAll(ctx)
	if err != nil || len(all) != 1 || all[0].RequestID != "d1" {
		t.Fatalf("DigestAll after reopen = %+v, %v; want just d1", all, err)
	}
	pref, ok, err := st.GetPreference(ctx, "u1")
	if err != nil || !ok || !pref.DigestMode {
		t.Fatalf("GetPreference after reopen = %+v ok=%v err=%v", pref, ok, err)
	}
	audit, err := st.AuditByRequest(ctx, "r1")
	if err != nil || len(audit) != 1 {
		t.Fatalf("AuditByRequest after reopen = %+v, %v; want 1 record", audit, err)
	}
}
