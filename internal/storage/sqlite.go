//go:build !nosqlite
// +build !nosqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"pigeon/internal/notify"
	logx "pigeon/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("storage: sqlite ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit (request_id, user_id, kind, channel, attempt, outcome, reason, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, nullStr(rec.UserID), rec.Kind, nullStr(rec.Channel),
		rec.Attempt, rec.Outcome, nullStr(rec.Reason), at.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) AuditByRequest(ctx context.Context, requestID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, user_id, kind, channel, attempt, outcome, reason, at
FROM audit WHERE request_id = ? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var userID, channel, reason sql.NullString
		var at string
		if err := rows.Scan(&rec.RequestID, &userID, &rec.Kind, &channel, &rec.Attempt, &rec.Outcome, &reason, &at); err != nil {
			return nil, err
		}
		rec.UserID = userID.String
		rec.Channel = channel.String
		rec.Reason = reason.String
		if ts, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			rec.At = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Enqueue(ctx context.Context, ent QueueEntry) error {
	payload, err := json.Marshal(ent.Request)
	if err != nil {
		return err
	}
	// Re-enqueueing an already queued request keeps the existing row.
	_, err = s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO queue (user_id, request_id, payload, enqueued_at, expires_at, redeliver_at, attempts)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ent.UserID, ent.RequestID, string(payload),
		ent.EnqueuedAt.UnixMilli(), ent.ExpiresAt.UnixMilli(), ent.RedeliverAt.UnixMilli(), ent.Attempts)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, request_id, payload, enqueued_at, expires_at, redeliver_at, attempts
FROM queue WHERE redeliver_at <= ? AND expires_at > ?
ORDER BY redeliver_at ASC LIMIT ?`, now.UnixMilli(), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueRows(rows)
}

func (s *sqliteStore) Expired(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, request_id, payload, enqueued_at, expires_at, redeliver_at, attempts
FROM queue WHERE expires_at <= ?
ORDER BY expires_at ASC LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueRows(rows)
}

func (s *sqliteStore) Reschedule(ctx context.Context, userID, requestID string, redeliverAt time.Time, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue SET redeliver_at = ?, attempts = ? WHERE user_id = ? AND request_id = ?`,
		redeliverAt.UnixMilli(), attempts, userID, requestID)
	return err
}

func (s *sqliteStore) Remove(ctx context.Context, userID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE user_id = ? AND request_id = ?`, userID, requestID)
	return err
}

func (s *sqliteStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n)
	return n, err
}

func (s *sqliteStore) AppendDigest(ctx context.Context, ent DigestEntry) error {
	payload, err := json.Marshal(ent.Request)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO digest (user_id, request_id, payload, appended_at, expires_at)
VALUES (?, ?, ?, ?, ?)`,
		ent.UserID, ent.RequestID, string(payload), ent.AppendedAt.UnixMilli(), ent.ExpiresAt.UnixMilli())
	return err
}

func (s *sqliteStore) DigestAll(ctx context.Context) ([]DigestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, request_id, payload, appended_at, expires_at
FROM digest ORDER BY appended_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DigestEntry
	for rows.Next() {
		var ent DigestEntry
		var payload string
		var appendedAt, expiresAt int64
		if err := rows.Scan(&ent.UserID, &ent.RequestID, &payload, &appendedAt, &expiresAt); err != nil {
			return nil, err
		}
		var req notify.Request
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			s.log.Warn("storage: dropping unreadable digest row",
				logx.String("request_id", ent.RequestID), logx.Err(err))
			continue
		}
		ent.Request = req
		ent.AppendedAt = time.UnixMilli(appendedAt)
		ent.ExpiresAt = time.UnixMilli(expiresAt)
		out = append(out, ent)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveDigest(ctx context.Context, userID string, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range requestIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM digest WHERE user_id = ? AND request_id = ?`, userID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetPreference(ctx context.Context, userID string) (Preference, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM prefs WHERE user_id = ?`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, false, nil
	}
	if err != nil {
		return Preference{}, false, err
	}
	var p Preference
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Preference{}, false, err
	}
	p.UserID = userID
	return p, true, nil
}

func (s *sqliteStore) PutPreference(ctx context.Context, p Preference) error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("preference user id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO prefs (user_id, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		p.UserID, string(payload), p.UpdatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// maybePrune drops long-expired queue rows in the background every pruneEvery
// writes. The sweeper already purges expired entries; this catches rows left
// behind while the sweeper was not running.
func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE expires_at <= ?`, cutoff); err != nil {
			s.log.Debug("storage: prune skipped", logx.Err(err))
		}
	}()
}

func scanQueueRows(rows *sql.Rows) ([]QueueEntry, error) {
	var out []QueueEntry
	for rows.Next() {
		var ent QueueEntry
		var payload string
		var enqueuedAt, expiresAt, redeliverAt int64
		if err := rows.Scan(&ent.UserID, &ent.RequestID, &payload, &enqueuedAt, &expiresAt, &redeliverAt, &ent.Attempts); err != nil {
			return nil, err
		}
		var req notify.Request
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			// Unreadable payloads stay queued until they expire.
			continue
		}
		ent.Request = req
		ent.EnqueuedAt = time.UnixMilli(enqueuedAt)
		ent.ExpiresAt = time.UnixMilli(expiresAt)
		ent.RedeliverAt = time.UnixMilli(redeliverAt)
		out = append(out, ent)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
