package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "pigeon/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (periodic snapshot of queue/digest/prefs)
//   - <prefix>.state.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	snapshotPath string
	journalFile  *os.File

	queue  map[string]QueueEntry  // key: userID|requestID
	digest map[string]DigestEntry // key: userID|requestID
	prefs  map[string]Preference

	stateWrites int
}

type journalRecord struct {
	Op string `json:"op"`

	Queue  *QueueEntry  `json:"queue,omitempty"`
	Digest *DigestEntry `json:"digest,omitempty"`
	Pref   *Preference  `json:"pref,omitempty"`

	UserID      string   `json:"user_id,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
	RequestIDs  []string `json:"request_ids,omitempty"`
	RedeliverAt int64    `json:"redeliver_at,omitempty"`
	Attempts    int      `json:"attempts,omitempty"`
}

type fileSnapshot struct {
	Queue  []QueueEntry  `json:"queue"`
	Digest []DigestEntry `json:"digest"`
	Prefs  []Preference  `json:"prefs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := &fileStore{
		log:          log,
		auditPath:    auditPath,
		auditFile:    af,
		snapshotPath: snapPath,
		queue:        map[string]QueueEntry{},
		digest:       map[string]DigestEntry{},
		prefs:        map[string]Preference{},
	}
	// Queue entries past their TTL are NOT pruned here: the sweeper owns
	// expiry so every expired request still gets its terminal record.
	_ = st.loadSnapshot(snapPath)
	_ = st.replayJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	st.journalFile = jf

	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_ = ctx
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(rec)
}

func (s *fileStore) AuditByRequest(ctx context.Context, requestID string) ([]AuditRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrClosed
	}
	f, err := os.Open(s.auditPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []AuditRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	return out, sc.Err()
}

func (s *fileStore) Enqueue(ctx context.Context, ent QueueEntry) error {
	_ = ctx
	key := stateKey(ent.UserID, ent.RequestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	// Re-enqueueing an already queued request keeps the existing entry.
	if _, ok := s.queue[key]; ok {
		return nil
	}
	s.queue[key] = ent
	return s.appendJournalLocked(journalRecord{Op: "enqueue", Queue: &ent})
}

func (s *fileStore) Due(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 64
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueueEntry
	for _, ent := range s.queue {
		if !ent.RedeliverAt.After(now) && ent.ExpiresAt.After(now) {
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RedeliverAt.Before(out[j].RedeliverAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) Expired(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 64
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueueEntry
	for _, ent := range s.queue {
		if !ent.ExpiresAt.After(now) {
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) Reschedule(ctx context.Context, userID, requestID string, redeliverAt time.Time, attempts int) error {
	_ = ctx
	key := stateKey(userID, requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	ent, ok := s.queue[key]
	if !ok {
		return nil
	}
	ent.RedeliverAt = redeliverAt
	ent.Attempts = attempts
	s.queue[key] = ent
	return s.appendJournalLocked(journalRecord{
		Op: "reschedule", UserID: userID, RequestID: requestID,
		RedeliverAt: redeliverAt.UnixMilli(), Attempts: attempts,
	})
}

func (s *fileStore) Remove(ctx context.Context, userID, requestID string) error {
	_ = ctx
	key := stateKey(userID, requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.queue[key]; !ok {
		return nil
	}
	delete(s.queue, key)
	return s.appendJournalLocked(journalRecord{Op: "remove", UserID: userID, RequestID: requestID})
}

func (s *fileStore) QueueDepth(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *fileStore) AppendDigest(ctx context.Context, ent DigestEntry) error {
	_ = ctx
	key := stateKey(ent.UserID, ent.RequestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.digest[key]; ok {
		return nil
	}
	s.digest[key] = ent
	return s.appendJournalLocked(journalRecord{Op: "digest_add", Digest: &ent})
}

func (s *fileStore) DigestAll(ctx context.Context) ([]DigestEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DigestEntry, 0, len(s.digest))
	for _, ent := range s.digest {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppendedAt.Before(out[j].AppendedAt) })
	return out, nil
}

func (s *fileStore) RemoveDigest(ctx context.Context, userID string, requestIDs []string) error {
	_ = ctx
	if len(requestIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	removed := false
	for _, id := range requestIDs {
		key := stateKey(userID, id)
		if _, ok := s.digest[key]; ok {
			delete(s.digest, key)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return s.appendJournalLocked(journalRecord{Op: "digest_remove", UserID: userID, RequestIDs: requestIDs})
}

func (s *fileStore) GetPreference(ctx context.Context, userID string) (Preference, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	return p, ok, nil
}

func (s *fileStore) PutPreference(ctx context.Context, p Preference) error {
	_ = ctx
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("preference user id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.prefs[p.UserID] = p
	return s.appendJournalLocked(journalRecord{Op: "pref_put", Pref: &p})
}

func (s *fileStore) appendJournalLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.stateWrites++
	if s.stateWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage: state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Queue:  make([]QueueEntry, 0, len(s.queue)),
		Digest: make([]DigestEntry, 0, len(s.digest)),
		Prefs:  make([]Preference, 0, len(s.prefs)),
	}
	for _, ent := range s.queue {
		snap.Queue = append(snap.Queue, ent)
	}
	for _, ent := range s.digest {
		snap.Digest = append(snap.Digest, ent)
	}
	for _, p := range s.prefs {
		snap.Prefs = append(snap.Prefs, p)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekStart)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, ent := range snap.Queue {
		s.queue[stateKey(ent.UserID, ent.RequestID)] = ent
	}
	for _, ent := range snap.Digest {
		s.digest[stateKey(ent.UserID, ent.RequestID)] = ent
	}
	for _, p := range snap.Prefs {
		s.prefs[p.UserID] = p
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Op {
		case "enqueue":
			if rec.Queue != nil {
				s.queue[stateKey(rec.Queue.UserID, rec.Queue.RequestID)] = *rec.Queue
			}
		case "reschedule":
			key := stateKey(rec.UserID, rec.RequestID)
			if ent, ok := s.queue[key]; ok {
				ent.RedeliverAt = time.UnixMilli(rec.RedeliverAt)
				ent.Attempts = rec.Attempts
				s.queue[key] = ent
			}
		case "remove":
			delete(s.queue, stateKey(rec.UserID, rec.RequestID))
		case "digest_add":
			if rec.Digest != nil {
				s.digest[stateKey(rec.Digest.UserID, rec.Digest.RequestID)] = *rec.Digest
			}
		case "digest_remove":
			for _, id := range rec.RequestIDs {
				delete(s.digest, stateKey(rec.UserID, id))
			}
		case "pref_put":
			if rec.Pref != nil {
				s.prefs[rec.Pref.UserID] = *rec.Pref
			}
		}
	}
	return sc.Err()
}

func stateKey(userID, requestID string) string {
	return userID + "|" + requestID
}
