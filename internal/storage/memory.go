package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. It backs tests and
// throwaway setups; nothing survives a restart.
type memoryStore struct {
	mu     sync.RWMutex
	closed bool

	audit  []AuditRecord
	queue  map[string]QueueEntry
	digest map[string]DigestEntry
	prefs  map[string]Preference
}

// NewMemory returns a Store with no persistence.
func NewMemory() Store {
	return &memoryStore{
		queue:  map[string]QueueEntry{},
		digest: map[string]DigestEntry{},
		prefs:  map[string]Preference{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_ = ctx
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, rec)
	return nil
}

func (s *memoryStore) AuditByRequest(ctx context.Context, requestID string) ([]AuditRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []AuditRecord
	for _, rec := range s.audit {
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memoryStore) Enqueue(ctx context.Context, ent QueueEntry) error {
	_ = ctx
	key := stateKey(ent.UserID, ent.RequestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.queue[key]; ok {
		return nil
	}
	s.queue[key] = ent
	return nil
}

func (s *memoryStore) Due(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 64
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
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

func (s *memoryStore) Expired(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 64
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
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

func (s *memoryStore) Reschedule(ctx context.Context, userID, requestID string, redeliverAt time.Time, attempts int) error {
	_ = ctx
	key := stateKey(userID, requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	ent, ok := s.queue[key]
	if !ok {
		return nil
	}
	ent.RedeliverAt = redeliverAt
	ent.Attempts = attempts
	s.queue[key] = ent
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, userID, requestID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.queue, stateKey(userID, requestID))
	return nil
}

func (s *memoryStore) QueueDepth(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.queue), nil
}

func (s *memoryStore) AppendDigest(ctx context.Context, ent DigestEntry) error {
	_ = ctx
	key := stateKey(ent.UserID, ent.RequestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.digest[key]; ok {
		return nil
	}
	s.digest[key] = ent
	return nil
}

func (s *memoryStore) DigestAll(ctx context.Context) ([]DigestEntry, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]DigestEntry, 0, len(s.digest))
	for _, ent := range s.digest {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppendedAt.Before(out[j].AppendedAt) })
	return out, nil
}

func (s *memoryStore) RemoveDigest(ctx context.Context, userID string, requestIDs []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, id := range requestIDs {
		delete(s.digest, stateKey(userID, id))
	}
	return nil
}

func (s *memoryStore) GetPreference(ctx context.Context, userID string) (Preference, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Preference{}, false, ErrClosed
	}
	p, ok := s.prefs[userID]
	return p, ok, nil
}

func (s *memoryStore) PutPreference(ctx context.Context, p Preference) error {
	_ = ctx
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("preference user id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.prefs[p.UserID] = p
	return nil
}
