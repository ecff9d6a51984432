package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anonamoose/gateway/internal/apierr"
	"github.com/anonamoose/gateway/internal/logger"
)

// LocalBackend is the in-process Backend: a mutex-guarded map with
// periodic expired-sweep and oldest-10%-by-createdAt eviction at capacity
// (§4.7 "local").
type LocalBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	capacity int

	evicted int64
	expired int64

	log    *logger.Logger
	stopCh chan struct{}
}

// NewLocalBackend returns a LocalBackend capped at capacity sessions
// (MAX_LOCAL_SESSIONS, default 10,000) and starts its background sweep.
func NewLocalBackend(capacity int, log *logger.Logger) *LocalBackend {
	if capacity <= 0 {
		capacity = 10_000
	}
	b := &LocalBackend{
		sessions: make(map[string]*Session),
		capacity: capacity,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

func (b *LocalBackend) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepExpired()
		case <-b.stopCh:
			return
		}
	}
}

func (b *LocalBackend) sweepExpired() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sess := range b.sessions {
		if now.After(sess.ExpiresAt) {
			delete(b.sessions, id)
			b.expired++
		}
	}
}

func (b *LocalBackend) Store(_ context.Context, sessionID string, bindings []TokenBinding, ttl time.Duration) (*Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, apierr.InvalidSessionID(sessionID)
	}
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, CreatedAt: now}
		b.sessions[sessionID] = sess
	}

	existingOriginals := sess.originals()
	for _, bind := range bindings {
		if existingOriginals[bind.Original] {
			continue
		}
		sess.Bindings = append(sess.Bindings, bind)
		existingOriginals[bind.Original] = true
	}
	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(ttl)

	b.evictIfOverCapacityLocked()

	return cloneSession(sess), nil
}

func (b *LocalBackend) Retrieve(_ context.Context, sessionID string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(b.sessions, sessionID)
		b.expired++
		return nil, nil
	}
	sess.LastAccessedAt = time.Now()
	return cloneSession(sess), nil
}

func (b *LocalBackend) Delete(_ context.Context, sessionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(b.sessions, sessionID)
	return true, nil
}

func (b *LocalBackend) DeleteAll(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.sessions)
	b.sessions = make(map[string]*Session)
	return n, nil
}

func (b *LocalBackend) Extend(_ context.Context, sessionID string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return false, nil
	}
	sess.ExpiresAt = time.Now().Add(ttl)
	return true, nil
}

func (b *LocalBackend) Size(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions), nil
}

func (b *LocalBackend) GetAllSessions(_ context.Context) ([]*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		out = append(out, cloneSession(sess))
	}
	return out, nil
}

func (b *LocalBackend) Search(_ context.Context, query string) ([]*Session, error) {
	q := strings.ToLower(query)
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Session
	for _, sess := range b.sessions {
		if sessionMatches(sess, q) {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (b *LocalBackend) GetStorageStats(_ context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bindingCount := 0
	for _, sess := range b.sessions {
		bindingCount += len(sess.Bindings)
	}
	return Stats{
		Backend:      "local",
		SessionCount: len(b.sessions),
		BindingCount: bindingCount,
		EvictedTotal: b.evicted,
		ExpiredTotal: b.expired,
	}, nil
}

func (b *LocalBackend) Close() error {
	close(b.stopCh)
	return nil
}

// evictIfOverCapacityLocked removes the oldest 10% of sessions by createdAt
// once the map reaches capacity (§4.7, §5 "Capacity protection"). Caller
// must hold b.mu.
func (b *LocalBackend) evictIfOverCapacityLocked() {
	if len(b.sessions) < b.capacity {
		return
	}
	ordered := make([]*Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		ordered = append(ordered, sess)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	evictCount := b.capacity / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(ordered); i++ {
		delete(b.sessions, ordered[i].ID)
		b.evicted++
	}
	if b.log != nil {
		b.log.Warnf("EVICT", "capacity exceeded, evicted %d oldest sessions", evictCount)
	}
}

func sessionMatches(sess *Session, lowerQuery string) bool {
	if strings.Contains(strings.ToLower(sess.ID), lowerQuery) {
		return true
	}
	for _, b := range sess.Bindings {
		if strings.Contains(strings.ToLower(b.Original), lowerQuery) ||
			strings.Contains(strings.ToLower(b.Category), lowerQuery) {
			return true
		}
	}
	return false
}

func cloneSession(sess *Session) *Session {
	out := &Session{
		ID:             sess.ID,
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.LastAccessedAt,
		ExpiresAt:      sess.ExpiresAt,
		Bindings:       make([]TokenBinding, len(sess.Bindings)),
	}
	copy(out.Bindings, sess.Bindings)
	return out
}
