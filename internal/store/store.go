// Package store implements the rehydration store (§4.7): session-keyed
// persistence of token bindings, with local in-process and remote Redis
// backends behind one interface.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/anonamoose/gateway/internal/apierr"
	"github.com/anonamoose/gateway/internal/token"
)

// TokenBinding mirrors detect/pipeline's Binding: the token, its original
// value, the detector that produced it, and category/meta (§3).
type TokenBinding struct {
	Token        string            `json:"token"`
	Original     string            `json:"original"`
	DetectorKind string            `json:"detectorKind"`
	Category     string            `json:"category"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Session is a UUID-keyed, TTL-bounded collection of bindings (§3).
type Session struct {
	ID             string         `json:"id"`
	Bindings       []TokenBinding `json:"bindings"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
}

// originals returns the set of original values currently bound in the session.
func (s *Session) originals() map[string]bool {
	out := make(map[string]bool, len(s.Bindings))
	for _, b := range s.Bindings {
		out[b.Original] = true
	}
	return out
}

// Stats reports storage-backend-wide counters (§4.7 getStorageStats).
type Stats struct {
	Backend       string `json:"backend"`
	SessionCount  int    `json:"sessionCount"`
	BindingCount  int    `json:"bindingCount"`
	EvictedTotal  int64  `json:"evictedTotal"`
	ExpiredTotal  int64  `json:"expiredTotal"`
	ConnectedInfo string `json:"connectedInfo,omitempty"`
}

// Backend is the storage driver interface two concrete implementations
// (local, redis) satisfy (§4.7 "Storage backends").
type Backend interface {
	// Store upserts a session: appends only bindings whose Original isn't
	// already present, and resets expiresAt = now + ttl.
	Store(ctx context.Context, sessionID string, bindings []TokenBinding, ttl time.Duration) (*Session, error)
	// Retrieve returns the session, refreshing lastAccessedAt, or nil if
	// missing or expired.
	Retrieve(ctx context.Context, sessionID string) (*Session, error)
	Delete(ctx context.Context, sessionID string) (bool, error)
	DeleteAll(ctx context.Context) (int, error)
	Extend(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	Size(ctx context.Context) (int, error)
	GetAllSessions(ctx context.Context) ([]*Session, error)
	Search(ctx context.Context, query string) ([]*Session, error)
	GetStorageStats(ctx context.Context) (Stats, error)
	Close() error
}

// Store is the façade used by the mediator and management server. It validates
// session ids and performs token-substring rehydration, delegating
// persistence to the active Backend.
type Store struct {
	backend Backend
}

// New wraps backend in a Store.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// ValidSessionID reports whether id parses as a UUID.
func ValidSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Store upserts a session with the given bindings (§4.7 store). A malformed
// session id fails with apierr.InvalidSessionID rather than silently no-op'ing
// (§7: store is the one operation where an invalid id raises).
func (s *Store) Store(ctx context.Context, sessionID string, bindings []TokenBinding, ttl time.Duration) (*Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, apierr.InvalidSessionID(sessionID)
	}
	return s.backend.Store(ctx, sessionID, bindings, ttl)
}

// Retrieve returns the session or nil if missing/expired/invalid id.
func (s *Store) Retrieve(ctx context.Context, sessionID string) (*Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, nil
	}
	return s.backend.Retrieve(ctx, sessionID)
}

// Hydrate replaces every token substring in text with its bound original.
// Unknown tokens pass through unchanged; a missing session returns text
// verbatim (§4.7 hydrate, §7 propagation rule).
func (s *Store) Hydrate(ctx context.Context, text, sessionID string) (string, error) {
	if !ValidSessionID(sessionID) {
		return text, nil
	}
	sess, err := s.backend.Retrieve(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return text, nil
	}
	return hydrateText(text, sess.Bindings), nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, nil
	}
	return s.backend.Delete(ctx, sessionID)
}

func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	return s.backend.DeleteAll(ctx)
}

func (s *Store) Extend(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, nil
	}
	return s.backend.Extend(ctx, sessionID, ttl)
}

func (s *Store) Size(ctx context.Context) (int, error) {
	return s.backend.Size(ctx)
}

// GetAllSessions returns every live session sorted by createdAt descending.
func (s *Store) GetAllSessions(ctx context.Context) ([]*Session, error) {
	sessions, err := s.backend.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.After(sessions[j].CreatedAt) })
	return sessions, nil
}

func (s *Store) Search(ctx context.Context, query string) ([]*Session, error) {
	return s.backend.Search(ctx, query)
}

func (s *Store) GetStorageStats(ctx context.Context) (Stats, error) {
	return s.backend.GetStorageStats(ctx)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// hydrateText performs a single left-to-right pass, replacing every token
// substring in text with its bound original (I2). Unknown PUA-delimited
// tokens are left untouched.
func hydrateText(text string, bindings []TokenBinding) string {
	if len(bindings) == 0 {
		return text
	}
	lookup := make(map[string]string, len(bindings))
	for _, b := range bindings {
		lookup[b.Token] = b.Original
	}

	var out []rune
	runes := []rune(text)
	i := 0
	for i < len(runes) {
		if runes[i] != token.SentinelOpen {
			out = append(out, runes[i])
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && runes[j] != token.SentinelClose && runes[j] != token.SentinelOpen {
			j++
		}
		if j >= len(runes) || runes[j] != token.SentinelClose {
			out = append(out, runes[i])
			i++
			continue
		}
		candidate := string(runes[i : j+1])
		if original, ok := lookup[candidate]; ok && token.IsToken(candidate) {
			out = append(out, []rune(original)...)
		} else {
			out = append(out, runes[i:j+1]...)
		}
		i = j + 1
	}
	return string(out)
}
