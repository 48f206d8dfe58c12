package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// provisionalSessionTTL bounds a session opened before its token is issued.
	provisionalSessionTTL = 5 * time.Minute
	registryPruneInterval = time.Minute
)

type registryEntry struct {
	session   *Session
	expiresAt time.Time
}

// Registry tracks live sessions by identifier until their tokens expire.
type Registry struct {
	authenticator Authenticator
	logger        *zap.Logger
	now           func() time.Time

	mu         sync.RWMutex
	sessions   map[string]registryEntry
	lastPruned time.Time
}

// NewRegistry constructs an empty session registry.
func NewRegistry(authenticator Authenticator, logger *zap.Logger) (*Registry, error) {
	if authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		authenticator: authenticator,
		logger:        logger,
		now:           time.Now,
		sessions:      make(map[string]registryEntry),
	}, nil
}

// Open creates and tracks a new anonymous session. It expires shortly unless
// ExpireAt extends it once a token is issued.
func (r *Registry) Open() (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	session, err := NewSession(id.String(), r.authenticator, r.logger)
	if err != nil {
		return nil, err
	}
	now := r.now()
	r.mu.Lock()
	r.pruneLocked(now)
	r.sessions[session.ID()] = registryEntry{session: session, expiresAt: now.Add(provisionalSessionTTL)}
	r.mu.Unlock()
	return session, nil
}

// Lookup returns the tracked, unexpired session with the given id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[id]
	if !ok || !now.Before(entry.expiresAt) {
		return nil, false
	}
	return entry.session, true
}

// Ensure returns the tracked session for id, creating it when absent or expired.
// expiresAt is the expiry of the token naming the session.
func (r *Registry) Ensure(id string, expiresAt time.Time) (*Session, error) {
	if session, ok := r.Lookup(id); ok {
		return session, nil
	}
	session, err := NewSession(id, r.authenticator, r.logger)
	if err != nil {
		return nil, err
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	if existing, ok := r.sessions[id]; ok && now.Before(existing.expiresAt) {
		return existing.session, nil
	}
	r.sessions[id] = registryEntry{session: session, expiresAt: expiresAt}
	return session, nil
}

// ExpireAt sets when the tracked session is dropped.
func (r *Registry) ExpireAt(id string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return
	}
	entry.expiresAt = expiresAt
	r.sessions[id] = entry
}

// Forget stops tracking the session.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Prune drops every expired session and reports how many were removed.
func (r *Registry) Prune() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPruned = time.Time{}
	return r.pruneLocked(now)
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) pruneLocked(now time.Time) int {
	if now.Sub(r.lastPruned) < registryPruneInterval {
		return 0
	}
	r.lastPruned = now
	removed := 0
	for id, entry := range r.sessions {
		if !now.Before(entry.expiresAt) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("expired sessions pruned", zap.Int("count", removed))
	}
	return removed
}
