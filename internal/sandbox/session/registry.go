package session

import (
	"sync"
	"time"
)

// Registry is the shared in-memory session table. Map access is guarded by
// one RWMutex; per-key mutexes serialize the check-then-act sequences that
// span provisioning, so at most one sandbox is ever created per key.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// KeyLock returns the mutex serializing operations on one session key.
// Locks are never removed; the set of keys is small and bounded by use.
func (r *Registry) KeyLock(key string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

// Get returns the session for a key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[key]
	return s, ok
}

// Put registers a session under its key.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Key] = s
}

// Delete removes a session entry.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Touch refreshes a session's last-activity timestamp.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		s.LastActivity = time.Now()
	}
}

// CountByUser returns the number of sessions owned by a user.
func (r *Registry) CountByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, s := range r.sessions {
		if s.UserID == userID {
			count++
		}
	}
	return count
}

// LeastRecentlyActive returns the session with the oldest last-activity
// timestamp, excluding the given key. Used for quota eviction.
func (r *Registry) LeastRecentlyActive(excludeKey string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var victim *Session
	for key, s := range r.sessions {
		if key == excludeKey {
			continue
		}
		if victim == nil || s.LastActivity.Before(victim.LastActivity) {
			victim = s
		}
	}
	return victim
}

// LeastRecentlyActiveByUser is LeastRecentlyActive restricted to one user.
func (r *Registry) LeastRecentlyActiveByUser(userID, excludeKey string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var victim *Session
	for key, s := range r.sessions {
		if key == excludeKey || s.UserID != userID {
			continue
		}
		if victim == nil || s.LastActivity.Before(victim.LastActivity) {
			victim = s
		}
	}
	return victim
}
