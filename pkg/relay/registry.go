package relay

import (
	"sync"
)

// Registry is the process-wide table of live sessions, keyed by room id.
// Sessions are created on first reference and removed exactly once, by a
// completed grace teardown.
type Registry struct {
	lock     sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, inserting a fresh one atomically
// when absent. Concurrent calls for the same id observe the same instance;
// created reports whether this call inserted it.
func (r *Registry) GetOrCreate(id string) (sess *Session, created bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	sess = r.sessions[id]
	if sess == nil {
		sess = newSession(id)
		r.sessions[id] = sess
		created = true
	}
	return sess, created
}

func (r *Registry) Get(id string) *Session {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.sessions[id]
}

func (r *Registry) Remove(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.sessions, id)
}

// RemoveIfEmpty removes the session only while it still has no members. The
// emptiness check runs under the registry lock so removal and the check are
// one step. Reports whether the session was removed.
func (r *Registry) RemoveIfEmpty(id string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	sess := r.sessions[id]
	if sess == nil || sess.NumClients() > 0 {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *Registry) NumSessions() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}
