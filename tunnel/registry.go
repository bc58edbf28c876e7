package tunnel

import (
	"sync"

	"go.uber.org/multierr"
)

// Registry tracks live sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

// Remove unregisters exactly s, reporting whether it was present.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sessions {
		if existing == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the first session matching info.
func (r *Registry) Find(info Info) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.info.Matches(info) {
			return s, true
		}
	}
	return nil, false
}

// Take removes and returns the first session matching info.
func (r *Registry) Take(info Info) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sessions {
		if s.info.Matches(info) {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return s, true
		}
	}
	return nil, false
}

// TakeAll removes and returns every session accepted by keep. A nil keep
// takes every session.
func (r *Registry) TakeAll(keep func(*Session) bool) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var taken, remaining []*Session
	for _, s := range r.sessions {
		if keep == nil || keep(s) {
			taken = append(taken, s)
		} else {
			remaining = append(remaining, s)
		}
	}
	r.sessions = remaining
	return taken
}

// List returns a snapshot of registered sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DisconnectAll disconnects every session, continuing past failures, and
// returns the combined error.
func DisconnectAll(sessions []*Session) error {
	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Disconnect())
	}
	return err
}
