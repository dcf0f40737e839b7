package attendance

import (
	"sync"
	"time"
)

// Registry is the process-wide map of live sessions. It only guards the map
// itself; per-session mutation is serialized by each session's own lock.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	schedule map[string]string // scheduleID -> current sessionID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Session),
		schedule: make(map[string]string),
	}
}

// Create builds and registers a session for the schedule slot. At most one
// active session may exist per scheduleID; forceNew supersedes the previous
// one instead of failing. The bool reports whether a prior session was
// superseded.
func (r *Registry) Create(scheduleID, teacherID string, lat, lng float64, roster []EligibleStudent, policy Policy, forceNew bool, now time.Time) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	superseded := false
	if prevID, ok := r.schedule[scheduleID]; ok {
		if prev := r.byID[prevID]; prev != nil && prev.active() {
			if !forceNew {
				return nil, false, ErrDuplicateActiveSession
			}
			prev.Supersede(now)
			superseded = true
		}
	}

	s := newSession(scheduleID, teacherID, lat, lng, roster, policy, now)
	r.byID[s.ID] = s
	r.schedule[scheduleID] = s.ID
	return s, superseded, nil
}

// Get looks up a session by id. Retired sessions stay inspectable.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Retire drops the session from the active schedule index. Idempotent; the
// session itself remains readable by id.
func (r *Registry) Retire(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return
	}
	if cur, ok := r.schedule[s.ScheduleID]; ok && cur == sessionID {
		delete(r.schedule, s.ScheduleID)
	}
}

// Len reports how many sessions the registry knows about.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
