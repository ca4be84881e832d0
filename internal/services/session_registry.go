package services

import (
	"context"
	"sync"
	"time"
)

// DefaultCancelGrace is how long a cancellation keeps suppressing updates
// from dispatches that started before it.
const DefaultCancelGrace = 2 * time.Second

type trackedDispatch struct {
	started time.Time
	cancel  context.CancelFunc
}

// SessionRegistry tracks in-flight dispatches per session so a session can
// be cancelled out of band. After a cancellation, updates from dispatches
// that started before it are suppressed for the grace window; dispatches
// started afterwards are unaffected.
type SessionRegistry struct {
	grace time.Duration
	now   func() time.Time

	mu        sync.Mutex
	seq       uint64
	inflight  map[string]map[uint64]trackedDispatch
	cancelled map[string]time.Time
}

// NewSessionRegistry creates a registry with the given grace window.
func NewSessionRegistry(grace time.Duration) *SessionRegistry {
	return &SessionRegistry{
		grace:     grace,
		now:       time.Now,
		inflight:  make(map[string]map[uint64]trackedDispatch),
		cancelled: make(map[string]time.Time),
	}
}

// Track registers a dispatch for sessionID. It returns the start time used
// by Suppressed and a release func to call when the dispatch ends.
func (r *SessionRegistry) Track(sessionID string, cancel context.CancelFunc) (time.Time, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	id := r.seq
	started := r.now()
	if r.inflight[sessionID] == nil {
		r.inflight[sessionID] = make(map[uint64]trackedDispatch)
	}
	r.inflight[sessionID][id] = trackedDispatch{started: started, cancel: cancel}

	return started, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.inflight[sessionID], id)
		if len(r.inflight[sessionID]) == 0 {
			delete(r.inflight, sessionID)
		}
	}
}

// Cancel cancels every in-flight dispatch of sessionID and reports how many
// there were.
func (r *SessionRegistry) Cancel(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gc()
	r.cancelled[sessionID] = r.now()
	n := 0
	for _, d := range r.inflight[sessionID] {
		if d.cancel != nil {
			d.cancel()
		}
		n++
	}
	return n
}

// Suppressed reports whether updates of a dispatch of sessionID that started
// at started must be dropped.
func (r *SessionRegistry) Suppressed(sessionID string, started time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.cancelled[sessionID]
	if !ok {
		return false
	}
	if r.now().Sub(at) > r.grace {
		delete(r.cancelled, sessionID)
		return false
	}
	return !started.After(at)
}

// InFlight returns the number of tracked dispatches of sessionID.
func (r *SessionRegistry) InFlight(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight[sessionID])
}

func (r *SessionRegistry) gc() {
	now := r.now()
	for id, at := range r.cancelled {
		if now.Sub(at) > r.grace {
			delete(r.cancelled, id)
		}
	}
}
