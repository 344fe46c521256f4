package orchestrator

import "sync"

// sessionLocks is the per-session advisory lock keeping requests
// single-flight: at most one in-progress request per session.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: make(map[string]struct{})}
}

// acquire takes the lock for id, reporting false when already held.
func (l *sessionLocks) acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *sessionLocks) release(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
