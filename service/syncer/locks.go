package syncer

import "sync"

// Locks is the per-user sync guard. It lives for the process lifetime and is
// shared by every trigger, so at most one sync runs per user.
type Locks struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewLocks() *Locks {
	return &Locks{held: make(map[int64]bool)}
}

// TryLock acquires the user's lock without waiting. The returned unlock is
// safe to call more than once; only the first call releases.
func (l *Locks) TryLock(userID int64) (unlock func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[userID] {
		return nil, false
	}
	l.held[userID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, userID)
			l.mu.Unlock()
		})
	}, true
}

// IsRunning reports whether a sync holds the user's lock.
func (l *Locks) IsRunning(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[userID]
}
