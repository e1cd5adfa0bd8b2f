package orchestrator

import (
	"errors"
	"sync"
	"time"
)

// ErrSessionBusy is returned when a session already has a dispatch in
// flight and the new one gave up waiting for it.
var ErrSessionBusy = errors.New("session busy: another request is in flight")

// sessionLock serializes dispatches for one session. The channel acts as
// a single-slot semaphore; refs counts holders plus waiters so the arena
// entry can be dropped once nobody needs it.
type sessionLock struct {
	slot chan struct{}
	refs int
}

// lockArena hands out per-session locks. Entries exist only while a
// session has a dispatch in flight or waiting, so idle sessions cost
// nothing here regardless of how many the store retains.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session's slot is free or maxWait elapses.
func (a *lockArena) acquire(sessionID string, maxWait time.Duration) error {
	a.mu.Lock()
	l, ok := a.locks[sessionID]
	if !ok {
		l = &sessionLock{slot: make(chan struct{}, 1)}
		a.locks[sessionID] = l
	}
	l.refs++
	a.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case l.slot <- struct{}{}:
		return nil
	case <-timer.C:
		a.drop(sessionID, l)
		return ErrSessionBusy
	}
}

// release frees the session's slot and prunes the arena entry when no
// other dispatch is holding or waiting on it.
func (a *lockArena) release(sessionID string) {
	a.mu.Lock()
	l, ok := a.locks[sessionID]
	a.mu.Unlock()
	if !ok {
		return
	}
	<-l.slot
	a.drop(sessionID, l)
}

func (a *lockArena) drop(sessionID string, l *sessionLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs <= 0 {
		delete(a.locks, sessionID)
	}
}

// size reports the number of live entries, for stats.
func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
