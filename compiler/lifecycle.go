package compiler

import (
	"sync"

	"github.com/goodguyjay/typstgo/boundary"
)

// lifecycle is the open -> closed state shared by everything that owns a
// native handle. Operations hold a read lease for their whole duration;
// close waits for outstanding leases, flips the state and then runs the
// release at most once.
type lifecycle struct {
	mu     sync.RWMutex
	closed bool
	once   boundary.Once
}

// enter takes a lease, or returns closedErr if the owner is closed.
func (l *lifecycle) enter(closedErr error) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return closedErr
	}
	return nil
}

func (l *lifecycle) leave() { l.mu.RUnlock() }

func (l *lifecycle) close(release func() error) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.once.Do(release)
}

func (l *lifecycle) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}
