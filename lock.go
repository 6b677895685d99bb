package cabinet

import (
	"sync"

	"github.com/gofrs/flock"
)

// FileLock is an advisory lock on a database file. Writers hold it
// exclusively, readers shared. Locks are per open file description, so two
// handles of the same process conflict just like two processes do.
type FileLock struct {
	fl *flock.Flock
}

// LockFile acquires the lock for path according to mode. The file must exist.
func LockFile(path string, mode Mode) (*FileLock, error) {
	if mode.Has(NoLock) {
		return &FileLock{}, nil
	}
	fl := flock.New(path)

	var ok bool
	var err error
	switch {
	case mode.Has(Writer) && mode.Has(LockNonBlocking):
		ok, err = fl.TryLock()
	case mode.Has(Writer):
		err = fl.Lock()
		ok = err == nil
	case mode.Has(LockNonBlocking):
		ok, err = fl.TryRLock()
	default:
		err = fl.RLock()
		ok = err == nil
	}
	if err != nil {
		return nil, IOError(err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &FileLock{fl: fl}, nil
}

func (l *FileLock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return IOError(err)
}

// Guard serializes public calls of a store once enabled. A disabled guard
// costs one branch per call.
type Guard struct {
	mu      sync.Mutex
	enabled bool
}

func nop() {}

// Enable must be called before the store is shared between goroutines.
func (g *Guard) Enable() {
	g.enabled = true
}

func (g *Guard) Enabled() bool {
	return g.enabled
}

// Lock acquires the guard and returns the matching unlock func, meant to be
// used as `defer db.guard.Lock()()`.
func (g *Guard) Lock() func() {
	if !g.enabled {
		return nop
	}
	g.mu.Lock()
	return g.mu.Unlock
}
