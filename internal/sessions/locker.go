package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a lock times out.
var ErrLockTimeout = errors.New("session: lock acquisition timeout")

// DefaultLockTimeout is the default timeout for lock acquisition.
const DefaultLockTimeout = 5 * time.Second

// lockPollInterval is how often a blocked Lock call rechecks availability.
const lockPollInterval = 10 * time.Millisecond

// Locker provides a process-safe per-conversation lock, serializing the
// read-modify-write of appending a message against a conversation's history
// so two concurrent dispatches never interleave writes to the same session.
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}

// sessionMutex is the per-session entry behind SessionLocker's sync.Map.
type sessionMutex struct {
	mu     sync.Mutex
	locked bool
}

// SessionLocker implements per-session locking with one mutex per session
// id, created lazily and never removed (session ids are bounded by active
// conversations, not request volume).
type SessionLocker struct {
	locks   sync.Map // map[string]*sessionMutex
	timeout time.Duration
}

// NewSessionLocker creates a SessionLocker with the given default timeout.
// A non-positive timeout falls back to DefaultLockTimeout.
func NewSessionLocker(timeout time.Duration) *SessionLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &SessionLocker{timeout: timeout}
}

func (s *SessionLocker) getOrCreateMutex(sessionID string) *sessionMutex {
	if m, ok := s.locks.Load(sessionID); ok {
		return m.(*sessionMutex)
	}
	actual, _ := s.locks.LoadOrStore(sessionID, &sessionMutex{})
	return actual.(*sessionMutex)
}

// Unlock releases the lock for sessionID. Safe to call even if unheld.
func (s *SessionLocker) Unlock(sessionID string) {
	if m, ok := s.locks.Load(sessionID); ok {
		mu := m.(*sessionMutex)
		mu.mu.Lock()
		mu.locked = false
		mu.mu.Unlock()
	}
}

// LockWithContext acquires the lock for sessionID, polling until it is free,
// the default timeout elapses (ErrLockTimeout), or ctx is done.
func (s *SessionLocker) LockWithContext(ctx context.Context, sessionID string) error {
	m := s.getOrCreateMutex(sessionID)
	deadline := time.Now().Add(s.timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// LocalLocker adapts SessionLocker to the Locker interface for single-process
// deployments. A multi-instance deployment would swap this for a lock backed
// by the shared database instead.
type LocalLocker struct {
	inner *SessionLocker
}

// NewLocalLocker creates a LocalLocker using the given default timeout.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{inner: NewSessionLocker(timeout)}
}

// Lock acquires the local lock for sessionID.
func (l *LocalLocker) Lock(ctx context.Context, sessionID string) error {
	if l == nil || l.inner == nil {
		return errors.New("session locker unavailable")
	}
	return l.inner.LockWithContext(ctx, sessionID)
}

// Unlock releases the local lock for sessionID.
func (l *LocalLocker) Unlock(sessionID string) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Unlock(sessionID)
}
