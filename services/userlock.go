package services

import (
	"sync"
	"time"
)

// Per-user turn serialization. A second chat request from the same user waits
// here instead of racing the active turn; cross-user requests never contend.

type userLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// LockManager hands out one mutex per user id and evicts idle entries.
type LockManager struct {
	mu    sync.Mutex
	locks map[uint]*userLock
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[uint]*userLock)}
}

func (m *LockManager) get(userID uint) *userLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{}
		m.locks[userID] = l
	}
	l.lastUsed = time.Now()
	return l
}

// WithLock runs fn while holding the user's lock.
func (m *LockManager) WithLock(userID uint, fn func() error) error {
	l := m.get(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

// Cleanup drops locks idle longer than maxAge. An entry whose mutex is held
// is never removed.
func (m *LockManager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for id, l := range m.locks {
		if l.lastUsed.Before(cutoff) && l.mu.TryLock() {
			l.mu.Unlock()
			delete(m.locks, id)
			removed++
		}
	}
	return removed
}
