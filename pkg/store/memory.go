package store

import (
	"context"
	"sync"
	"time"

	"github.com/NicolasHaas/wordquizzle/pkg/model"
)

// MemoryStore keeps the last saved snapshot in memory. It counts saves and
// can be told to fail, which is what registry tests need.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	accounts  []model.Account
	saves     int
	lastSaved time.Time
	failWith  error
	closed    bool
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{now: now}
}

var _ AccountStore = (*MemoryStore)(nil)

func (m *MemoryStore) Save(_ context.Context, accounts []model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failWith != nil {
		return m.failWith
	}
	m.accounts = cloneAll(accounts)
	m.saves++
	m.lastSaved = m.now()
	return nil
}

func (m *MemoryStore) Load(_ context.Context) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return cloneAll(m.accounts), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Saves returns how many snapshots were written.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// LastSaved returns the clock reading of the most recent successful Save.
func (m *MemoryStore) LastSaved() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSaved
}

// FailSaves makes every following Save return err. Pass nil to recover.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func cloneAll(accounts []model.Account) []model.Account {
	out := make([]model.Account, len(accounts))
	for i, a := range accounts {
		out[i] = a.Clone()
	}
	return out
}
