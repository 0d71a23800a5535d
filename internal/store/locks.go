package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a row lock cannot be taken in time.
var ErrLockTimeout = errors.New("store: row lock wait timeout")

// lockManager hands out exclusive row locks keyed by "table:id". Each row
// is a one-slot channel so acquisition can select on ctx and a timer.
type lockManager struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func newLockManager() *lockManager {
	return &lockManager{rows: make(map[string]chan struct{})}
}

func (m *lockManager) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.rows[key] = ch
	}
	return ch
}

func (m *lockManager) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrLockTimeout
	}
}

func (m *lockManager) release(key string) {
	select {
	case <-m.slot(key):
	default:
	}
}

func balanceKey(id string) string  { return "balance:" + id }
func listingKey(id string) string  { return "listing:" + id }
func artifactKey(id string) string { return "artifact:" + id }
func dailyKey(id string) string    { return "daily:" + id }
