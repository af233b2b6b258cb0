package tokenstore

import (
	"context"
	"sync"
	"time"
)

// Memory keeps the record in process memory. It is the store used by tests
// and by a portal shell that should forget everything on exit.
type Memory struct {
	mu        sync.Mutex
	rec       Record
	expiresAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewMemory returns an empty in-memory store with the given TTL (0 means DefaultTTL).
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now}
}

func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if rec.SavedAt.IsZero() {
		rec.SavedAt = now
	}
	m.rec = rec
	m.expiresAt = now.Add(recordTTL(rec, m.ttl, now))
	return nil
}

func (m *Memory) Read(_ context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expiresAt.IsZero() {
		return Record{}, ErrNotFound
	}
	if !m.now().Before(m.expiresAt) {
		m.rec, m.expiresAt = Record{}, time.Time{}
		return Record{}, ErrNotFound
	}
	return m.rec, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rec, m.expiresAt = Record{}, time.Time{}
	return nil
}
