package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"sentinel/core"
)

// MemoryGateway keeps artifacts in process memory. It is the backend for
// `persistence.backend: memory` and for tests; nothing survives a restart.
type MemoryGateway struct {
	mu     sync.RWMutex
	blocks map[string]*core.BlockRecord
	alerts map[string]*core.SecurityAlert
	users  map[string]*core.UserRecord
	events []*core.SecurityEvent
	// maxEvents caps the archive; the oldest events are dropped first
	maxEvents int
	closed    bool
}

// NewMemoryGateway creates an empty gateway. maxEvents <= 0 keeps every event.
func NewMemoryGateway(maxEvents int) *MemoryGateway {
	return &MemoryGateway{
		blocks:    make(map[string]*core.BlockRecord),
		alerts:    make(map[string]*core.SecurityAlert),
		users:     make(map[string]*core.UserRecord),
		maxEvents: maxEvents,
	}
}

// SaveBlock stores a copy of rec
func (m *MemoryGateway) SaveBlock(_ context.Context, rec *core.BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	c := *rec
	m.blocks[rec.ID] = &c
	return nil
}

// SaveAlert stores a copy of alert, keeping the first alert per (event, rule)
func (m *MemoryGateway) SaveAlert(_ context.Context, alert *core.SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	if _, exists := m.alerts[alert.DedupKey()]; exists {
		return nil
	}
	c := *alert
	m.alerts[alert.DedupKey()] = &c
	return nil
}

// SaveUser upserts a copy of rec
func (m *MemoryGateway) SaveUser(_ context.Context, rec *core.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	c := *rec
	m.users[rec.UserID] = &c
	return nil
}

// ArchiveEvent appends a copy of event
func (m *MemoryGateway) ArchiveEvent(_ context.Context, event *core.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	m.events = append(m.events, event.Clone())
	if m.maxEvents > 0 && len(m.events) > m.maxEvents {
		drop := len(m.events) - m.maxEvents
		m.events = append(m.events[:0:0], m.events[drop:]...)
	}
	return nil
}

// LoadActiveBlocks returns copies of the blocks active at now, oldest first
func (m *MemoryGateway) LoadActiveBlocks(_ context.Context, now time.Time) ([]*core.BlockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}
	out := make([]*core.BlockRecord, 0)
	for _, rec := range m.blocks {
		if rec.IsActiveAt(now) {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LoadQuarantinedUsers returns copies of every quarantined user
func (m *MemoryGateway) LoadQuarantinedUsers(_ context.Context) ([]*core.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrDatabaseClosed
	}
	out := make([]*core.UserRecord, 0)
	for _, rec := range m.users {
		if rec.Status == core.UserStatusQuarantined {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// GetUser returns a copy of the stored record
func (m *MemoryGateway) GetUser(_ context.Context, userID string) (*core.UserRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrDatabaseClosed
	}
	rec, ok := m.users[userID]
	if !ok {
		return nil, false, nil
	}
	c := *rec
	return &c, true, nil
}

// Alerts returns copies of the stored alerts ordered by creation time
func (m *MemoryGateway) Alerts() []*core.SecurityAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.SecurityAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Events returns copies of the archived events in archive order
func (m *MemoryGateway) Events() []*core.SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.SecurityEvent, len(m.events))
	for i, e := range m.events {
		out[i] = e.Clone()
	}
	return out
}

// Ping fails once the gateway is closed
func (m *MemoryGateway) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	return nil
}

// Close marks the gateway closed
func (m *MemoryGateway) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
