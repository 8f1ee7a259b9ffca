package registry

import (
	"context"
	"sync"
	"time"
)

// Presence publishes which gateway instance currently holds an identity, so a
// horizontally scaled deployment can tell "offline" from "attached elsewhere".
// The local Registry stays the only authority for routing on this instance.
type Presence interface {
	Announce(ctx context.Context, identity, sessionID string) error
	// Withdraw removes the entry only if it still belongs to sessionID.
	Withdraw(ctx context.Context, identity, sessionID string) error
	// Refresh extends the lifetime of entries still held by this instance.
	Refresh(ctx context.Context, sessions map[string]string) error
	// Owner returns the instance holding identity, or "" when nobody does.
	Owner(ctx context.Context, identity string) (string, error)
	Close() error
}

type presenceEntry struct {
	sessionID string
	since     time.Time
}

// MemoryPresence is the single instance backend.
type MemoryPresence struct {
	mu         sync.Mutex
	instanceID string
	entries    map[string]presenceEntry
}

func NewMemoryPresence(instanceID string) *MemoryPresence {
	return &MemoryPresence{instanceID: instanceID, entries: make(map[string]presenceEntry)}
}

var _ Presence = (*MemoryPresence)(nil)

func (m *MemoryPresence) Announce(_ context.Context, identity, sessionID string) error {
	m.mu.Lock()
	m.entries[identity] = presenceEntry{sessionID: sessionID, since: time.Now()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryPresence) Withdraw(_ context.Context, identity, sessionID string) error {
	m.mu.Lock()
	if e, ok := m.entries[identity]; ok && e.sessionID == sessionID {
		delete(m.entries, identity)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryPresence) Refresh(context.Context, map[string]string) error { return nil }

func (m *MemoryPresence) Owner(_ context.Context, identity string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[identity]; ok {
		return m.instanceID, nil
	}
	return "", nil
}

func (m *MemoryPresence) Close() error { return nil }
