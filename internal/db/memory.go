package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lalithlochan/beacon/internal/event"
)

// MemoryStore is an in-process notification store for development and tests.
// It keeps the same ordering and scoping rules as Repository.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*event.Notification
	last  time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*event.Notification)}
}

// CreateNotification stores a copy of n with a fresh, strictly increasing CreatedAt.
func (m *MemoryStore) CreateNotification(ctx context.Context, n *event.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// creation timestamps are strictly increasing so newest-first ordering is total
	now := time.Now().UTC()
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now

	n.CreatedAt = now
	n.Read = false
	stored := *n
	m.items[n.ID] = &stored
	return nil
}

// sorted returns the user's notifications newest first; caller holds mu.
func (m *MemoryStore) sorted(userID string) []*event.Notification {
	out := make([]*event.Notification, 0)
	for _, n := range m.items {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ListNotifications(ctx context.Context, userID string, limit int, before string) ([]*event.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.sorted(userID)
	start := 0
	if before != "" {
		start = len(all)
		for i, n := range all {
			if n.ID == before {
				start = i + 1
				break
			}
		}
	}

	out := make([]*event.Notification, 0, limit)
	for _, n := range all[start:] {
		if len(out) == limit {
			break
		}
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) GetNotification(ctx context.Context, userID, id string) (*event.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.items[id]
	if !ok || n.UserID != userID {
		return nil, ErrNotFound
	}
	c := *n
	return &c, nil
}

func (m *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, n := range m.items {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkRead returns the ids that went from unread to read.
func (m *MemoryStore) MarkRead(ctx context.Context, userID string, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := make([]string, 0, len(ids))
	for _, id := range ids {
		n, ok := m.items[id]
		if !ok || n.UserID != userID || n.Read {
			continue
		}
		n.Read = true
		changed = append(changed, id)
	}
	return changed, nil
}

func (m *MemoryStore) MarkAllRead(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := make([]string, 0)
	for _, n := range m.sorted(userID) {
		if !n.Read {
			n.Read = true
			changed = append(changed, n.ID)
		}
	}
	return changed, nil
}

func (m *MemoryStore) DeleteNotification(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.items[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}
