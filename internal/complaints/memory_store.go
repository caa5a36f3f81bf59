package complaints

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory complaint store.
type MemoryStore struct {
	mu         sync.RWMutex
	complaints map[string]*Complaint
}

// NewMemoryStore creates a new in-memory complaint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{complaints: make(map[string]*Complaint)}
}

func (m *MemoryStore) Create(_ context.Context, c *Complaint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.complaints[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Complaint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.complaints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.complaints[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrInvalidTransition
	}
	c.Status = to
	c.UpdatedAt = at
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Complaint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Complaint
	for _, c := range m.complaints {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.ReporterID != "" && c.ReporterID != f.ReporterID {
			continue
		}
		if f.SellerID != "" && c.SellerID != f.SellerID {
			continue
		}
		if !f.Cursor.After(c.CreatedAt, c.ID) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
