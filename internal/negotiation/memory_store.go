package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory negotiation store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Negotiation
}

// NewMemoryStore creates a new in-memory negotiation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Negotiation)}
}

func (m *MemoryStore) Create(_ context.Context, n *Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[n.ID] = n.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, n *Negotiation, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[n.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	next := n.clone()
	// The chat log is append-only and owned by AppendMessage.
	next.Messages = cur.Messages
	m.byID[n.ID] = next
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, id string, msg ChatMessage) (ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return ChatMessage{}, ErrNotFound
	}
	msg.Seq = len(n.Messages) + 1
	n.Messages = append(n.Messages, msg)
	return msg, nil
}

func (m *MemoryStore) ListByProduct(_ context.Context, productID string, limit int) ([]*Negotiation, error) {
	return m.list(func(n *Negotiation) bool { return n.ProductID == productID }, limit), nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string, limit int) ([]*Negotiation, error) {
	return m.list(func(n *Negotiation) bool { return n.CustomerID == customerID }, limit), nil
}

func (m *MemoryStore) ListBySeller(_ context.Context, sellerID string, limit int) ([]*Negotiation, error) {
	return m.list(func(n *Negotiation) bool { return n.SellerID == sellerID }, limit), nil
}

func (m *MemoryStore) ListConsumedBefore(_ context.Context, cutoff time.Time, after ClaimPosition, limit int) ([]*Negotiation, error) {
	m.mu.RLock()
	var out []*Negotiation
	for _, n := range m.byID {
		if n.IsConsumed() && n.UpdatedAt.Before(cutoff) && after.Before(n.UpdatedAt, n.ID) {
			cp := n.clone()
			cp.Messages = nil
			out = append(out, cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) list(match func(*Negotiation) bool, limit int) []*Negotiation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Negotiation
	for _, n := range m.byID {
		if match(n) {
			out = append(out, n.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
