package escrow

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-memory store for development and tests. One mutex
// guards orders and disputes so transitions are atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	disputes map[string]*Dispute
	byOrder  map[string][]string // order id → dispute ids, oldest first
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		disputes: make(map[string]*Dispute),
		byOrder:  make(map[string][]string),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[order.ID] = order.clone()
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		if f.SellerID != "" && o.SellerID != f.SellerID {
			continue
		}
		if f.Status != "" && o.EscrowStatus != f.Status {
			continue
		}
		if !f.Cursor.After(o.CreatedAt, o.ID) {
			continue
		}
		out = append(out, o.clone())
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if slices.Contains(statuses, o.EscrowStatus) {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return timeOrZero(out[i].SellerConfirmedAt).Before(timeOrZero(out[j].SellerConfirmedAt))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[t.Order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Version != t.ExpectedVersion {
		return ErrConflict
	}

	if d := t.Dispute; d != nil {
		if t.CreateDispute {
			if m.openDisputeLocked(d.OrderID) != nil {
				return ErrAlreadyDisputed
			}
		} else {
			existing, ok := m.disputes[d.ID]
			if !ok {
				return ErrDisputeNotFound
			}
			if !existing.IsOpen() {
				return ErrAlreadyResolved
			}
		}
	}

	m.orders[t.Order.ID] = t.Order.clone()
	if d := t.Dispute; d != nil {
		if t.CreateDispute {
			m.byOrder[d.OrderID] = append(m.byOrder[d.OrderID], d.ID)
		}
		m.disputes[d.ID] = d.clone()
	}
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetOpenDispute(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if d := m.openDisputeLocked(orderID); d != nil {
		return d.clone(), nil
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byOrder[orderID]
	out := make([]*Dispute, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.disputes[id].clone())
	}
	return out, nil
}

func (m *MemoryStore) ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.IsOpen() {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) openDisputeLocked(orderID string) *Dispute {
	for _, id := range m.byOrder[orderID] {
		if d := m.disputes[id]; d.IsOpen() {
			return d
		}
	}
	return nil
}

func sortNewestFirst(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
