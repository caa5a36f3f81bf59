// Package directory resolves display names for sellers, products and
// customers. Lookups are advisory: callers render Label when a name is
// missing and never fail a transaction over it.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// Kind is the type of record a name belongs to.
type Kind string

const (
	KindSeller   Kind = "seller"
	KindProduct  Kind = "product"
	KindCustomer Kind = "customer"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSeller, KindProduct, KindCustomer:
		return true
	}
	return false
}

var (
	ErrUnknown     = errors.New("no name on record")
	ErrInvalidKind = errors.New("unknown directory kind")
	ErrReadOnly    = errors.New("directory is read-only")
)

// Directory looks up display names.
type Directory interface {
	Name(ctx context.Context, kind Kind, id string) (string, error)
}

// Writer stores display names.
type Writer interface {
	SetName(ctx context.Context, kind Kind, id, name string) error
}

// Label renders the fallback shown when no name is on record.
func Label(kind Kind, id string) string {
	return string(kind) + " " + id
}

// Memory is an in-memory directory.
type Memory struct {
	mu    sync.RWMutex
	names map[Kind]map[string]string
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{names: make(map[Kind]map[string]string)}
}

func (m *Memory) Name(_ context.Context, kind Kind, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.names[kind][id]
	if !ok {
		return "", ErrUnknown
	}
	return name, nil
}

func (m *Memory) SetName(_ context.Context, kind Kind, id, name string) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.names[kind] == nil {
		m.names[kind] = make(map[string]string)
	}
	if name = strings.TrimSpace(name); name == "" {
		delete(m.names[kind], id)
		return nil
	}
	m.names[kind][id] = name
	return nil
}

// Resolver adapts a Directory to the name lookups the escrow and
// negotiation services need.
type Resolver struct {
	dir    Directory
	logger *slog.Logger
}

// NewResolver creates a resolver over dir.
func NewResolver(dir Directory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dir: dir, logger: logger}
}

// Lookup returns the name for id, or its Label if none can be found.
func (r *Resolver) Lookup(ctx context.Context, kind Kind, id string) string {
	if id == "" {
		return ""
	}
	name, err := r.dir.Name(ctx, kind, id)
	if err != nil {
		if !errors.Is(err, ErrUnknown) {
			r.logger.Warn("directory lookup failed", "kind", kind, "id", id, "error", err)
		}
		return Label(kind, id)
	}
	return name
}

// OrderNames returns display names keyed by "customer", "seller" and "product".
func (r *Resolver) OrderNames(ctx context.Context, customerID, sellerID, productID string) map[string]string {
	return map[string]string{
		string(KindCustomer): r.Lookup(ctx, KindCustomer, customerID),
		string(KindSeller):   r.Lookup(ctx, KindSeller, sellerID),
		string(KindProduct):  r.Lookup(ctx, KindProduct, productID),
	}
}

// CustomerLabel returns the buyer's display name.
func (r *Resolver) CustomerLabel(ctx context.Context, customerID string) string {
	return r.Lookup(ctx, KindCustomer, customerID)
}

var (
	_ Directory = (*Memory)(nil)
	_ Writer    = (*Memory)(nil)
)

// SellerLabel returns the seller's display name.
func (r *Resolver) SellerLabel(ctx context.Context, sellerID string) string {
	return r.Lookup(ctx, KindSeller, sellerID)
}
