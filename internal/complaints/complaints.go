// Package complaints records trust and safety reports about seller conduct.
// Complaints are reviewed by admins and never move escrowed funds.
package complaints

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradehold/internal/pagination"
)

var (
	ErrNotFound          = errors.New("complaint not found")
	ErrUnauthorized      = errors.New("not authorized for this complaint")
	ErrInvalidTransition = errors.New("invalid complaint status change")
	ErrInvalidType       = errors.New("invalid complaint type")
	ErrInvalidComplaint  = errors.New("invalid complaint")
)

// Status is the review state of a complaint.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
)

var transitions = map[Status][]Status{
	StatusOpen:          {StatusInvestigating, StatusResolved},
	StatusInvestigating: {StatusResolved},
}

// CanTransition reports whether a complaint may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Type classifies a complaint.
type Type string

const (
	TypeMisconduct  Type = "misconduct"
	TypeFraud       Type = "fraud"
	TypeCounterfeit Type = "counterfeit"
	TypeNonDelivery Type = "non_delivery"
	TypeHarassment  Type = "harassment"
	TypeOther       Type = "other"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeMisconduct, TypeFraud, TypeCounterfeit, TypeNonDelivery, TypeHarassment, TypeOther:
		return true
	}
	return false
}

// Complaint is a report filed against a seller.
type Complaint struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"orderId,omitempty"`
	ReporterID   string    `json:"reporterId"`
	ReporterName string    `json:"reporterName,omitempty"`
	SellerID     string    `json:"sellerId,omitempty"`
	SellerName   string    `json:"sellerName,omitempty"`
	Type         Type      `json:"type"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// FileRequest is the body of a new complaint.
type FileRequest struct {
	OrderID      string `json:"orderId"`
	SellerID     string `json:"sellerId"`
	SellerName   string `json:"sellerName"`
	ReporterName string `json:"reporterName"`
	Type         Type   `json:"type" binding:"required"`
	Description  string `json:"description" binding:"required"`
}

// Filter selects complaints for List.
type Filter struct {
	Status     Status
	ReporterID string
	SellerID   string
	Cursor     *pagination.Cursor
	Limit      int
}

// Store persists complaints.
type Store interface {
	Create(ctx context.Context, c *Complaint) error
	Get(ctx context.Context, id string) (*Complaint, error)
	// UpdateStatus sets status only if the stored status is still from.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	List(ctx context.Context, f Filter) ([]*Complaint, error)
}

// Namer supplies display names when the reporter leaves them out.
type Namer interface {
	CustomerLabel(ctx context.Context, customerID string) string
	SellerLabel(ctx context.Context, sellerID string) string
}
