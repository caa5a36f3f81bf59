package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders and disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, customer_id, seller_id, product_id, negotiation_id,
		       amount, currency, fulfillment_status, escrow_status,
		       seller_confirmed_at, escrow_released_at, refunded_at,
		       version, created_at, updated_at`

const disputeColumns = `id, order_id, raised_by, reason, description, status,
		       resolved_by, resolution_note, created_at, resolved_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.CustomerID, o.SellerID, o.ProductID, nullString(o.NegotiationID),
		o.Amount, o.Currency, string(o.FulfillmentStatus), string(o.EscrowStatus),
		nullTime(o.SellerConfirmedAt), nullTime(o.EscrowReleasedAt), nullTime(o.RefundedAt),
		o.Version, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = "+arg(f.CustomerID))
	}
	if f.SellerID != "" {
		where = append(where, "seller_id = "+arg(f.SellerID))
	}
	if f.Status != "" {
		where = append(where, "escrow_status = "+arg(string(f.Status)))
	}
	if f.Cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(f.Cursor.CreatedAt), arg(f.Cursor.ID)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Order, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE escrow_status = ANY($1)
		ORDER BY seller_confirmed_at ASC NULLS FIRST`
	args := []interface{}{pq.Array(names)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// ApplyTransition writes the order and its dispute change in one transaction.
func (p *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	o := t.Order
	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			fulfillment_status = $1, escrow_status = $2,
			seller_confirmed_at = $3, escrow_released_at = $4, refunded_at = $5,
			version = $6, updated_at = $7
		WHERE id = $8 AND version = $9`,
		string(o.FulfillmentStatus), string(o.EscrowStatus),
		nullTime(o.SellerConfirmedAt), nullTime(o.EscrowReleasedAt), nullTime(o.RefundedAt),
		o.Version, o.UpdatedAt,
		o.ID, t.ExpectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			err = ErrOrderNotFound
		} else {
			err = ErrConflict
		}
		return err
	}

	if d := t.Dispute; d != nil {
		if t.CreateDispute {
			err = insertDispute(ctx, tx, d)
		} else {
			err = closeDisputeRow(ctx, tx, d)
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertDispute(ctx context.Context, tx *sql.Tx, d *Dispute) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.OrderID, d.RaisedBy, string(d.Reason), nullString(d.Description), string(d.Status),
		nullString(d.ResolvedBy), nullString(d.ResolutionNote), d.CreatedAt, nullTime(d.ResolvedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyDisputed
	}
	return err
}

func closeDisputeRow(ctx context.Context, tx *sql.Tx, d *Dispute) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolved_by = $2, resolution_note = $3, resolved_at = $4
		WHERE id = $5 AND status = 'open'`,
		string(d.Status), nullString(d.ResolvedBy), nullString(d.ResolutionNote), nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenDispute(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status = 'open'`, orderID)

	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		negotiationID     sql.NullString
		fulfillment       string
		status            string
		sellerConfirmedAt sql.NullTime
		releasedAt        sql.NullTime
		refundedAt        sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.CustomerID, &o.SellerID, &o.ProductID, &negotiationID,
		&o.Amount, &o.Currency, &fulfillment, &status,
		&sellerConfirmedAt, &releasedAt, &refundedAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.NegotiationID = negotiationID.String
	o.FulfillmentStatus = FulfillmentStatus(fulfillment)
	o.EscrowStatus = Status(status)
	o.SellerConfirmedAt = timePtr(sellerConfirmedAt)
	o.EscrowReleasedAt = timePtr(releasedAt)
	o.RefundedAt = timePtr(refundedAt)
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		reason      string
		status      string
		description sql.NullString
		resolvedBy  sql.NullString
		note        sql.NullString
		resolvedAt  sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.OrderID, &d.RaisedBy, &reason, &description, &status,
		&resolvedBy, &note, &d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Reason = DisputeReason(reason)
	d.Status = DisputeStatus(status)
	d.Description = description.String
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNote = note.String
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
