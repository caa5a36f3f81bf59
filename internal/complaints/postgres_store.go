package complaints

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists complaints in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed complaint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const complaintColumns = `id, order_id, reporter_id, reporter_name, seller_id, seller_name,
	type, description, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Complaint) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO complaints (`+complaintColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, nullString(c.OrderID), c.ReporterID, nullString(c.ReporterName),
		nullString(c.SellerID), nullString(c.SellerName),
		string(c.Type), c.Description, string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Complaint, error) {
	c, err := scanComplaint(p.db.QueryRowContext(ctx,
		`SELECT `+complaintColumns+` FROM complaints WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE complaints SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Complaint, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.ReporterID != "" {
		where = append(where, "reporter_id = "+arg(f.ReporterID))
	}
	if f.SellerID != "" {
		where = append(where, "seller_id = "+arg(f.SellerID))
	}
	if f.Cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(f.Cursor.CreatedAt), arg(f.Cursor.ID)))
	}

	query := `SELECT ` + complaintColumns + ` FROM complaints`
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

	var result []*Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanComplaint(sc scanner) (*Complaint, error) {
	c := &Complaint{}
	var (
		orderID, reporterName, sellerID, sellerName sql.NullString
		typ, status                                 string
	)
	if err := sc.Scan(
		&c.ID, &orderID, &c.ReporterID, &reporterName, &sellerID, &sellerName,
		&typ, &c.Description, &status, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.OrderID = orderID.String
	c.ReporterName = reporterName.String
	c.SellerID = sellerID.String
	c.SellerName = sellerName.String
	c.Type = Type(typ)
	c.Status = Status(status)
	return c, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
