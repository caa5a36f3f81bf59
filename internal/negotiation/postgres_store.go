package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists negotiations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed negotiation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const negotiationColumns = `id, product_id, seller_id, customer_id, customer_name,
	proposed_price, message, status,
	counter_price, counter_message, counter_response, counter_created_at, counter_responded_at,
	consumed_by_order_id, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, n *Negotiation) error {
	c := splitCounter(n.Counter)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO negotiations (`+negotiationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		n.ID, n.ProductID, n.SellerID, n.CustomerID, nullString(n.CustomerName),
		n.ProposedPrice, nullString(n.Message), string(n.Status),
		c.price, c.message, c.response, c.createdAt, c.respondedAt,
		nullString(n.ConsumedByOrderID), n.Version, n.CreatedAt, n.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	n, err := scanNegotiation(p.db.QueryRowContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.attachMessages(ctx, []*Negotiation{n}); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *PostgresStore) Update(ctx context.Context, n *Negotiation, expectedVersion int64) error {
	c := splitCounter(n.Counter)
	res, err := p.db.ExecContext(ctx, `
		UPDATE negotiations SET
			status = $1, counter_price = $2, counter_message = $3, counter_response = $4,
			counter_created_at = $5, counter_responded_at = $6, consumed_by_order_id = $7,
			version = $8, updated_at = $9
		WHERE id = $10 AND version = $11`,
		string(n.Status), c.price, c.message, c.response,
		c.createdAt, c.respondedAt, nullString(n.ConsumedByOrderID),
		n.Version, n.UpdatedAt, n.ID, expectedVersion,
	)
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

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM negotiations WHERE id = $1)`, n.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// AppendMessage locks the parent row so concurrent appends get distinct,
// gap-free sequence numbers.
func (p *PostgresStore) AppendMessage(ctx context.Context, id string, msg ChatMessage) (ChatMessage, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM negotiations WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatMessage{}, ErrNotFound
	}
	if err != nil {
		return ChatMessage{}, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO negotiation_messages (negotiation_id, seq, sender, text, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		FROM negotiation_messages WHERE negotiation_id = $1
		RETURNING seq`,
		id, string(msg.Sender), msg.Text, msg.Timestamp,
	).Scan(&msg.Seq)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ChatMessage{}, err
	}
	return msg, nil
}

func (p *PostgresStore) ListByProduct(ctx context.Context, productID string, limit int) ([]*Negotiation, error) {
	return p.list(ctx, "product_id", productID, limit)
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Negotiation, error) {
	return p.list(ctx, "customer_id", customerID, limit)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Negotiation, error) {
	return p.list(ctx, "seller_id", sellerID, limit)
}

func (p *PostgresStore) ListConsumedBefore(ctx context.Context, cutoff time.Time, after ClaimPosition, limit int) ([]*Negotiation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE consumed_by_order_id IS NOT NULL AND updated_at < $1
		  AND (updated_at, id) > ($2, $3)
		ORDER BY updated_at ASC, id ASC LIMIT $4`, cutoff, after.UpdatedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanNegotiations(rows)
}

// list filters on one of a fixed set of indexed columns.
func (p *PostgresStore) list(ctx context.Context, column, value string, limit int) ([]*Negotiation, error) {
	query := `SELECT ` + negotiationColumns + ` FROM negotiations WHERE ` + column + ` = $1
		ORDER BY created_at DESC, id DESC LIMIT $2` // #nosec G202 -- column is a constant
	rows, err := p.db.QueryContext(ctx, query, value, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	list, err := scanNegotiations(rows)
	if err != nil {
		return nil, err
	}
	if err := p.attachMessages(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *PostgresStore) attachMessages(ctx context.Context, list []*Negotiation) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	byID := make(map[string]*Negotiation, len(list))
	for i, n := range list {
		ids[i] = n.ID
		byID[n.ID] = n
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT negotiation_id, seq, sender, text, created_at
		FROM negotiation_messages WHERE negotiation_id = ANY($1)
		ORDER BY negotiation_id, seq`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			negotiationID string
			sender        string
			m             ChatMessage
		)
		if err := rows.Scan(&negotiationID, &m.Seq, &sender, &m.Text, &m.Timestamp); err != nil {
			return err
		}
		m.Sender = Sender(sender)
		if n := byID[negotiationID]; n != nil {
			n.Messages = append(n.Messages, m)
		}
	}
	return rows.Err()
}

type counterColumns struct {
	price       sql.NullInt64
	message     sql.NullString
	response    sql.NullString
	createdAt   sql.NullTime
	respondedAt sql.NullTime
}

func splitCounter(c *Counter) counterColumns {
	if c == nil {
		return counterColumns{}
	}
	return counterColumns{
		price:       sql.NullInt64{Int64: c.Price, Valid: true},
		message:     nullString(c.Message),
		response:    sql.NullString{String: string(c.Response), Valid: true},
		createdAt:   sql.NullTime{Time: c.CreatedAt, Valid: true},
		respondedAt: nullTime(c.RespondedAt),
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNegotiation(sc scanner) (*Negotiation, error) {
	n := &Negotiation{}
	var (
		customerName sql.NullString
		message      sql.NullString
		status       string
		c            counterColumns
		consumedBy   sql.NullString
	)
	err := sc.Scan(
		&n.ID, &n.ProductID, &n.SellerID, &n.CustomerID, &customerName,
		&n.ProposedPrice, &message, &status,
		&c.price, &c.message, &c.response, &c.createdAt, &c.respondedAt,
		&consumedBy, &n.Version, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.CustomerName = customerName.String
	n.Message = message.String
	n.Status = Status(status)
	n.ConsumedByOrderID = consumedBy.String
	if c.price.Valid {
		n.Counter = &Counter{
			Price:       c.price.Int64,
			Message:     c.message.String,
			Response:    CounterResponse(c.response.String),
			CreatedAt:   c.createdAt.Time,
			RespondedAt: timePtr(c.respondedAt),
		}
	}
	return n, nil
}

func scanNegotiations(rows *sql.Rows) ([]*Negotiation, error) {
	var result []*Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

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

var _ Store = (*PostgresStore)(nil)
