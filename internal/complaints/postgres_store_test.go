package complaints

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var complaintCols = []string{
	"id", "order_id", "reporter_id", "reporter_name", "seller_id", "seller_name",
	"type", "description", "status", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_UpdateStatus_Stale(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE complaints SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs("resolved", now, "cmp_1", "open").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM complaints WHERE id = \$1`).
		WithArgs("cmp_1").
		WillReturnRows(sqlmock.NewRows(complaintCols).AddRow(
			"cmp_1", nil, "cust_1", nil, "sell_1", nil,
			"fraud", "fake", "investigating", now, now,
		))

	err := store.UpdateStatus(context.Background(), "cmp_1", StatusOpen, StatusResolved, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM complaints WHERE status = \$1 AND reporter_id = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3`).
		WithArgs("open", "cust_1", 51).
		WillReturnRows(sqlmock.NewRows(complaintCols).AddRow(
			"cmp_1", "ord_1", "cust_1", "Ada", "sell_1", "Shop",
			"fraud", "fake", "open", now, now,
		))

	list, err := store.List(context.Background(), Filter{Status: StatusOpen, ReporterID: "cust_1", Limit: 51})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ord_1", list[0].OrderID)
	assert.Equal(t, TypeFraud, list[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM complaints WHERE id = \$1`).
		WithArgs("cmp_missing").
		WillReturnRows(sqlmock.NewRows(complaintCols))

	_, err := store.Get(context.Background(), "cmp_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
