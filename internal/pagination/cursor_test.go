package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "ord_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "ord_abc123", cursor.ID)
}

func TestDecode_EmptyAndGarbage(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)

	_, err = Decode("!!!")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	_, err = Decode(Encode(time.Now(), "")[:4])
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestCursorAfter(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "ord_m"}

	assert.True(t, c.After(ts.Add(-time.Second), "ord_z"))
	assert.False(t, c.After(ts.Add(time.Second), "ord_a"))
	assert.True(t, c.After(ts, "ord_a"))
	assert.False(t, c.After(ts, "ord_m"))

	var none *Cursor
	assert.True(t, none.After(ts, "anything"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(10_000))
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []string{"c", "b", "a"}
	key := func(s string) (time.Time, string) { return ts, s }

	page, next, more := ComputePage(items, 2, key)
	assert.Equal(t, []string{"c", "b"}, page)
	assert.True(t, more)
	cur, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", cur.ID)

	page, next, more = ComputePage(items, 5, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}
