package directory

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDirectory counts lookups that reach it.
type countingDirectory struct {
	*Memory
	calls int
	err   error
}

func (c *countingDirectory) Name(ctx context.Context, kind Kind, id string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.Memory.Name(ctx, kind, id)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "seller 42", Label(KindSeller, "42"))
	assert.Equal(t, "product p1", Label(KindProduct, "p1"))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Name(ctx, KindSeller, "42")
	assert.ErrorIs(t, err, ErrUnknown)

	require.NoError(t, m.SetName(ctx, KindSeller, "42", "  Corner Shop "))
	name, err := m.Name(ctx, KindSeller, "42")
	require.NoError(t, err)
	assert.Equal(t, "Corner Shop", name)

	require.NoError(t, m.SetName(ctx, KindSeller, "42", ""))
	_, err = m.Name(ctx, KindSeller, "42")
	assert.ErrorIs(t, err, ErrUnknown)

	assert.ErrorIs(t, m.SetName(ctx, Kind("planet"), "1", "Mars"), ErrInvalidKind)
}

func TestResolver_FallsBackToLabel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SetName(ctx, KindCustomer, "cust_1", "Ada"))

	r := NewResolver(m, nil)
	names := r.OrderNames(ctx, "cust_1", "42", "prod_9")
	assert.Equal(t, map[string]string{
		"customer": "Ada",
		"seller":   "seller 42",
		"product":  "product prod_9",
	}, names)
	assert.Equal(t, "Ada", r.CustomerLabel(ctx, "cust_1"))

	broken := &countingDirectory{Memory: m, err: errors.New("backend down")}
	r = NewResolver(broken, nil)
	assert.Equal(t, "customer cust_1", r.CustomerLabel(ctx, "cust_1"))
	assert.Equal(t, "", r.Lookup(ctx, KindSeller, ""))
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	backing := &countingDirectory{Memory: NewMemory()}
	require.NoError(t, backing.SetName(ctx, KindProduct, "p1", "Lamp"))

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewCached(backing, 2, time.Minute)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		name, err := c.Name(ctx, KindProduct, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Lamp", name)
	}
	assert.Equal(t, 1, backing.calls)

	// Misses are not cached.
	_, err := c.Name(ctx, KindProduct, "p2")
	assert.ErrorIs(t, err, ErrUnknown)
	_, err = c.Name(ctx, KindProduct, "p2")
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Equal(t, 3, backing.calls)

	now = now.Add(2 * time.Minute)
	_, err = c.Name(ctx, KindProduct, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, backing.calls)

	require.NoError(t, c.SetName(ctx, KindProduct, "p1", "Desk Lamp"))
	name, err := c.Name(ctx, KindProduct, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Desk Lamp", name)
}

func TestCached_Eviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.SetName(ctx, KindSeller, id, "Seller "+id))
	}
	c := NewCached(m, 2, 0)
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Name(ctx, KindSeller, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMemory()
	c := NewCached(m, 0, 0)
	h := NewHandler(NewResolver(c, nil), c)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))

	req := httptest.NewRequest(http.MethodGet, "/v1/directory/seller/42", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"seller 42"`)

	req = httptest.NewRequest(http.MethodPut, "/v1/admin/directory/seller/42", bytes.NewBufferString(`{"name":"Corner Shop"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/directory/seller/42", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), `"name":"Corner Shop"`)

	req = httptest.NewRequest(http.MethodGet, "/v1/directory/planet/1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
