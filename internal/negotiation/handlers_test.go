package negotiation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradehold/internal/auth"
)

var actorsByName = map[string]auth.Actor{
	"buyer":  buyer,
	"other":  otherBuyer,
	"seller": seller,
	"admin":  admin,
}

func setupRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if a, ok := actorsByName[c.GetHeader("X-Actor")]; ok {
			c.Set(auth.ContextKeyActor, a)
		}
		c.Next()
	})
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, actor string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", actor)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type negotiationBody struct {
	Negotiation struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		CounterStatus    string `json:"counterStatus"`
		CounterPrice     *int64 `json:"counterPrice"`
		PurchasablePrice *int64 `json:"purchasablePrice"`
	} `json:"negotiation"`
}

func decodeNegotiation(t *testing.T, w *httptest.ResponseRecorder) negotiationBody {
	t.Helper()
	var body negotiationBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandler_NegotiationFlow(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w := do(t, r, http.MethodPost, "/v1/negotiations", "buyer", map[string]interface{}{
		"productId": "prod_1", "sellerId": seller.ID, "price": 8000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decodeNegotiation(t, w).Negotiation.ID

	w = do(t, r, http.MethodPost, "/v1/negotiations/"+id+"/respond", "seller", map[string]string{"decision": "rejected"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected", decodeNegotiation(t, w).Negotiation.Status)

	w = do(t, r, http.MethodPost, "/v1/negotiations/"+id+"/counter", "seller", map[string]interface{}{"price": 9500})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeNegotiation(t, w)
	assert.Equal(t, "none", body.Negotiation.CounterStatus)
	require.NotNil(t, body.Negotiation.CounterPrice)
	assert.Equal(t, int64(9500), *body.Negotiation.CounterPrice)
	assert.Nil(t, body.Negotiation.PurchasablePrice)

	w = do(t, r, http.MethodGet, "/v1/negotiations/"+id+"/price", "buyer", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodPost, "/v1/negotiations/"+id+"/counter/respond", "buyer", map[string]string{"decision": "accepted"})
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeNegotiation(t, w)
	assert.Equal(t, "rejected", body.Negotiation.Status)
	assert.Equal(t, "accepted", body.Negotiation.CounterStatus)
	require.NotNil(t, body.Negotiation.PurchasablePrice)
	assert.Equal(t, int64(9500), *body.Negotiation.PurchasablePrice)

	w = do(t, r, http.MethodGet, "/v1/negotiations/"+id+"/price", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var price struct {
		Price int64 `json:"price"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &price))
	assert.Equal(t, int64(9500), price.Price)
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	n := f.propose(t, 8000)

	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		body   interface{}
		code   int
	}{
		{"blank product", http.MethodPost, "/v1/negotiations", "buyer", map[string]interface{}{"productId": "  ", "sellerId": "s", "price": 1}, http.StatusBadRequest},
		{"missing price", http.MethodPost, "/v1/negotiations", "buyer", map[string]string{"productId": "p", "sellerId": "s"}, http.StatusBadRequest},
		{"seller cannot propose", http.MethodPost, "/v1/negotiations", "seller", map[string]interface{}{"productId": "p", "sellerId": "sell_9", "price": 1}, http.StatusForbidden},
		{"stranger cannot read", http.MethodGet, "/v1/negotiations/" + n.ID, "other", nil, http.StatusForbidden},
		{"unknown thread", http.MethodGet, "/v1/negotiations/neg_missing", "buyer", nil, http.StatusNotFound},
		{"bad decision", http.MethodPost, "/v1/negotiations/" + n.ID + "/respond", "seller", map[string]string{"decision": "maybe"}, http.StatusBadRequest},
		{"buyer cannot respond", http.MethodPost, "/v1/negotiations/" + n.ID + "/respond", "buyer", map[string]string{"decision": "accepted"}, http.StatusForbidden},
		{"no counter to answer", http.MethodPost, "/v1/negotiations/" + n.ID + "/counter/respond", "buyer", map[string]string{"decision": "accepted"}, http.StatusConflict},
		{"negative counter", http.MethodPost, "/v1/negotiations/" + n.ID + "/counter", "seller", map[string]interface{}{"price": -5}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestHandler_MessagesAndLists(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	n := f.propose(t, 8000)

	w := do(t, r, http.MethodPost, "/v1/negotiations/"+n.ID+"/messages", "seller", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var msg struct {
		Message ChatMessage `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, SenderSeller, msg.Message.Sender)
	assert.Equal(t, 1, msg.Message.Seq)

	var list struct {
		Count int `json:"count"`
	}
	w = do(t, r, http.MethodGet, "/v1/negotiations", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = do(t, r, http.MethodGet, "/v1/products/prod_1/negotiations", "other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Count)

	w = do(t, r, http.MethodGet, "/v1/negotiations?sellerId="+seller.ID, "other", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
