package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tradehold/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func orderChange(id, status string) events.Change {
	return events.Change{
		ID:       "evt_" + id + "_" + status,
		Entity:   events.EntityOrder,
		EntityID: id,
		OrderID:  id,
		Op:       "transition",
		Status:   status,
		At:       time.Now(),
	}
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func attach(t *testing.T, h *Hub, f events.Filter) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, 16)}
	c.setFilter(f)
	h.register <- c
	waitFor(t, func() bool { return h.Stats()["connectedClients"].(int) >= 1 })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClientWants(t *testing.T) {
	c := &Client{}
	if !c.wants(orderChange("ord_1", "held")) {
		t.Error("empty filter should match everything")
	}

	c.setFilter(events.Filter{OrderIDs: []string{"ord_2"}})
	if c.wants(orderChange("ord_1", "held")) {
		t.Error("filter on ord_2 should not match ord_1")
	}

	dispute := events.Change{Entity: events.EntityDispute, EntityID: "dsp_1", OrderID: "ord_2"}
	if !c.wants(dispute) {
		t.Error("order filter should match a dispute on that order")
	}

	c.setFilter(events.Filter{Entities: []events.Entity{events.EntityNegotiation}})
	if c.wants(dispute) {
		t.Error("entity filter should exclude disputes")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	c := attach(t, h, events.Filter{})

	if got := h.Stats()["peakClients"].(int64); got != 1 {
		t.Errorf("expected peak 1, got %d", got)
	}

	h.unregister <- c
	waitFor(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 })

	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed after unregister")
	}
	if got := h.Stats()["peakClients"].(int64); got != 1 {
		t.Errorf("peak should stay 1, got %d", got)
	}
}

func TestHub_DeliverFansOutMatchingChanges(t *testing.T) {
	h := runHub(t)
	c := attach(t, h, events.Filter{OrderIDs: []string{"ord_b"}})

	if err := h.Deliver(context.Background(), orderChange("ord_a", "held")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := h.Deliver(context.Background(), orderChange("ord_b", "released")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case msg := <-c.send:
		var got events.Change
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.EntityID != "ord_b" || got.Status != "released" {
			t.Errorf("unexpected change %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}

	select {
	case msg := <-c.send:
		t.Errorf("unexpected extra message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	waitFor(t, func() bool { return h.Stats()["totalEvents"].(int64) == 2 })
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- c

	h.Broadcast(orderChange("ord_1", "held"))
	h.Broadcast(orderChange("ord_1", "seller_confirmed"))

	waitFor(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 })
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	h := testHub() // not running, so the buffer fills

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Broadcast(orderChange("ord_1", "held"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with a full buffer")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHandleWebSocket_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/v1/ws", nil))
	if rec.Code != 503 {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandleWebSocket_FilteredStream(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	waitFor(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 })

	if err := conn.WriteJSON(events.Filter{OrderIDs: []string{"ord_watch"}}); err != nil {
		t.Fatalf("write filter: %v", err)
	}
	// The filter is applied by readPump asynchronously.
	time.Sleep(50 * time.Millisecond)
	h.Broadcast(orderChange("ord_other", "held"))
	h.Broadcast(orderChange("ord_watch", "held"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Change
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.OrderID != "ord_watch" {
		t.Errorf("expected ord_watch, got %s", got.OrderID)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := testHub().WithOrigins([]string{"https://shop.example"})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://api.local", true},
		{"https://shop.example", true},
		{"https://evil.example", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "http://api.local/v1/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := h.checkOrigin(r); got != tc.want {
			t.Errorf("origin %q: got %v, want %v", tc.origin, got, tc.want)
		}
	}
}
