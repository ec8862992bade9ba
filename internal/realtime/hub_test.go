package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supply-integrity/internal/alerting"
	"supply-integrity/internal/storage"
)

func TestSubscriptionMatches(t *testing.T) {
	alertB1 := Event{Type: EventAlert, BatchID: "B1"}
	transferB2 := Event{Type: EventTransfer, BatchID: "B2"}

	tests := []struct {
		name string
		sub  Subscription
		ev   Event
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, transferB2, true},
		{"type match", Subscription{EventTypes: []EventType{EventAlert}}, alertB1, true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventAlert}}, transferB2, false},
		{"batch match", Subscription{BatchIDs: []string{"B2"}}, transferB2, true},
		{"batch mismatch", Subscription{BatchIDs: []string{"B2"}}, alertB1, false},
		{"type and batch", Subscription{EventTypes: []EventType{EventAlert}, BatchIDs: []string{"B1"}}, alertB1, true},
		{"empty filter", Subscription{}, alertB1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.ev))
		})
	}
}

func TestOriginChecker(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.local/api/ws", nil)
	req.Host = "api.local"

	req.Header.Set("Origin", "https://ui.example")
	assert.True(t, originChecker("*")(req))
	assert.True(t, originChecker("https://ui.example")(req))
	assert.False(t, originChecker("")(req))

	req.Header.Set("Origin", "http://api.local")
	assert.True(t, originChecker("")(req))

	req.Header.Del("Origin")
	assert.True(t, originChecker("")(req))
}

func TestHubDeliversFilteredEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub("*", zerolog.Nop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?batch=B1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.Clients() == 1
	}, time.Second, 10*time.Millisecond)

	hub.PublishTransfer(storage.Transfer{BatchID: "B2", From: "0xA", To: "0xB", Timestamp: 1})
	require.NoError(t, hub.Notify(ctx, alerting.Notification{BatchID: "B1", Reason: "Duplicate transfer detected", RaisedAt: time.Now()}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type    EventType `json:"type"`
		BatchID string    `json:"batchId"`
		Data    struct {
			Reason string `json:"reason"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, EventAlert, ev.Type)
	assert.Equal(t, "B1", ev.BatchID)
	assert.Equal(t, "Duplicate transfer detected", ev.Data.Reason)
}

func TestHubRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub("", zerolog.Nop())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	w := httptest.NewRecorder()
	hub.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/api/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHubDropsClientOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub("*", zerolog.Nop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
