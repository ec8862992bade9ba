// Package realtime streams batch activity and alerts to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"supply-integrity/internal/alerting"
	"supply-integrity/internal/metrics"
	"supply-integrity/internal/storage"
)

const (
	maxSubscribers = 10000
	queueSize      = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingEvery      = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// EventType names what an Event carries.
type EventType string

const (
	EventTransfer EventType = "transfer"
	EventAlert    EventType = "alert"
	EventBatch    EventType = "batch"
)

// Event is one message pushed to clients.
type Event struct {
	Type      EventType `json:"type"`
	BatchID   string    `json:"batchId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription filters what a client receives. Clients replace it by sending
// a JSON subscription message.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	BatchIDs   []string    `json:"batchIds"`
}

// Matches reports whether ev passes the filter. Empty lists match anything.
func (s Subscription) Matches(ev Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	return len(s.BatchIDs) == 0 || slices.Contains(s.BatchIDs, ev.BatchID)
}

type subscriber struct {
	conn   *websocket.Conn
	out    chan []byte
	filter atomic.Pointer[Subscription]
}

// Hub fans batch events out to connected subscribers. Slow subscribers are
// disconnected rather than allowed to stall the others.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	events   chan Event

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewHub creates a hub. allowedOrigin "*" accepts any browser origin; an
// empty value only accepts same-host and non-browser clients.
func NewHub(allowedOrigin string, logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "realtime").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigin),
		},
		events:      make(chan Event, queueSize),
		subscribers: make(map[*subscriber]struct{}),
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" || origin == allowed {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// Run delivers queued events until ctx is cancelled, then disconnects every
// subscriber. The hub refuses new connections afterwards.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info().Msg("realtime hub stopped")
			return
		case ev := <-h.events:
			h.fanout(ev)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) fanout(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("serialize event failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		if !s.filter.Load().Matches(ev) {
			continue
		}
		select {
		case s.out <- payload:
		default:
			h.logger.Debug().Msg("dropping slow subscriber")
			h.dropLocked(s)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subscribers {
		h.dropLocked(s)
	}
}

func (h *Hub) join(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.subscribers) >= maxSubscribers {
		return false
	}
	h.subscribers[s] = struct{}{}
	metrics.ActiveWebSocketClients.Set(float64(len(h.subscribers)))
	return true
}

func (h *Hub) leave(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s)
}

func (h *Hub) dropLocked(s *subscriber) {
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	close(s.out)
	metrics.ActiveWebSocketClients.Set(float64(len(h.subscribers)))
}

func (h *Hub) accepting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && len(h.subscribers) < maxSubscribers
}

func (h *Hub) enqueue(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn().Str("type", string(ev.Type)).Str("batch_id", ev.BatchID).Msg("event queue full, dropping event")
	}
}

// PublishTransfer announces a recorded transfer.
func (h *Hub) PublishTransfer(t storage.Transfer) {
	h.enqueue(Event{Type: EventTransfer, BatchID: t.BatchID, Timestamp: time.Now().UTC(), Data: t})
}

// PublishBatch announces a created or updated batch.
func (h *Hub) PublishBatch(b storage.Batch) {
	h.enqueue(Event{Type: EventBatch, BatchID: b.BatchID, Timestamp: time.Now().UTC(), Data: b})
}

// Notify pushes an alert to subscribers without waiting on them.
func (h *Hub) Notify(_ context.Context, note alerting.Notification) error {
	h.enqueue(Event{Type: EventAlert, BatchID: note.BatchID, Timestamp: note.RaisedAt, Data: note})
	return nil
}

// HandleWebSocket upgrades the request and registers a subscriber. Clients
// may pre-filter with ?batch=B1&batch=B2.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.accepting() {
		http.Error(w, "realtime stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &subscriber{conn: conn, out: make(chan []byte, queueSize)}
	sub := Subscription{AllEvents: true}
	if batches := r.URL.Query()["batch"]; len(batches) > 0 {
		sub = Subscription{BatchIDs: batches}
	}
	s.filter.Store(&sub)

	if !h.join(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go s.writeLoop(h.logger)
	go s.readLoop(h)
}

// readLoop applies subscription updates and detects disconnects.
func (s *subscriber) readLoop(h *Hub) {
	defer func() {
		h.leave(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(msg, &sub) == nil {
			s.filter.Store(&sub)
		}
	}
}

// writeLoop drains the outbound queue and keeps the connection alive. It
// exits when the queue is closed or a write fails.
func (s *subscriber) writeLoop(logger zerolog.Logger) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	for {
		var (
			kind = websocket.PingMessage
			body []byte
		)
		select {
		case msg, ok := <-s.out:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			kind, body = websocket.TextMessage, msg
		case <-ping.C:
		}

		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(kind, body); err != nil {
			logger.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

var _ alerting.Notifier = (*Hub)(nil)
