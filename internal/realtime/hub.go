// Package realtime streams live pool activity over WebSockets.
//
// Operators subscribe to events instead of polling the status endpoint:
// key health transitions, settings changes, and lease reclaims from the
// background reaper.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/keymux/internal/metrics"
)

// EventType names a stream event.
type EventType string

const (
	EventKeyStatus       EventType = "key_status"
	EventSettingsChanged EventType = "settings_changed"
	EventLeaseReclaimed  EventType = "lease_reclaimed"
)

// Event is one stream message. The unexported group and key fields
// duplicate payload fields so subscription matching never reflects into
// Data.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`

	group string
	key   string
}

// KeyStatusData reports one key's health transition. Key is masked.
type KeyStatusData struct {
	Key   string `json:"key"`
	Group string `json:"group"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// SettingChangedData reports a runtime setting update. Value is empty
// when the setting reverted to its deployment default.
type SettingChangedData struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LeaseReclaimedData reports how many expired leases a reaper pass took
// back.
type LeaseReclaimedData struct {
	Count int `json:"count"`
}

// Subscription filters what a client receives. Clients start with
// AllEvents and narrow by sending a replacement subscription as JSON.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Groups     []string    `json:"groups"` // only these key groups
	Keys       []string    `json:"keys"`   // only these keys, masked form
}

// wants reports whether ev passes the filters. Events that carry no
// group or key pass the respective filter, since there is nothing to
// match against.
func (s Subscription) wants(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.Groups) > 0 && ev.group != "" && !slices.Contains(s.Groups, ev.group) {
		return false
	}
	if len(s.Keys) > 0 && ev.key != "" && !slices.Contains(s.Keys, ev.key) {
		return false
	}
	return true
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 4096 // subscription updates are small JSON documents
	sendBuffer     = 64

	// MaxClients bounds concurrent WebSocket connections.
	MaxClients = 10000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	},
}

// session is one connected WebSocket client.
type session struct {
	conn *websocket.Conn
	out  chan []byte

	mu  sync.Mutex
	sub Subscription
}

func (s *session) subscription() Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *session) setSubscription(sub Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// Hub fans events out to connected sessions.
type Hub struct {
	logger *slog.Logger
	events chan *Event

	mu       sync.Mutex
	sessions map[*session]struct{}
	shutdown bool

	totalEvents   atomic.Int64
	totalSessions atomic.Int64
	peakSessions  atomic.Int64
}

// NewHub returns a hub ready for Run.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		events:   make(chan *Event, 256),
		sessions: make(map[*session]struct{}),
	}
}

// Run fans queued events out until ctx ends, then closes every session
// and stops accepting new ones.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = true
	for s := range h.sessions {
		close(s.out)
		delete(h.sessions, s)
	}
	metrics.ActiveWebSocketClients.Set(0)
}

// fanOut serializes ev once and queues it to every matching session.
// Sessions that cannot keep up are dropped rather than allowed to stall
// the stream.
func (h *Hub) fanOut(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		if !s.subscription().wants(ev) {
			continue
		}
		select {
		case s.out <- payload:
		default:
			close(s.out)
			delete(h.sessions, s)
			h.logger.Warn("dropping slow websocket client")
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.sessions)))
}

// attach registers s unless the hub is full or has shut down.
func (h *Hub) attach(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown || len(h.sessions) >= MaxClients {
		return false
	}
	h.sessions[s] = struct{}{}
	h.totalSessions.Add(1)
	if n := int64(len(h.sessions)); n > h.peakSessions.Load() {
		h.peakSessions.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.sessions)))
	h.logger.Info("websocket client connected", "total", len(h.sessions))
	return true
}

// detach removes s. Safe to call after the hub already dropped it.
func (h *Hub) detach(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	close(s.out)
	delete(h.sessions, s)
	metrics.ActiveWebSocketClients.Set(float64(len(h.sessions)))
	h.logger.Info("websocket client disconnected", "total", len(h.sessions))
}

// Broadcast queues ev for delivery. A full queue drops the event so
// callers on request paths never block.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

// BroadcastKeyStatus announces a key health transition. The key must
// already be in masked form.
func (h *Hub) BroadcastKeyStatus(key, group, from, to string) {
	h.Broadcast(&Event{
		Type:      EventKeyStatus,
		Timestamp: time.Now().UTC(),
		Data:      KeyStatusData{Key: key, Group: group, From: from, To: to},
		group:     group,
		key:       key,
	})
}

// BroadcastSettingsChanged announces a runtime setting update.
func (h *Hub) BroadcastSettingsChanged(name, value string) {
	h.Broadcast(&Event{
		Type:      EventSettingsChanged,
		Timestamp: time.Now().UTC(),
		Data:      SettingChangedData{Name: name, Value: value},
	})
}

// BroadcastLeaseReclaimed announces that the reaper took back count
// expired leases.
func (h *Hub) BroadcastLeaseReclaimed(count int) {
	h.Broadcast(&Event{
		Type:      EventLeaseReclaimed,
		Timestamp: time.Now().UTC(),
		Data:      LeaseReclaimedData{Count: count},
	})
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Stats reports connection and event counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	connected := len(h.sessions)
	h.mu.Unlock()
	return Stats{
		ConnectedClients: connected,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalSessions.Load(),
		PeakClients:      h.peakSessions.Load(),
	}
}

// HandleWebSocket upgrades the request and services the connection until
// either side closes it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	rejecting := h.shutdown || len(h.sessions) >= MaxClients
	h.mu.Unlock()
	if rejecting {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}
	if !h.attach(s) {
		_ = conn.Close()
		return
	}

	go h.writeLoop(s)
	go h.readLoop(s)
}

// readLoop consumes subscription updates and keeps the pong deadline
// fresh. It owns connection teardown.
func (h *Hub) readLoop(s *session) {
	defer func() {
		h.detach(s)
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
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			h.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		s.setSubscription(sub)
	}
}

// writeLoop flushes queued events and pings the peer so half-dead
// connections get reaped by the read deadline.
func (h *Hub) writeLoop(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
