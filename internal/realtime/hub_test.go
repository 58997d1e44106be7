package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var dialer = websocket.DefaultDialer

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHub runs a hub behind an httptest server and returns the ws URL.
func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type wsconn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialHub(t *testing.T, url string) *wsconn {
	t.Helper()
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsconn{t: t, conn: conn}
}

// wireEvent mirrors Event with raw data for client-side decoding.
type wireEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (e *wireEvent) decodeData(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(e.Data, v); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
}

func (c *wsconn) readEvent() *wireEvent {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read event: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		c.t.Fatalf("decode event: %v", err)
	}
	return &ev
}

func (c *wsconn) writeJSON(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write json: %v", err)
	}
}

func (c *wsconn) writeText(s string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		c.t.Fatalf("write text: %v", err)
	}
}

func (c *wsconn) close() {
	_ = c.conn.Close()
}

// expectClose waits for the server to end the connection. Only a read
// timeout counts as failure.
func (c *wsconn) expectClose() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return err
			}
			return nil
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscriptionWants(t *testing.T) {
	keyEvent := &Event{Type: EventKeyStatus, group: "openai", key: "sk-...k3y"}
	leaseEvent := &Event{Type: EventLeaseReclaimed}

	tests := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"all events passes everything", Subscription{AllEvents: true}, keyEvent, true},
		{"matching type", Subscription{EventTypes: []EventType{EventKeyStatus}}, keyEvent, true},
		{"mismatched type", Subscription{EventTypes: []EventType{EventSettingsChanged}}, keyEvent, false},
		{"matching group", Subscription{Groups: []string{"openai"}}, keyEvent, true},
		{"mismatched group", Subscription{Groups: []string{"anthropic"}}, keyEvent, false},
		{"matching key", Subscription{Keys: []string{"sk-...k3y"}}, keyEvent, true},
		{"mismatched key", Subscription{Keys: []string{"sk-...oth"}}, keyEvent, false},
		{"group filter ignores groupless event", Subscription{Groups: []string{"openai"}}, leaseEvent, true},
		{"key filter ignores keyless event", Subscription{Keys: []string{"sk-...k3y"}}, leaseEvent, true},
		{"empty subscription passes everything", Subscription{}, keyEvent, true},
		{"type and group must both match", Subscription{EventTypes: []EventType{EventKeyStatus}, Groups: []string{"anthropic"}}, keyEvent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.wants(tt.ev); got != tt.want {
				t.Errorf("wants() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHubDeliversKeyStatusEvent(t *testing.T) {
	h, url := startHub(t)
	c := dialHub(t, url)
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 1 }, "client never attached")

	h.BroadcastKeyStatus("sk-...k3y", "openai", "enabled", "cooldown")

	ev := c.readEvent()
	if ev.Type != EventKeyStatus {
		t.Fatalf("event type = %q, want %q", ev.Type, EventKeyStatus)
	}
	var data KeyStatusData
	ev.decodeData(t, &data)
	if data.Key != "sk-...k3y" || data.Group != "openai" {
		t.Errorf("unexpected payload: %+v", data)
	}
	if data.From != "enabled" || data.To != "cooldown" {
		t.Errorf("transition = %s to %s, want enabled to cooldown", data.From, data.To)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestHubDeliversLeaseReclaims(t *testing.T) {
	h, url := startHub(t)
	c := dialHub(t, url)
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 1 }, "client never attached")

	h.BroadcastLeaseReclaimed(3)

	ev := c.readEvent()
	if ev.Type != EventLeaseReclaimed {
		t.Fatalf("event type = %q, want %q", ev.Type, EventLeaseReclaimed)
	}
	var data LeaseReclaimedData
	ev.decodeData(t, &data)
	if data.Count != 3 {
		t.Errorf("count = %d, want 3", data.Count)
	}
}

func TestHubAppliesSubscriptionFilter(t *testing.T) {
	h, url := startHub(t)
	c := dialHub(t, url)
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 1 }, "client never attached")

	c.writeJSON(Subscription{EventTypes: []EventType{EventSettingsChanged}})
	// The subscription applies asynchronously in the read loop.
	time.Sleep(100 * time.Millisecond)

	h.BroadcastKeyStatus("sk-...k3y", "openai", "enabled", "cooldown")
	h.BroadcastSettingsChanged("strategy", "round_robin")

	ev := c.readEvent()
	if ev.Type != EventSettingsChanged {
		t.Fatalf("first delivered event = %q, want only %q", ev.Type, EventSettingsChanged)
	}
	var data SettingChangedData
	ev.decodeData(t, &data)
	if data.Name != "strategy" || data.Value != "round_robin" {
		t.Errorf("unexpected payload: %+v", data)
	}
}

func TestHubGroupFilter(t *testing.T) {
	h, url := startHub(t)
	c := dialHub(t, url)
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 1 }, "client never attached")

	c.writeJSON(Subscription{Groups: []string{"anthropic"}})
	time.Sleep(100 * time.Millisecond)

	h.BroadcastKeyStatus("sk-...aaa", "openai", "enabled", "cooldown")
	h.BroadcastKeyStatus("sk-...bbb", "anthropic", "cooldown", "enabled")

	ev := c.readEvent()
	var data KeyStatusData
	ev.decodeData(t, &data)
	if data.Group != "anthropic" {
		t.Fatalf("delivered group = %q, want anthropic only", data.Group)
	}
}

func TestHubMalformedSubscriptionIsIgnored(t *testing.T) {
	h, url := startHub(t)
	c := dialHub(t, url)
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 1 }, "client never attached")

	c.writeText("{not json")
	time.Sleep(50 * time.Millisecond)

	// The default all-events subscription survives the bad message.
	h.BroadcastSettingsChanged("cooldown_seconds", "120")
	ev := c.readEvent()
	if ev.Type != EventSettingsChanged {
		t.Fatalf("event type = %q, want %q", ev.Type, EventSettingsChanged)
	}
	if h.Stats().ConnectedClients != 1 {
		t.Error("client dropped after malformed subscription")
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := dialHub(t, url)
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 1 }, "client never attached")

	cancel()
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 0 }, "hub kept clients after shutdown")

	if err := c.expectClose(); err != nil {
		t.Errorf("expected close frame: %v", err)
	}

	// New connections are turned away once the hub stopped.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("probe request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after shutdown = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestHubStatsCountsClientsAndEvents(t *testing.T) {
	h, url := startHub(t)

	if s := h.Stats(); s.ConnectedClients != 0 || s.TotalEvents != 0 {
		t.Fatalf("fresh hub stats = %+v", s)
	}

	c1 := dialHub(t, url)
	c2 := dialHub(t, url)
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 2 }, "clients never attached")

	h.BroadcastSettingsChanged("strategy", "sticky")
	c1.readEvent()
	c2.readEvent()

	s := h.Stats()
	if s.TotalEvents != 1 {
		t.Errorf("total events = %d, want 1", s.TotalEvents)
	}
	if s.TotalClients != 2 || s.PeakClients != 2 {
		t.Errorf("client counters = %+v, want total 2 peak 2", s)
	}

	// Dropping one client shrinks connected but not the running totals.
	c1.close()
	waitFor(t, func() bool { return h.Stats().ConnectedClients == 1 }, "disconnect not observed")
	if s := h.Stats(); s.TotalClients != 2 || s.PeakClients != 2 {
		t.Errorf("counters after disconnect = %+v, want total 2 peak 2", s)
	}
}

func TestHubRejectsCrossOriginBrowsers(t *testing.T) {
	_, url := startHub(t)

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	conn, resp, err := dialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("cross-origin handshake succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestHubBroadcastDoesNotBlockWithoutRun(t *testing.T) {
	h := NewHub(testLogger())
	// Overfill the queue. Broadcast must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 512; i++ {
			h.BroadcastLeaseReclaimed(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
}

func TestEventJSONShape(t *testing.T) {
	ev := &Event{
		Type:      EventKeyStatus,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Data:      KeyStatusData{Key: "sk-...k3y", Group: "openai", From: "enabled", To: "cooldown"},
		group:     "openai",
		key:       "sk-...k3y",
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"type", "timestamp", "data"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("marshalled event missing %q", field)
		}
	}
	// Routing fields stay internal.
	if _, ok := decoded["group"]; ok {
		t.Error("unexported group field leaked into JSON")
	}
	data, ok := decoded["data"].(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", decoded["data"])
	}
	if data["key"] != "sk-...k3y" || data["to"] != "cooldown" {
		t.Errorf("unexpected data payload: %v", data)
	}
}
