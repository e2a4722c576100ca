package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/marshal"
)

func dialEvents(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readNotification(t *testing.T, conn *websocket.Conn) Notification {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var n Notification
	if err := json.Unmarshal(msg, &n); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return n
}

func TestEventStream(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	conn := dialEvents(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events")
	waitForClients(t, e.hub, 1)

	sink := e.hub.Sink()
	sink.CallStateChanged(2, engine.CallStateConfirmed, 200)

	n := readNotification(t, conn)
	if n.Kind != "call_state" {
		t.Errorf("kind = %q, want call_state", n.Kind)
	}
	if n.ID == "" || n.Time.IsZero() {
		t.Errorf("notification missing id or time: %+v", n)
	}
	if n.Data["call_id"] != float64(2) || n.Data["state"] != engine.CallStateConfirmed.String() {
		t.Errorf("data = %v", n.Data)
	}

	e.hub.Publish(marshal.KindMessageWaiting, map[string]any{"waiting": true})
	if n := readNotification(t, conn); n.Kind != "message_waiting" || n.Data["waiting"] != true {
		t.Errorf("notification = %+v", n)
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	e := newTestEnv(t, Options{Secret: []byte("s3cret")}, nil, true)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events", nil)
	if err == nil {
		t.Fatal("dial succeeded without a token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestHubCloseDisconnects(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	conn := dialEvents(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events")
	waitForClients(t, e.hub, 1)

	e.hub.Close()
	if e.hub.Clients() != 0 {
		t.Errorf("clients after Close = %d", e.hub.Clients())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after Close error = %v, want normal closure", err)
	}
}
