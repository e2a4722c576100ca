package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/marshal"
)

const (
	clientQueueSize = 64
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
)

// Notification is one host notification as streamed to event clients.
type Notification struct {
	ID   string         `json:"id"`
	Kind string         `json:"kind"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data"`
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans host notifications out to websocket clients. A client that
// falls behind by more than its queue is disconnected.
type Hub struct {
	mu       sync.Mutex
	clients  map[*eventClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*eventClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With("subsystem", "events"),
		now:    time.Now,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish sends a notification of kind to every client.
func (h *Hub) Publish(kind marshal.Kind, data map[string]any) {
	n := Notification{
		ID:   uuid.NewString(),
		Kind: kind.String(),
		Time: h.now().UTC(),
		Data: data,
	}
	msg, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("encoding notification failed", "kind", n.Kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("event client too slow, disconnecting", "remote_addr", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

func (h *Hub) removeLocked(c *eventClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *eventClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ServeHTTP upgrades the request to a websocket and streams notifications
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := &eventClient{conn: conn, send: make(chan []byte, clientQueueSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("event client connected", "remote_addr", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
	h.logger.Info("event client disconnected", "remote_addr", r.RemoteAddr)
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(c *eventClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("event client read failed", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Sink returns host callbacks that publish every notification to the hub.
func (h *Hub) Sink() marshal.EventSink {
	return marshal.EventSink{
		RegistrationChanged: func(acc engine.AccountID, status int) {
			h.Publish(marshal.KindRegistration, map[string]any{"account_id": acc, "status": status})
		},
		CallStateChanged: func(call engine.CallID, state engine.CallState, status int) {
			h.Publish(marshal.KindCallState, map[string]any{"call_id": call, "state": state.String(), "status": status})
		},
		IncomingCall: func(call engine.CallID, remoteContact string) {
			h.Publish(marshal.KindIncomingCall, map[string]any{"call_id": call, "remote_contact": remoteContact})
		},
		CallHoldConfirmed: func(call engine.CallID) {
			h.Publish(marshal.KindHoldConfirmed, map[string]any{"call_id": call})
		},
		MessageReceived: func(from, text string) {
			h.Publish(marshal.KindMessage, map[string]any{"from": from, "text": text})
		},
		BuddyStatusChanged: func(buddy engine.BuddyID, status int, text string) {
			h.Publish(marshal.KindBuddyStatus, map[string]any{"buddy_id": buddy, "status": status, "text": text})
		},
		DTMFDigitReceived: func(call engine.CallID, digit rune) {
			h.Publish(marshal.KindDTMF, map[string]any{"call_id": call, "digit": string(digit)})
		},
		MessageWaiting: func(waiting bool, summary string) {
			h.Publish(marshal.KindMessageWaiting, map[string]any{"waiting": waiting, "summary": summary})
		},
		CallReplaced: func(old, new engine.CallID) {
			h.Publish(marshal.KindCallReplaced, map[string]any{"old_call_id": old, "new_call_id": new})
		},
		TypingIndication: func(from string, typing bool) {
			h.Publish(marshal.KindTyping, map[string]any{"from": from, "typing": typing})
		},
	}
}
