package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/icejuk/sipeksdk/internal/api/middleware"
	"github.com/icejuk/sipeksdk/internal/calllog"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/engine/enginetest"
	"github.com/icejuk/sipeksdk/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv  *Server
	sess *session.Session
	eng  *enginetest.Engine
	hub  *Hub
}

func newTestEnv(t *testing.T, opts Options, callLog CallLog, start bool) *testEnv {
	t.Helper()
	logger := testLogger()
	hub := NewHub(logger)
	eng := enginetest.New(4)
	sess := session.New(session.Config{}, eng, hub.Sink(), session.Hooks{}, logger)
	if start {
		if err := sess.Init(context.Background()); err != nil {
			t.Fatalf("Init() error: %v", err)
		}
	}
	srv := NewServer(sess, callLog, hub, opts, logger)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &testEnv{srv: srv, sess: sess, eng: eng, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)

	var env envelope
	if w.Code != http.StatusNoContent && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decoding response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, env
}

func (e *testEnv) addAccount(t *testing.T) {
	t.Helper()
	w, env := e.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{
		"username": "alice",
		"password": "secret",
		"domain":   "example.com",
		"default":  true,
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("register account: status %d, error %q", w.Code, env.Error)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, false)

	w, env := e.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health before init: status %d, want 503", w.Code)
	}
	if data, _ := env.Data.(map[string]any); data["status"] != "stopped" {
		t.Errorf("health before init: data = %v", env.Data)
	}

	if err := e.sess.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	w, _ = e.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("health after init: status %d, want 200", w.Code)
	}
}

func TestNotInitialized(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, false)

	w, _ := e.do(t, http.MethodPost, "/api/v1/calls", map[string]any{"account": 0, "uri": "sip:bob@example.com"}, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("make call before init: status %d, want 503", w.Code)
	}
}

func TestCallLifecycle(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)
	e.addAccount(t)

	w, env := e.do(t, http.MethodPost, "/api/v1/calls", map[string]any{"account": 0, "uri": "sip:bob@example.com"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("make call: status %d, error %q", w.Code, env.Error)
	}
	if data, _ := env.Data.(map[string]any); data["id"] != float64(0) {
		t.Errorf("make call: data = %v, want id 0", env.Data)
	}

	w, env = e.do(t, http.MethodGet, "/api/v1/calls", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list calls: status %d", w.Code)
	}
	if calls, _ := env.Data.([]any); len(calls) != 1 {
		t.Errorf("list calls: got %v, want 1 call", env.Data)
	}

	w, env = e.do(t, http.MethodGet, "/api/v1/calls/current", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("current call: status %d", w.Code)
	}
	call, _ := env.Data.(map[string]any)
	if call["id"] != float64(0) || call["direction"] != "outgoing" {
		t.Errorf("current call = %v", call)
	}

	w, _ = e.do(t, http.MethodPost, "/api/v1/calls/0/hold", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("hold: status %d", w.Code)
	}
	w, _ = e.do(t, http.MethodPost, "/api/v1/calls/0/dtmf", map[string]any{"digits": "12#", "mode": "rfc2833"}, "")
	if w.Code != http.StatusOK {
		t.Errorf("dtmf: status %d", w.Code)
	}
	if got := e.eng.Find("dial_dtmf"); len(got) != 1 || got[0].Body != "12#" {
		t.Errorf("dial_dtmf commands = %+v", got)
	}

	w, _ = e.do(t, http.MethodPost, "/api/v1/calls/0/transfer", map[string]any{"uri": "sip:carol@example.com"}, "")
	if w.Code != http.StatusAccepted {
		t.Errorf("transfer: status %d, want 202", w.Code)
	}

	w, _ = e.do(t, http.MethodDelete, "/api/v1/calls/0", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("release: status %d", w.Code)
	}
	if got := e.eng.Find("hangup"); len(got) != 1 {
		t.Errorf("hangup commands = %d, want 1", len(got))
	}
}

func TestCallErrors(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)
	e.addAccount(t)
	if _, err := e.sess.MakeCall(0, "sip:bob@example.com"); err != nil {
		t.Fatalf("MakeCall() error: %v", err)
	}
	e.eng.Fail["hold"] = errors.New("transaction timeout")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"stale call", http.MethodGet, "/api/v1/calls/3", nil, http.StatusBadRequest},
		{"out of range", http.MethodGet, "/api/v1/calls/9", nil, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/v1/calls/abc", nil, http.StatusBadRequest},
		{"engine rejected", http.MethodPost, "/api/v1/calls/0/hold", nil, http.StatusBadGateway},
		{"bad dtmf", http.MethodPost, "/api/v1/calls/0/dtmf", map[string]any{"digits": "xyz"}, http.StatusBadRequest},
		{"unknown service", http.MethodPost, "/api/v1/calls/0/service", map[string]any{"code": "teleport"}, http.StatusBadRequest},
		{"missing uri", http.MethodPost, "/api/v1/calls", map[string]any{"account": 0}, http.StatusBadRequest},
		{"unknown account", http.MethodPost, "/api/v1/calls", map[string]any{"account": 7, "uri": "sip:bob@example.com"}, http.StatusBadRequest},
		{"answer out of range", http.MethodPost, "/api/v1/calls/0/answer", map[string]any{"code": 42}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/api/v1/nope", nil, http.StatusNotFound},
		{"wrong method", http.MethodPatch, "/api/v1/calls", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := e.do(t, tt.method, tt.path, tt.body, "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (error %q)", w.Code, tt.want, env.Error)
			}
			if env.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestNoCurrentCall(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)
	w, _ := e.do(t, http.MethodGet, "/api/v1/calls/current", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAuth(t *testing.T) {
	secret := []byte("test-secret")
	e := newTestEnv(t, Options{Secret: secret}, nil, true)

	w, _ := e.do(t, http.MethodGet, "/api/v1/calls", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", w.Code)
	}
	w, _ = e.do(t, http.MethodGet, "/api/v1/calls", nil, "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status %d, want 401", w.Code)
	}
	w, _ = e.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("health without token: status %d, want 200", w.Code)
	}

	token, _, err := middleware.GenerateToken(secret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	w, _ = e.do(t, http.MethodGet, "/api/v1/calls", nil, token)
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status %d, want 200", w.Code)
	}
}

func TestAccountsAndPresence(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)

	w, _ := e.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"domain": "example.com"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing username: status %d, want 400", w.Code)
	}
	w, _ = e.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"username": "a", "domain": "example.com", "transport": "sctp"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad transport: status %d, want 400", w.Code)
	}

	e.addAccount(t)

	w, env := e.do(t, http.MethodGet, "/api/v1/accounts", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list accounts: status %d", w.Code)
	}
	accounts, _ := env.Data.([]any)
	if len(accounts) != 1 {
		t.Fatalf("accounts = %v, want 1", env.Data)
	}
	acc, _ := accounts[0].(map[string]any)
	if acc["uri"] != "sip:alice@example.com" || acc["default"] != true {
		t.Errorf("account = %v", acc)
	}
	if _, ok := acc["password"]; ok {
		t.Error("password returned in account listing")
	}

	w, env = e.do(t, http.MethodPut, "/api/v1/accounts/0/presence", map[string]any{"state": "On the phone"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("set presence: status %d, error %q", w.Code, env.Error)
	}
	if data, _ := env.Data.(map[string]any); data["state"] != "on_the_phone" {
		t.Errorf("set presence: data = %v", env.Data)
	}
	w, _ = e.do(t, http.MethodPut, "/api/v1/accounts/0/presence", map[string]any{"state": "sleeping"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown presence: status %d, want 400", w.Code)
	}

	w, _ = e.do(t, http.MethodDelete, "/api/v1/accounts", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("remove accounts: status %d", w.Code)
	}
	if accs, _ := e.sess.Accounts(); len(accs) != 0 {
		t.Errorf("accounts after removal = %d", len(accs))
	}
}

func TestBuddies(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)

	w, env := e.do(t, http.MethodPost, "/api/v1/buddies", map[string]any{"uri": "sip:bob@example.com"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("add buddy: status %d, error %q", w.Code, env.Error)
	}
	w, _ = e.do(t, http.MethodPost, "/api/v1/buddies", map[string]any{"uri": "sip:bob@example.com"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("duplicate buddy: status %d, want 400", w.Code)
	}

	_, env = e.do(t, http.MethodGet, "/api/v1/buddies", nil, "")
	buddies, _ := env.Data.([]any)
	if len(buddies) != 1 {
		t.Fatalf("buddies = %v", env.Data)
	}
	if b, _ := buddies[0].(map[string]any); b["subscribed"] != true {
		t.Errorf("buddy = %v, want subscribed", b)
	}

	w, _ = e.do(t, http.MethodDelete, "/api/v1/buddies/0", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("remove buddy: status %d", w.Code)
	}
	w, _ = e.do(t, http.MethodDelete, "/api/v1/buddies/0", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("remove unknown buddy: status %d, want 400", w.Code)
	}
}

func TestMessaging(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)
	e.addAccount(t)

	w, _ := e.do(t, http.MethodPost, "/api/v1/messages", map[string]any{"account": 0, "uri": "sip:bob@example.com", "text": "hi"}, "")
	if w.Code != http.StatusAccepted {
		t.Errorf("send message: status %d, want 202", w.Code)
	}
	w, _ = e.do(t, http.MethodPost, "/api/v1/messages", map[string]any{"account": 0, "uri": "sip:bob@example.com"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty message: status %d, want 400", w.Code)
	}
	w, _ = e.do(t, http.MethodPost, "/api/v1/typing", map[string]any{"account": 0, "uri": "sip:bob@example.com", "typing": true}, "")
	if w.Code != http.StatusAccepted {
		t.Errorf("send typing: status %d, want 202", w.Code)
	}
	if got := e.eng.Find("send_message"); len(got) != 1 || got[0].Body != "hi" {
		t.Errorf("send_message commands = %+v", got)
	}
}

func TestCodecs(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)

	w, _ := e.do(t, http.MethodPut, "/api/v1/codecs/PCMA%2F8000", map[string]any{"priority": 200}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("set priority: status %d", w.Code)
	}
	w, _ = e.do(t, http.MethodPut, "/api/v1/codecs/PCMA%2F8000", map[string]any{"priority": 300}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("priority out of range: status %d, want 400", w.Code)
	}

	_, env := e.do(t, http.MethodGet, "/api/v1/codecs", nil, "")
	codecs, _ := env.Data.([]any)
	if len(codecs) != 2 {
		t.Fatalf("codecs = %v", env.Data)
	}
	found := false
	for _, c := range codecs {
		m, _ := c.(map[string]any)
		if m["name"] == "PCMA/8000" {
			found = true
			if m["priority"] != float64(200) {
				t.Errorf("PCMA priority = %v, want 200", m["priority"])
			}
		}
	}
	if !found {
		t.Error("PCMA/8000 not listed")
	}
}

func TestCallLog(t *testing.T) {
	store, err := calllog.Open("", t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("calllog.Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Now()
	for _, entry := range []calllog.Entry{
		{Type: calllog.Dialed, Number: "100", Time: now.Add(-2 * time.Minute), Duration: 30 * time.Second},
		{Type: calllog.Missed, Number: "200", Time: now.Add(-time.Minute)},
		{Type: calllog.Missed, Number: "300", Time: now},
	} {
		if _, err := store.Add(ctx, entry); err != nil {
			t.Fatalf("Add() error: %v", err)
		}
	}

	e := newTestEnv(t, Options{}, store, true)

	w, env := e.do(t, http.MethodGet, "/api/v1/calllog?type=missed&limit=1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d, error %q", w.Code, env.Error)
	}
	page, _ := env.Data.(map[string]any)
	if page["total"] != float64(2) || page["limit"] != float64(1) {
		t.Errorf("page = %v", page)
	}
	items, _ := page["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v", page["items"])
	}
	first, _ := items[0].(map[string]any)
	if first["number"] != "300" {
		t.Errorf("newest missed = %v, want number 300", first)
	}

	w, _ = e.do(t, http.MethodGet, "/api/v1/calllog?type=bogus", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad type: status %d, want 400", w.Code)
	}

	id := int64(first["id"].(float64))
	path := "/api/v1/calllog/" + strconv.FormatInt(id, 10)
	w, _ = e.do(t, http.MethodDelete, path, nil, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: status %d, want 204", w.Code)
	}
	w, _ = e.do(t, http.MethodDelete, path, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("delete again: status %d, want 404", w.Code)
	}

	w, env = e.do(t, http.MethodDelete, "/api/v1/calllog", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("clear: status %d", w.Code)
	}
	if data, _ := env.Data.(map[string]any); data["deleted"] != float64(2) {
		t.Errorf("clear: data = %v, want 2 deleted", env.Data)
	}
}

func TestCallLogDisabled(t *testing.T) {
	e := newTestEnv(t, Options{}, nil, true)
	w, _ := e.do(t, http.MethodGet, "/api/v1/calllog", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "sipek_active_calls 0\n")
	})
	e := newTestEnv(t, Options{Metrics: metrics}, nil, true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("sipek_active_calls")) {
		t.Errorf("metrics: status %d body %q", w.Code, w.Body.String())
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", engine.Invalid("op", "bad"), http.StatusBadRequest},
		{"stale", engine.Stale("op", 2), http.StatusBadRequest},
		{"not initialized", engine.ErrNotInitialized, http.StatusServiceUnavailable},
		{"already initialized", engine.ErrAlreadyInitialized, http.StatusConflict},
		{"rejected", engine.Rejected("op", 486, errors.New("busy")), http.StatusBadGateway},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorStatus(tt.err); got != tt.want {
				t.Errorf("errorStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}
