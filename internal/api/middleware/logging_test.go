package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func logOneRequest(t *testing.T, method, path string, h http.HandlerFunc) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.80:51000"
	StructuredLogger(logger)(h).ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decoding log line %q: %v", buf.String(), err)
	}
	return line
}

func TestStructuredLogger(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		handler http.HandlerFunc
		status  float64
		level   string
		bytes   float64
	}{
		{
			name:   "implicit ok",
			method: http.MethodGet,
			path:   "/api/v1/calls",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"data":[]}`))
			},
			status: 200, level: "INFO", bytes: 11,
		},
		{
			name:   "unknown call",
			method: http.MethodPost,
			path:   "/api/v1/calls/9/hold",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			status: 404, level: "WARN",
		},
		{
			name:   "first status wins",
			method: http.MethodDelete,
			path:   "/api/v1/calls/2",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				w.WriteHeader(http.StatusInternalServerError)
			},
			status: 202, level: "INFO",
		},
		{
			name:   "engine failure",
			method: http.MethodPost,
			path:   "/api/v1/accounts",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			status: 502, level: "ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := logOneRequest(t, tt.method, tt.path, tt.handler)
			if line["method"] != tt.method || line["path"] != tt.path {
				t.Errorf("logged %v %v, want %s %s", line["method"], line["path"], tt.method, tt.path)
			}
			if line["status"] != tt.status {
				t.Errorf("status = %v, want %v", line["status"], tt.status)
			}
			if line["level"] != tt.level {
				t.Errorf("level = %v, want %s", line["level"], tt.level)
			}
			if line["bytes"] != tt.bytes {
				t.Errorf("bytes = %v, want %v", line["bytes"], tt.bytes)
			}
			if line["client"] != "192.0.2.80" {
				t.Errorf("client = %v", line["client"])
			}
			if _, ok := line["duration_ms"]; !ok {
				t.Error("duration_ms missing")
			}
		})
	}
}

func TestStatusRecorderHijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("hijacking a recorder succeeded")
	}
}
