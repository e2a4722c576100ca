package sipua

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/icejuk/sipeksdk/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *recorder) HandleEvent(ev engine.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []engine.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Event(nil), r.events...)
}

// newTestEngine builds an engine that never opens SIP listeners.
func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.RTPPortMin == 0 {
		cfg.RTPPortMin, cfg.RTPPortMax = 42200, 42240
	}
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// markStarted puts e in the started state without binding sockets.
func markStarted(e *Engine, h engine.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
}

// placeCall occupies a slot with a confirmed call that has no dialog.
func placeCall(e *Engine, id engine.CallID) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &call{id: id, incoming: true, state: engine.CallStateConfirmed, port: engine.InvalidPort}
	e.calls[id] = c
	return c
}
