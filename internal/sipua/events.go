package sipua

import (
	"context"
	"sync"
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
)

// eventQueue is an unbounded FIFO of stamped events. Stamping and
// enqueueing happen under one lock so sequence numbers follow delivery
// order.
type eventQueue struct {
	mu     sync.Mutex
	seq    uint64
	events []queued
	closed bool
	notify chan struct{}
}

// queued is an event plus an optional hook run once the handler returns.
type queued struct {
	ev    engine.Event
	after func()
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev engine.Stamper, after func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	ev.Stamp(q.seq, time.Now())
	q.events = append(q.events, queued{ev: ev, after: after})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
}

// reopen accepts events again after close.
func (q *eventQueue) reopen() {
	q.mu.Lock()
	q.closed = false
	q.events = nil
	q.mu.Unlock()
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// emit queues ev for the handler.
func (e *Engine) emit(ev engine.Stamper) {
	e.queue.push(ev, nil)
}

// emitThen queues ev and runs after once the handler has seen it.
func (e *Engine) emitThen(ev engine.Stamper, after func()) {
	e.queue.push(ev, after)
}

// dispatch delivers queued events until ctx is done. Close does not wait
// for it, since the handler may be blocked on a lock held by Close's caller.
func (e *Engine) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.queue.notify:
		}
		if ctx.Err() != nil {
			return
		}
		e.deliver(e.queue.drain())
	}
}

func (e *Engine) deliver(events []queued) int {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	for _, q := range events {
		if h != nil {
			h.HandleEvent(q.ev)
		}
		if q.after != nil {
			q.after()
		}
	}
	return len(events)
}

// Poll delivers queued events, waiting up to timeout for the first one. It
// returns immediately when a dispatcher goroutine delivers events.
func (e *Engine) Poll(timeout time.Duration) (int, error) {
	e.mu.Lock()
	started, stopping := e.started, e.stopping
	e.mu.Unlock()
	if !started || stopping {
		return 0, &engine.Error{Kind: engine.KindNotInitialized, Op: "poll"}
	}
	if !e.cfg.PollingEvents {
		return 0, nil
	}

	if e.queue.len() == 0 && timeout > 0 {
		t := time.NewTimer(timeout)
		select {
		case <-e.queue.notify:
		case <-t.C:
		}
		t.Stop()
	}
	return e.deliver(e.queue.drain()), nil
}
