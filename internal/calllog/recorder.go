package calllog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/icejuk/sipeksdk/internal/registry"
)

// Adder stores call log entries.
type Adder interface {
	Add(ctx context.Context, e Entry) (int64, error)
}

// Recorder turns finished calls into call log entries and writes them from
// a single goroutine so callers never block on the database.
type Recorder struct {
	store  Adder
	queue  chan Entry
	logger *slog.Logger
	now    func() time.Time

	// OnWritten, when set, is called after each write attempt.
	OnWritten func(Entry, error)

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder creates a Recorder holding at most size pending entries.
func NewRecorder(store Adder, size int, logger *slog.Logger) *Recorder {
	if size <= 0 {
		size = 64
	}
	return &Recorder{
		store:  store,
		queue:  make(chan Entry, size),
		logger: logger.With("subsystem", "calllog"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Record queues the entry for a finished call. When the queue is full the
// entry is dropped.
func (r *Recorder) Record(rec registry.CallRecord) {
	e := FromRecord(rec, r.now())
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("call log queue full, dropping entry", "call_id", rec.ID, "type", string(e.Type))
	}
}

// Run writes queued entries until Close is called or ctx is cancelled.
// Entries still queued at Close are written before Run returns.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-r.done:
			for {
				select {
				case e := <-r.queue:
					r.write(context.Background(), e)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops Run after the queue has drained.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id, err := r.store.Add(ctx, e)
	if err != nil {
		r.logger.Error("writing call log entry failed", "type", string(e.Type), "number", e.Number, "error", err)
	} else {
		e.ID = id
		r.logger.Debug("call log entry written", "id", id, "type", string(e.Type), "number", e.Number)
	}
	if r.OnWritten != nil {
		r.OnWritten(e, err)
	}
}
