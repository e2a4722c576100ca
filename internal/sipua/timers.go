package sipua

import (
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
)

type timerKey struct {
	call engine.CallID
	kind engine.TimerKind
}

// ArmTimer schedules a TimerFired event for call after d, replacing any
// timer of the same kind. The generation is echoed back so the receiver
// can discard firings of a timer it has since re-armed.
func (e *Engine) ArmTimer(call engine.CallID, kind engine.TimerKind, d time.Duration, generation uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.lookup("arm_timer", call); err != nil {
		return err
	}
	if d <= 0 {
		return engine.Invalid("arm_timer", "non-positive duration %s", d)
	}
	key := timerKey{call: call, kind: kind}
	if t, ok := e.timers[key]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.mu.Lock()
		if e.timers[key] != t {
			e.mu.Unlock()
			return
		}
		delete(e.timers, key)
		e.mu.Unlock()
		e.emit(&engine.TimerFired{Call: call, Kind: kind, Generation: generation})
	})
	e.timers[key] = t
	e.logger.Debug("timer armed", "call_id", call, "kind", kind.String(), "after", d, "generation", generation)
	return nil
}

// CancelTimer stops a pending timer. It reports whether one was pending.
func (e *Engine) CancelTimer(call engine.CallID, kind engine.TimerKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := timerKey{call: call, kind: kind}
	t, ok := e.timers[key]
	if !ok {
		return false
	}
	delete(e.timers, key)
	return t.Stop()
}

func (e *Engine) cancelTimersLocked(call engine.CallID) {
	for key, t := range e.timers {
		if key.call == call {
			t.Stop()
			delete(e.timers, key)
		}
	}
}
