// Package callstate drives the per-call lifecycle from engine-reported call
// state: duration caps, cursor maintenance, INFO and transfer handling, and
// the host notifications that follow each transition.
package callstate

import (
	"errors"
	"log/slog"
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/registry"
)

// DurationWarning is the header sent when a call is hung up because it
// reached the configured duration cap.
var DurationWarning = engine.Header{Name: "Warning", Value: `399 pjsua "Call duration exceeded"`}

// Engine is the engine surface the state machine drives.
type Engine interface {
	Hangup(call engine.CallID, code int, reason string, headers []engine.Header) error
	CallDump(call engine.CallID) string
	engine.Timers
}

// Notifier receives the host notifications raised by call transitions.
type Notifier interface {
	CallStateChanged(seq uint64, call engine.CallID, state engine.CallState, status int)
	IncomingCall(seq uint64, call engine.CallID, remoteContact string)
	CallReplaced(seq uint64, old, new engine.CallID)
	DTMFDigit(seq uint64, call engine.CallID, digit rune)
}

// Machine applies engine call events to the registry.
type Machine struct {
	reg         *registry.Registry
	eng         Engine
	notify      Notifier
	durationCap time.Duration
	logger      *slog.Logger

	// OnFinished, when set, receives the final record of every call just
	// before its slot is released.
	OnFinished func(rec registry.CallRecord)
}

// New creates a Machine. A durationCap of zero disables the cap.
func New(reg *registry.Registry, eng Engine, notify Notifier, durationCap time.Duration, logger *slog.Logger) *Machine {
	return &Machine{
		reg:         reg,
		eng:         eng,
		notify:      notify,
		durationCap: durationCap,
		logger:      logger.With("subsystem", "callstate"),
	}
}

// DurationCap returns the configured call duration cap.
func (m *Machine) DurationCap() time.Duration { return m.durationCap }

// OnCallState applies a call state change. Events for free slots and
// transitions the lifecycle does not allow are dropped with a warning.
func (m *Machine) OnCallState(ev *engine.CallStateChanged) {
	prev, _ := m.reg.Get(ev.Call)

	rec, err := m.reg.Upsert(ev.Call, ev.State)
	if err != nil {
		if errors.Is(err, registry.ErrSlotFree) || errors.Is(err, registry.ErrIllegalTransition) {
			m.logger.Warn("dropping call state event", "call_id", ev.Call, "state", ev.State.String(), "error", err)
		} else {
			m.logger.Warn("call state for invalid call", "call_id", ev.Call, "error", err)
		}
		return
	}
	rec, _ = m.reg.Update(ev.Call, func(r *registry.CallRecord) {
		r.LastStatus = ev.LastStatus
		r.LastStatusText = ev.LastStatusText
	})

	if ev.State == engine.CallStateDisconnected {
		m.disconnected(ev, rec)
		return
	}

	switch ev.State {
	case engine.CallStateConfirmed:
		m.cancelTimer(ev.Call, engine.TimerNoReply)
		if prev.State != engine.CallStateConfirmed {
			m.armDuration(ev.Call, rec)
		}
		m.logger.Info("call state changed", "call_id", ev.Call, "state", ev.State.String())

	case engine.CallStateEarly:
		dir, code, reason := engine.DirectionUnknown, ev.LastStatus, ev.LastStatusText
		if ev.Msg != nil {
			dir, code, reason = ev.Msg.Direction, ev.Msg.StatusCode, ev.Msg.Reason
		}
		m.logger.Info("call state changed",
			"call_id", ev.Call,
			"state", ev.State.String(),
			"message", dir.String(),
			"status", code,
			"reason", reason,
		)

	default:
		m.logger.Info("call state changed", "call_id", ev.Call, "state", ev.State.String())
	}

	if m.reg.Current() == engine.InvalidCall {
		m.reg.SetCurrent(ev.Call)
	}
	m.notify.CallStateChanged(ev.Sequence(), ev.Call, ev.State, ev.LastStatus)
}

func (m *Machine) disconnected(ev *engine.CallStateChanged, rec registry.CallRecord) {
	m.cancelTimer(ev.Call, engine.TimerDuration)
	m.cancelTimer(ev.Call, engine.TimerNoReply)

	m.logger.Info("call disconnected",
		"call_id", ev.Call,
		"status", ev.LastStatus,
		"reason", ev.LastStatusText,
	)
	if m.reg.Current() == ev.Call {
		next := m.reg.Advance(ev.Call)
		m.logger.Debug("current call moved", "from", ev.Call, "to", next)
	}
	m.logger.Info("call statistics", "call_id", ev.Call, "dump", m.eng.CallDump(ev.Call))

	m.notify.CallStateChanged(ev.Sequence(), ev.Call, ev.State, ev.LastStatus)
	if m.OnFinished != nil {
		m.OnFinished(rec)
	}
	m.reg.Release(ev.Call)
}

func (m *Machine) armDuration(call engine.CallID, rec registry.CallRecord) {
	if m.durationCap <= 0 || rec.Timer.Armed {
		return
	}
	gen, ok := m.reg.ArmTimer(call, engine.TimerDuration)
	if !ok {
		return
	}
	if err := m.eng.ArmTimer(call, engine.TimerDuration, m.durationCap, gen); err != nil {
		m.reg.DisarmTimer(call, engine.TimerDuration)
		m.logger.Error("arming duration timer failed", "call_id", call, "error", err)
		return
	}
	m.logger.Debug("duration timer armed", "call_id", call, "cap", m.durationCap)
}

// cancelTimer disarms a timer of call. Cancelling an unarmed timer does
// nothing.
func (m *Machine) cancelTimer(call engine.CallID, kind engine.TimerKind) {
	if m.reg.DisarmTimer(call, kind) {
		m.eng.CancelTimer(call, kind)
	}
}

// OnDurationTimer handles a fired duration timer. Firings whose generation
// no longer matches, or that arrive after the call ended, are ignored. The
// timer is marked cancelled before the hangup is issued.
func (m *Machine) OnDurationTimer(ev *engine.TimerFired) error {
	if !m.reg.TimerCurrent(ev.Call, engine.TimerDuration, ev.Generation) {
		m.logger.Debug("ignoring stale duration timer", "call_id", ev.Call, "generation", ev.Generation)
		return nil
	}
	m.reg.DisarmTimer(ev.Call, engine.TimerDuration)
	if !m.reg.Live(ev.Call) {
		return nil
	}

	m.logger.Info("call duration exceeded, hanging up", "call_id", ev.Call, "cap", m.durationCap)
	if err := m.eng.Hangup(ev.Call, engine.StatusOK, "", []engine.Header{DurationWarning}); err != nil {
		m.logger.Error("duration hangup failed", "call_id", ev.Call, "error", err)
		return err
	}
	return nil
}
