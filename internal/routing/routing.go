// Package routing decides which conference ports are connected when a
// call's media becomes available.
package routing

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/registry"
)

// Policy is the process-wide routing configuration. It is read-only for
// the lifetime of a session.
type Policy struct {
	AutoLoop       bool
	AutoPlayback   bool
	AutoRecord     bool
	AutoConference bool

	// WAVPort and RecordPort are engine.InvalidPort when not configured.
	WAVPort    engine.Port
	RecordPort engine.Port
}

// DefaultPolicy routes every call to the sound device only.
func DefaultPolicy() Policy {
	return Policy{WAVPort: engine.InvalidPort, RecordPort: engine.InvalidPort}
}

func (p Policy) recording() bool {
	return p.AutoRecord && p.RecordPort != engine.InvalidPort
}

// Connection is one directed audio link: Src is heard at Dst.
type Connection struct {
	Src engine.Port
	Dst engine.Port
}

func (c Connection) String() string { return fmt.Sprintf("%d->%d", c.Src, c.Dst) }

type planner struct {
	seen map[Connection]bool
	out  []Connection
}

func (p *planner) add(src, dst engine.Port) {
	c := Connection{src, dst}
	if p.seen[c] {
		return
	}
	p.seen[c] = true
	p.out = append(p.out, c)
}

// Plan computes the connections for a call on port whose media just became
// available, given the ports of the other calls that currently have media.
// The result is ordered and free of duplicates.
func Plan(p Policy, port engine.Port, others []engine.Port) []Connection {
	pl := &planner{seen: make(map[Connection]bool)}
	connectSound := true

	if p.AutoLoop {
		pl.add(port, port)
		connectSound = false
	}

	if p.recording() {
		pl.add(port, p.RecordPort)
	}

	if !p.AutoLoop && p.AutoPlayback && p.WAVPort != engine.InvalidPort {
		pl.add(p.WAVPort, port)
		connectSound = false
	}

	if p.AutoConference {
		for _, other := range others {
			if other == port || other == engine.InvalidPort {
				continue
			}
			pl.add(port, other)
			pl.add(other, port)
			if p.recording() {
				pl.add(other, p.RecordPort)
			}
		}
		connectSound = true
	}

	if connectSound {
		pl.add(port, engine.SoundDevicePort)
		pl.add(engine.SoundDevicePort, port)
		if p.recording() {
			pl.add(port, p.RecordPort)
			pl.add(engine.SoundDevicePort, p.RecordPort)
		}
	}
	return pl.out
}

// Engine is the engine surface the router drives.
type Engine interface {
	engine.Conference
	Hangup(call engine.CallID, code int, reason string, headers []engine.Header) error
}

// Notifier receives the host notification raised by media transitions.
type Notifier interface {
	CallHoldConfirmed(seq uint64, call engine.CallID)
}

// Router applies a Policy to media state transitions.
type Router struct {
	policy Policy
	reg    *registry.Registry
	eng    Engine
	notify Notifier
	logger *slog.Logger

	// OnConnect, when set, is called for every connection submitted.
	OnConnect func(c Connection, err error)
}

// New creates a Router.
func New(policy Policy, reg *registry.Registry, eng Engine, notify Notifier, logger *slog.Logger) *Router {
	return &Router{
		policy: policy,
		reg:    reg,
		eng:    eng,
		notify: notify,
		logger: logger.With("subsystem", "routing"),
	}
}

// Policy returns the router's policy.
func (r *Router) Policy() Policy { return r.policy }

// peers returns the ports of live calls other than call that have media.
func (r *Router) peers(call engine.CallID) []engine.Port {
	var ports []engine.Port
	for _, rec := range r.reg.Calls() {
		if rec.ID == call || rec.State == engine.CallStateDisconnected {
			continue
		}
		if rec.MediaState.HasMedia() && rec.ConfSlot != engine.InvalidPort {
			ports = append(ports, rec.ConfSlot)
		}
	}
	return ports
}

// OnMediaState records the new media state of a call and routes its audio.
func (r *Router) OnMediaState(ev *engine.CallMediaStateChanged) error {
	rec, ok := r.reg.SetMedia(ev.Call, ev.State, ev.Port)
	if !ok {
		r.logger.Warn("media state for unknown call", "call_id", ev.Call, "media_state", ev.State.String())
		return nil
	}

	switch ev.State {
	case engine.MediaActive, engine.MediaRemoteHold:
		if rec.ConfSlot == engine.InvalidPort {
			r.logger.Warn("media active without conference port", "call_id", ev.Call)
			return nil
		}
		conns := Plan(r.policy, rec.ConfSlot, r.peers(ev.Call))
		r.logger.Debug("routing call media",
			"call_id", ev.Call,
			"media_state", ev.State.String(),
			"port", rec.ConfSlot,
			"connections", len(conns),
		)
		return r.apply(conns)

	case engine.MediaLocalHold:
		r.logger.Info("call on hold", "call_id", ev.Call)
		r.notify.CallHoldConfirmed(ev.Sequence(), ev.Call)

	case engine.MediaError:
		reason := "negotiation failed"
		if ev.ICE {
			reason = "ICE negotiation failed"
		}
		r.logger.Warn("media error, hanging up", "call_id", ev.Call, "reason", reason)
		if err := r.eng.Hangup(ev.Call, engine.StatusInternalServerError, reason, nil); err != nil {
			r.logger.Error("hangup after media error failed", "call_id", ev.Call, "error", err)
			return fmt.Errorf("hanging up call %d after media error: %w", ev.Call, err)
		}

	default:
		r.logger.Debug("call media inactive", "call_id", ev.Call, "media_state", ev.State.String())
	}
	return nil
}

// Conference bridges call with every other call that has media, adding
// recorder taps when recording is enabled.
func (r *Router) Conference(call engine.CallID) error {
	rec, ok := r.reg.Get(call)
	if !ok || rec.State == engine.CallStateDisconnected {
		return engine.Stale("conference", call)
	}
	if !rec.MediaState.HasMedia() || rec.ConfSlot == engine.InvalidPort {
		return engine.Invalid("conference", "call %d has no active media", call)
	}

	pl := &planner{seen: make(map[Connection]bool)}
	for _, other := range r.peers(call) {
		pl.add(rec.ConfSlot, other)
		pl.add(other, rec.ConfSlot)
		if r.policy.recording() {
			pl.add(other, r.policy.RecordPort)
		}
	}
	if r.policy.recording() {
		pl.add(rec.ConfSlot, r.policy.RecordPort)
	}
	return r.apply(pl.out)
}

// apply submits every connection. Individual failures are logged and
// joined; they do not stop the remaining connections.
func (r *Router) apply(conns []Connection) error {
	var errs []error
	for _, c := range conns {
		err := r.eng.ConnectPort(c.Src, c.Dst)
		if r.OnConnect != nil {
			r.OnConnect(c, err)
		}
		if err != nil {
			r.logger.Warn("connect port failed", "src", c.Src, "dst", c.Dst, "error", err)
			errs = append(errs, fmt.Errorf("connect %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}
