package feature

import (
	"log/slog"
	"strings"
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/registry"
)

// DefaultNoReplyTimeout is how long an incoming call rings before
// forward-on-no-reply kicks in.
const DefaultNoReplyTimeout = 15 * time.Second

// Settings are the user's call handling preferences.
type Settings struct {
	DND            bool
	AutoAnswer     bool
	CFU            bool
	CFUNumber      string
	CFNR           bool
	CFNRNumber     string
	CFB            bool
	CFBNumber      string
	NoReplyTimeout time.Duration
}

// Action is what the policy did with an incoming call.
type Action int

const (
	ActionNone Action = iota
	ActionForwarded
	ActionRejected
	ActionAnswered
	ActionNoReplyArmed
)

func (a Action) String() string {
	switch a {
	case ActionForwarded:
		return "forwarded"
	case ActionRejected:
		return "rejected"
	case ActionAnswered:
		return "answered"
	case ActionNoReplyArmed:
		return "no_reply_armed"
	default:
		return "none"
	}
}

// PolicyEngine is the engine surface the policy needs beyond the
// dispatcher's.
type PolicyEngine interface {
	Answer(call engine.CallID, code int) error
	engine.Timers
}

// Resolver turns a configured forward number into a SIP URI.
type Resolver func(number string) string

// Policy applies Settings to incoming calls.
type Policy struct {
	settings Settings
	disp     *Dispatcher
	eng      PolicyEngine
	reg      *registry.Registry
	resolve  Resolver
	logger   *slog.Logger
}

// NewPolicy creates a Policy. A nil resolver uses numbers as given.
func NewPolicy(settings Settings, disp *Dispatcher, eng PolicyEngine, reg *registry.Registry, resolve Resolver, logger *slog.Logger) *Policy {
	if settings.NoReplyTimeout <= 0 {
		settings.NoReplyTimeout = DefaultNoReplyTimeout
	}
	if resolve == nil {
		resolve = func(n string) string { return n }
	}
	return &Policy{
		settings: settings,
		disp:     disp,
		eng:      eng,
		reg:      reg,
		resolve:  resolve,
		logger:   logger.With("subsystem", "policy"),
	}
}

// Settings returns the policy's settings.
func (p *Policy) Settings() Settings { return p.settings }

// OnIncoming decides what to do with a new incoming call: forward
// unconditionally, forward on busy, reject for do-not-disturb, auto-answer,
// or start the no-reply timer, in that order.
func (p *Policy) OnIncoming(call engine.CallID) (Action, error) {
	s := p.settings

	if s.CFU && strings.TrimSpace(s.CFUNumber) != "" {
		return ActionForwarded, p.disp.Dispatch(call, ForwardUnconditional, p.resolve(s.CFUNumber))
	}
	if s.CFB && strings.TrimSpace(s.CFBNumber) != "" && p.reg.ActiveCount() > 1 {
		return ActionForwarded, p.disp.Dispatch(call, ForwardBusy, p.resolve(s.CFBNumber))
	}
	if s.DND {
		return ActionRejected, p.disp.Dispatch(call, DoNotDisturb, "")
	}
	if s.AutoAnswer {
		if err := p.eng.Answer(call, engine.StatusOK); err != nil {
			p.logger.Error("auto answer failed", "call_id", call, "error", err)
			return ActionAnswered, err
		}
		p.logger.Info("call auto answered", "call_id", call)
		return ActionAnswered, nil
	}
	if s.CFNR && strings.TrimSpace(s.CFNRNumber) != "" {
		gen, ok := p.reg.ArmTimer(call, engine.TimerNoReply)
		if !ok {
			return ActionNone, nil
		}
		if err := p.eng.ArmTimer(call, engine.TimerNoReply, s.NoReplyTimeout, gen); err != nil {
			p.reg.DisarmTimer(call, engine.TimerNoReply)
			p.logger.Error("arming no-reply timer failed", "call_id", call, "error", err)
			return ActionNone, err
		}
		p.logger.Debug("no-reply timer armed", "call_id", call, "timeout", s.NoReplyTimeout)
		return ActionNoReplyArmed, nil
	}
	return ActionNone, nil
}

// OnNoReply handles a fired no-reply timer. Late or superseded firings and
// calls that are no longer ringing are ignored.
func (p *Policy) OnNoReply(ev *engine.TimerFired) error {
	if !p.reg.TimerCurrent(ev.Call, engine.TimerNoReply, ev.Generation) {
		p.logger.Debug("ignoring stale no-reply timer", "call_id", ev.Call, "generation", ev.Generation)
		return nil
	}
	p.reg.DisarmTimer(ev.Call, engine.TimerNoReply)

	rec, _ := p.reg.Get(ev.Call)
	if rec.State != engine.CallStateIncoming && rec.State != engine.CallStateEarly {
		return nil
	}
	p.logger.Info("call not answered, forwarding", "call_id", ev.Call)
	return p.disp.Dispatch(ev.Call, ForwardNoReply, p.resolve(p.settings.CFNRNumber))
}

// CancelNoReply stops the no-reply timer of call if armed.
func (p *Policy) CancelNoReply(call engine.CallID) {
	if p.reg.DisarmTimer(call, engine.TimerNoReply) {
		p.eng.CancelTimer(call, engine.TimerNoReply)
	}
}
