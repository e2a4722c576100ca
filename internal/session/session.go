// Package session ties the engine to the call-session core. It owns the
// registry and the components that act on it, serialises engine events and
// host operations behind one lock, and enforces the single-init,
// single-teardown lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/icejuk/sipeksdk/internal/callstate"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/marshal"
	"github.com/icejuk/sipeksdk/internal/registry"
	"github.com/icejuk/sipeksdk/internal/routing"
)

// Config holds the session settings that are fixed between Init and
// Shutdown.
type Config struct {
	// MaxCalls caps the call slot pool. Zero uses the engine's limit.
	MaxCalls int

	AutoLoop       bool
	AutoPlayback   bool
	AutoRecord     bool
	AutoConference bool
	// PlayFile and RecordFile back the playback and record ports.
	PlayFile   string
	RecordFile string

	// CallDuration hangs up confirmed calls after this long. Zero
	// disables the cap.
	CallDuration time.Duration

	Features feature.Settings

	// NoReferSub adds "Refer-Sub: false" to outgoing transfers.
	NoReferSub bool

	// HostEncoding is the text encoding of host notifications.
	HostEncoding string
}

// Hooks observe session activity, typically for metrics and the call log.
// Every hook is optional and runs with the session lock held.
type Hooks struct {
	Event     func(ev engine.Event)
	Delivered func(kind marshal.Kind)
	Connect   func(c routing.Connection, err error)
	Dispatch  func(code feature.ServiceCode, err error)
	Finished  func(rec registry.CallRecord)
}

// Session is the call-session core bound to one engine.
type Session struct {
	cfg    Config
	eng    engine.Engine
	sink   marshal.EventSink
	hooks  Hooks
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	reg         *registry.Registry
	marshal     *marshal.Marshaler
	machine     *callstate.Machine
	router      *routing.Router
	disp        *feature.Dispatcher
	policy      *feature.Policy
}

// New creates a session. Nothing is started until Init.
func New(cfg Config, eng engine.Engine, sink marshal.EventSink, hooks Hooks, logger *slog.Logger) *Session {
	return &Session{
		cfg:    cfg,
		eng:    eng,
		sink:   sink,
		hooks:  hooks,
		logger: logger.With("component", "session"),
	}
}

// Init builds the core and starts the engine. A second Init without an
// intervening Shutdown fails with ErrAlreadyInitialized. If the engine or
// a media port cannot be started the engine is closed and a Fatal error is
// returned; Init may then be retried.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return &engine.Error{Kind: engine.KindAlreadyInitialized, Op: "init"}
	}

	m, err := marshal.New(s.sink, s.cfg.HostEncoding, s.logger)
	if err != nil {
		return &engine.Error{Kind: engine.KindInvalidArgument, Op: "init", Err: err}
	}
	m.OnDeliver = s.hooks.Delivered

	maxCalls := s.cfg.MaxCalls
	if n := s.eng.MaxCalls(); maxCalls <= 0 || (n > 0 && n < maxCalls) {
		maxCalls = n
	}
	reg := registry.New(maxCalls)

	s.eng.SetHandler(s)
	if err := s.eng.Start(ctx); err != nil {
		s.eng.Close()
		s.logger.Error("engine start failed", "error", err)
		return &engine.Error{Kind: engine.KindFatal, Op: "init", Err: err}
	}

	policy := routing.Policy{
		AutoLoop:       s.cfg.AutoLoop,
		AutoPlayback:   s.cfg.AutoPlayback,
		AutoRecord:     s.cfg.AutoRecord,
		AutoConference: s.cfg.AutoConference,
		WAVPort:        engine.InvalidPort,
		RecordPort:     engine.InvalidPort,
	}
	if s.cfg.PlayFile != "" {
		if policy.WAVPort, err = s.eng.CreatePlayer(s.cfg.PlayFile); err != nil {
			s.eng.Close()
			return &engine.Error{Kind: engine.KindFatal, Op: "init", Err: fmt.Errorf("creating player for %s: %w", s.cfg.PlayFile, err)}
		}
	}
	if s.cfg.RecordFile != "" {
		if policy.RecordPort, err = s.eng.CreateRecorder(s.cfg.RecordFile); err != nil {
			s.eng.Close()
			return &engine.Error{Kind: engine.KindFatal, Op: "init", Err: fmt.Errorf("creating recorder for %s: %w", s.cfg.RecordFile, err)}
		}
	}

	s.reg = reg
	s.marshal = m
	s.machine = callstate.New(reg, s.eng, m, s.cfg.CallDuration, s.logger)
	s.machine.OnFinished = s.hooks.Finished
	s.router = routing.New(policy, reg, s.eng, m, s.logger)
	s.router.OnConnect = s.hooks.Connect
	s.disp = feature.NewDispatcher(s.eng, s.logger)
	s.disp.OnDispatch = s.hooks.Dispatch
	s.policy = feature.NewPolicy(s.cfg.Features, s.disp, s.eng, reg, s.resolve, s.logger)
	s.initialized = true

	s.logger.Info("session initialized",
		"max_calls", maxCalls,
		"host_encoding", m.Encoding(),
		"wav_port", policy.WAVPort,
		"record_port", policy.RecordPort,
		"call_duration", s.cfg.CallDuration,
	)
	return nil
}

// Shutdown hangs up every call, removes all accounts and closes the engine.
// Operations after Shutdown fail with ErrNotInitialized until the next
// Init.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return &engine.Error{Kind: engine.KindNotInitialized, Op: "shutdown"}
	}

	var errs []error
	for _, rec := range s.reg.Calls() {
		if rec.State == engine.CallStateDisconnected {
			continue
		}
		s.reg.DisarmTimer(rec.ID, engine.TimerDuration)
		s.reg.DisarmTimer(rec.ID, engine.TimerNoReply)
		s.eng.CancelTimer(rec.ID, engine.TimerDuration)
		s.eng.CancelTimer(rec.ID, engine.TimerNoReply)
		if err := s.eng.Hangup(rec.ID, 0, "", nil); err != nil {
			errs = append(errs, fmt.Errorf("hanging up call %d: %w", rec.ID, err))
		}
	}
	for _, acc := range s.reg.Accounts() {
		if err := s.eng.RemoveAccount(acc.ID); err != nil {
			errs = append(errs, fmt.Errorf("removing account %d: %w", acc.ID, err))
		}
	}
	s.initialized = false
	s.mu.Unlock()

	// The engine may wait for its dispatcher, which can be blocked on the
	// session lock; close it unlocked.
	if err := s.eng.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing engine: %w", err))
	}
	s.logger.Info("session shut down")
	return errors.Join(errs...)
}

// Initialized reports whether the session is running.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Poll delivers queued engine events in polling mode.
func (s *Session) Poll(timeout time.Duration) (int, error) {
	if !s.Initialized() {
		return 0, &engine.Error{Kind: engine.KindNotInitialized, Op: "poll"}
	}
	n, err := s.eng.Poll(timeout)
	if err != nil {
		s.logger.Error("polling events failed", "error", err)
	}
	return n, err
}

// HandleEvent implements engine.Handler.
func (s *Session) HandleEvent(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		s.logger.Debug("dropping event while not initialized", "type", fmt.Sprintf("%T", ev))
		return
	}
	if s.hooks.Event != nil {
		s.hooks.Event(ev)
	}

	switch e := ev.(type) {
	case *engine.RegStateChanged:
		s.onRegState(e)
	case *engine.CallStateChanged:
		s.machine.OnCallState(e)
	case *engine.CallMediaStateChanged:
		if err := s.router.OnMediaState(e); err != nil {
			s.logger.Warn("media routing incomplete", "call_id", e.Call, "error", err)
		}
	case *engine.IncomingCall:
		if s.machine.OnIncomingCall(e) {
			if _, err := s.policy.OnIncoming(e.Call); err != nil {
				s.logger.Warn("incoming call policy failed", "call_id", e.Call, "error", err)
			}
		}
	case *engine.TransactionStateChanged:
		s.machine.OnTransaction(e)
	case *engine.DTMFReceived:
		s.machine.OnDTMF(e)
	case *engine.TransferStatus:
		s.machine.OnTransferStatus(e)
	case *engine.CallReplaced:
		s.machine.OnCallReplaced(e)
	case *engine.TimerFired:
		s.onTimer(e)
	case *engine.BuddyStateChanged:
		s.onBuddyState(e)
	case *engine.MessageReceived:
		s.logger.Info("message received", "from", e.From, "call_id", e.Call, "mime_type", e.MimeType)
		s.marshal.MessageReceived(e.Sequence(), e.From, e.Text)
	case *engine.TypingIndication:
		s.marshal.TypingIndication(e.Sequence(), e.From, e.IsTyping)
	case *engine.MessageWaiting:
		s.logger.Info("message waiting indication", "account_id", e.Account, "waiting", e.Waiting)
		s.marshal.MessageWaiting(e.Sequence(), e.Waiting, e.Body)
	case *engine.NATDetected:
		if e.Err != nil {
			s.logger.Warn("NAT detection failed", "error", e.Err)
		} else {
			s.logger.Info("NAT detected", "type", e.NATType)
		}
	default:
		s.logger.Warn("unhandled engine event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) onTimer(e *engine.TimerFired) {
	switch e.Kind {
	case engine.TimerDuration:
		s.machine.OnDurationTimer(e)
	case engine.TimerNoReply:
		if err := s.policy.OnNoReply(e); err != nil {
			s.logger.Warn("forward on no reply failed", "call_id", e.Call, "error", err)
		}
	}
}

// onRegState records a registration result. A successful response that
// removed the binding (expiry -1) is reported to the host as -1.
func (s *Session) onRegState(e *engine.RegStateChanged) {
	status := e.Status
	if status == engine.StatusOK && e.Expires == -1 {
		status = -1
	}
	if !s.reg.UpdateAccount(e.Account, func(a *registry.AccountRecord) {
		a.Status = e.Status
		a.StatusText = e.Reason
		a.Expires = e.Expires
	}) {
		s.logger.Warn("registration state for unknown account", "account_id", e.Account)
	}
	s.logger.Info("registration state changed",
		"account_id", e.Account,
		"status", e.Status,
		"reason", e.Reason,
		"expires", e.Expires,
	)
	s.marshal.RegistrationChanged(e.Sequence(), e.Account, status)
}

func (s *Session) onBuddyState(e *engine.BuddyStateChanged) {
	s.reg.UpdateBuddy(e.Buddy, func(b *registry.BuddyRecord) {
		b.Status = e.Status
		b.StatusText = e.StatusText
	})
	s.logger.Debug("buddy state changed", "buddy_id", e.Buddy, "status", e.Status.String(), "text", e.StatusText)
	s.marshal.BuddyStatusChanged(e.Sequence(), e.Buddy, int(e.Status), e.StatusText)
}

// resolve turns a dialled number or user into a SIP URI using the default
// account's domain. SIP URIs pass through unchanged.
func (s *Session) resolve(number string) string {
	number = strings.TrimSpace(number)
	if number == "" {
		return ""
	}
	lower := strings.ToLower(number)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") || strings.HasPrefix(number, "<") {
		return number
	}
	if strings.Contains(number, "@") {
		return "sip:" + number
	}
	acc, ok := s.reg.DefaultAccount()
	if !ok || acc.Domain == "" {
		return number
	}
	return "sip:" + number + "@" + acc.Domain
}

func (s *Session) requireInit(op string) error {
	if !s.initialized {
		return &engine.Error{Kind: engine.KindNotInitialized, Op: op}
	}
	return nil
}

// requireCall checks that call has a live record.
func (s *Session) requireCall(op string, call engine.CallID) error {
	if err := s.requireInit(op); err != nil {
		return err
	}
	if call < 0 || int(call) >= s.reg.Capacity() {
		return engine.Invalid(op, "call id %d out of range", call)
	}
	if !s.reg.Live(call) {
		return engine.Stale(op, call)
	}
	return nil
}

// engineErr wraps a non-typed engine failure as an engine rejection.
func engineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *engine.Error
	if errors.As(err, &e) {
		return err
	}
	return engine.Rejected(op, 0, err)
}
