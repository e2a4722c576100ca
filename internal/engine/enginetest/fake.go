// Package enginetest provides an in-memory engine that records the commands
// issued to it, for use in tests of packages built on internal/engine.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
)

// Command is one recorded engine command.
type Command struct {
	Op      string
	Call    engine.CallID
	Target  engine.CallID
	Code    int
	Reason  string
	URI     string
	Method  string
	Body    string
	Headers []engine.Header
}

// Header returns the value of the named recorded header.
func (c Command) Header(name string) (string, bool) {
	for _, h := range c.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Connection is a recorded ConnectPort call.
type Connection struct {
	Src, Dst engine.Port
}

func (c Connection) String() string { return fmt.Sprintf("%d->%d", c.Src, c.Dst) }

// Timer is a recorded ArmTimer call.
type Timer struct {
	Call       engine.CallID
	Kind       engine.TimerKind
	Duration   time.Duration
	Generation uint64
}

type timerKey struct {
	call engine.CallID
	kind engine.TimerKind
}

// Engine is a fake engine. Zero value is not usable; call New.
type Engine struct {
	mu sync.Mutex

	Commands    []Command
	Connections []Connection
	Timers      []Timer
	Presence    []engine.PresenceElement
	Online      []bool

	// Infos is returned by CallInfo; missing calls are rejected.
	Infos map[engine.CallID]engine.CallInfo
	// Fail makes the named operation return the given error.
	Fail map[string]error
	// StartErr is returned by Start.
	StartErr error

	Started bool
	Closed  bool
	Starts  int // successful Start calls

	maxCalls  int
	armed     map[timerKey]uint64
	nextCall  engine.CallID
	nextAcc   engine.AccountID
	nextBuddy engine.BuddyID
	nextPort  engine.Port
	codecs    []engine.CodecInfo
	handler   engine.Handler
	queue     []engine.Event
	seq       uint64
}

// New returns a fake engine with maxCalls call slots.
func New(maxCalls int) *Engine {
	return &Engine{
		Infos:    make(map[engine.CallID]engine.CallInfo),
		Fail:     make(map[string]error),
		maxCalls: maxCalls,
		armed:    make(map[timerKey]uint64),
		nextPort: 1,
		codecs: []engine.CodecInfo{
			{Name: "PCMU/8000", Priority: 130},
			{Name: "PCMA/8000", Priority: 129},
		},
	}
}

func (f *Engine) record(c Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, c)
	return f.Fail[c.Op]
}

// Ops returns the recorded command ops in order.
func (f *Engine) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.Commands))
	for i, c := range f.Commands {
		ops[i] = c.Op
	}
	return ops
}

// Find returns recorded commands with the given op.
func (f *Engine) Find(op string) []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Command
	for _, c := range f.Commands {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded commands, connections and timers.
func (f *Engine) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = nil
	f.Connections = nil
	f.Timers = nil
}

// Armed reports whether a timer of kind is armed for call.
func (f *Engine) Armed(call engine.CallID, kind engine.TimerKind) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.armed[timerKey{call, kind}]
	return gen, ok
}

// Fire delivers a TimerFired event for the armed timer of call, as the
// engine's timer facility would, and disarms it.
func (f *Engine) Fire(call engine.CallID, kind engine.TimerKind) bool {
	f.mu.Lock()
	gen, ok := f.armed[timerKey{call, kind}]
	delete(f.armed, timerKey{call, kind})
	f.mu.Unlock()
	if !ok {
		return false
	}
	f.Emit(&engine.TimerFired{Call: call, Kind: kind, Generation: gen})
	return true
}

// Emit stamps ev with the next sequence number and delivers it to the
// handler synchronously.
func (f *Engine) Emit(ev engine.Event) {
	f.mu.Lock()
	f.seq++
	stamp(ev, f.seq)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.HandleEvent(ev)
	}
}

// Enqueue stamps ev and holds it until Poll.
func (f *Engine) Enqueue(ev engine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	stamp(ev, f.seq)
	f.queue = append(f.queue, ev)
}

func stamp(ev engine.Event, seq uint64) {
	if s, ok := ev.(engine.Stamper); ok {
		s.Stamp(seq, time.Now())
	}
}

func (f *Engine) MakeCall(acc engine.AccountID, uri string, headers []engine.Header) (engine.CallID, error) {
	if err := f.record(Command{Op: "make_call", URI: uri, Headers: headers}); err != nil {
		return engine.InvalidCall, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextCall
	f.nextCall = (f.nextCall + 1) % engine.CallID(f.maxCalls)
	f.Infos[id] = engine.CallInfo{ID: id, Account: acc, State: engine.CallStateCalling, RemoteURI: uri, ConfPort: engine.InvalidPort}
	return id, nil
}

func (f *Engine) Hangup(call engine.CallID, code int, reason string, headers []engine.Header) error {
	return f.record(Command{Op: "hangup", Call: call, Code: code, Reason: reason, Headers: headers})
}

func (f *Engine) Answer(call engine.CallID, code int) error {
	return f.record(Command{Op: "answer", Call: call, Code: code})
}

func (f *Engine) SetHold(call engine.CallID) error {
	return f.record(Command{Op: "hold", Call: call})
}

func (f *Engine) Reinvite(call engine.CallID, unhold bool) error {
	return f.record(Command{Op: "reinvite", Call: call})
}

func (f *Engine) Transfer(call engine.CallID, uri string, headers []engine.Header) error {
	return f.record(Command{Op: "transfer", Call: call, URI: uri, Headers: headers})
}

func (f *Engine) TransferWithReplaces(call, target engine.CallID, headers []engine.Header) error {
	return f.record(Command{Op: "transfer_replaces", Call: call, Target: target, Headers: headers})
}

func (f *Engine) SendRequest(call engine.CallID, method, contentType string, body []byte) error {
	return f.record(Command{Op: "send_request", Call: call, Method: method,
		Headers: []engine.Header{{Name: "Content-Type", Value: contentType}}, Body: string(body)})
}

func (f *Engine) DialDTMF(call engine.CallID, digits string) error {
	return f.record(Command{Op: "dial_dtmf", Call: call, Body: digits})
}

func (f *Engine) CallInfo(call engine.CallID) (engine.CallInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Infos[call]
	if !ok {
		return engine.CallInfo{}, engine.Rejected("call_info", 481, fmt.Errorf("no call %d", call))
	}
	return info, nil
}

func (f *Engine) CallDump(call engine.CallID) string {
	return fmt.Sprintf("call %d: no statistics", call)
}

func (f *Engine) MaxCalls() int { return f.maxCalls }

func (f *Engine) ConnectPort(src, dst engine.Port) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connections = append(f.Connections, Connection{src, dst})
	return f.Fail["connect"]
}

func (f *Engine) DisconnectPort(src, dst engine.Port) error {
	return f.record(Command{Op: "disconnect", Code: int(src), Target: engine.CallID(dst)})
}

func (f *Engine) ArmTimer(call engine.CallID, kind engine.TimerKind, d time.Duration, generation uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail["arm_timer"]; err != nil {
		return err
	}
	f.armed[timerKey{call, kind}] = generation
	f.Timers = append(f.Timers, Timer{Call: call, Kind: kind, Duration: d, Generation: generation})
	return nil
}

func (f *Engine) CancelTimer(call engine.CallID, kind engine.TimerKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[timerKey{call, kind}]
	delete(f.armed, timerKey{call, kind})
	return ok
}

func (f *Engine) AddAccount(cfg engine.AccountConfig) (engine.AccountID, error) {
	if err := f.record(Command{Op: "add_account", URI: "sip:" + cfg.Username + "@" + cfg.Domain}); err != nil {
		return engine.InvalidAccount, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextAcc
	f.nextAcc++
	return id, nil
}

func (f *Engine) RemoveAccount(acc engine.AccountID) error {
	return f.record(Command{Op: "remove_account", Code: int(acc)})
}

func (f *Engine) SetOnlineStatus(acc engine.AccountID, online bool, el engine.PresenceElement) error {
	f.mu.Lock()
	f.Online = append(f.Online, online)
	f.Presence = append(f.Presence, el)
	f.mu.Unlock()
	return f.record(Command{Op: "set_online_status", Code: int(acc), Body: el.Note})
}

func (f *Engine) AddBuddy(uri string, subscribe bool) (engine.BuddyID, error) {
	if err := f.record(Command{Op: "add_buddy", URI: uri}); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextBuddy
	f.nextBuddy++
	return id, nil
}

func (f *Engine) RemoveBuddy(buddy engine.BuddyID) error {
	return f.record(Command{Op: "remove_buddy", Code: int(buddy)})
}

func (f *Engine) SendMessage(acc engine.AccountID, uri, text string) error {
	return f.record(Command{Op: "send_message", URI: uri, Body: text})
}

func (f *Engine) SendCallMessage(call engine.CallID, text string) error {
	return f.record(Command{Op: "send_call_message", Call: call, Body: text})
}

func (f *Engine) SendTyping(acc engine.AccountID, uri string, typing bool) error {
	return f.record(Command{Op: "send_typing", URI: uri})
}

func (f *Engine) Codecs() []engine.CodecInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.CodecInfo(nil), f.codecs...)
}

func (f *Engine) SetCodecPriority(name string, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.codecs {
		if f.codecs[i].Name == name {
			f.codecs[i].Priority = priority
			return nil
		}
	}
	return engine.Invalid("set_codec_priority", "unknown codec %q", name)
}

func (f *Engine) CreatePlayer(file string) (engine.Port, error) {
	return f.newPort("create_player", file)
}

func (f *Engine) CreateRecorder(file string) (engine.Port, error) {
	return f.newPort("create_recorder", file)
}

func (f *Engine) newPort(op, file string) (engine.Port, error) {
	if err := f.record(Command{Op: op, URI: file}); err != nil {
		return engine.InvalidPort, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := 100 + f.nextPort
	f.nextPort++
	return p, nil
}

func (f *Engine) SetHandler(h engine.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Start fails while the engine is running; Close makes it startable again.
func (f *Engine) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Started {
		return &engine.Error{Kind: engine.KindAlreadyInitialized, Op: "start"}
	}
	if f.StartErr != nil {
		return f.StartErr
	}
	f.Started = true
	f.Starts++
	return nil
}

func (f *Engine) Poll(timeout time.Duration) (int, error) {
	f.mu.Lock()
	queued := f.queue
	f.queue = nil
	h := f.handler
	f.mu.Unlock()
	for _, ev := range queued {
		if h != nil {
			h.HandleEvent(ev)
		}
	}
	return len(queued), nil
}

func (f *Engine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = false
	f.Closed = true
	f.armed = make(map[timerKey]uint64)
	f.queue = nil
	return nil
}

var _ engine.Engine = (*Engine)(nil)
