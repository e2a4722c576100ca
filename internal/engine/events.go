package engine

import "time"

// Event is a notification emitted by the engine. Every event carries a
// sequence number that is unique per engine instance and increases
// monotonically in delivery order.
type Event interface {
	Sequence() uint64
}

// Meta is embedded in every event.
type Meta struct {
	Seq uint64
	At  time.Time
}

// Sequence returns the event sequence number.
func (m Meta) Sequence() uint64 { return m.Seq }

// Stamp sets the sequence number and time. Engines stamp an event once,
// when it is queued for delivery.
func (m *Meta) Stamp(seq uint64, at time.Time) {
	m.Seq = seq
	m.At = at
}

// Stamper is implemented by pointers to every event type.
type Stamper interface {
	Event
	Stamp(seq uint64, at time.Time)
}

// Direction tells whether a SIP message was received or sent by the engine.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionReceived
	DirectionSent
)

func (d Direction) String() string {
	switch d {
	case DirectionReceived:
		return "received"
	case DirectionSent:
		return "sent"
	default:
		return "unknown"
	}
}

// MessageInfo describes the SIP message that triggered a call state change.
type MessageInfo struct {
	Direction  Direction
	StatusCode int
	Reason     string
}

// RegStateChanged reports an account registration result.
type RegStateChanged struct {
	Meta
	Account AccountID
	Status  int
	Reason  string
	// Expires is the granted expiry in seconds, or -1 once unregistered.
	Expires int
}

// CallStateChanged reports a new invite session state for a call.
type CallStateChanged struct {
	Meta
	Call           CallID
	State          CallState
	LastStatus     int
	LastStatusText string
	// Msg is the message that caused the transition, when known.
	Msg *MessageInfo
}

// CallMediaStateChanged reports a media state change for a call. Port is
// the call's conference port, valid only while State has media.
type CallMediaStateChanged struct {
	Meta
	Call  CallID
	State MediaState
	Port  Port
	ICE   bool
}

// IncomingCall reports a new inbound call.
type IncomingCall struct {
	Meta
	Account       AccountID
	Call          CallID
	RemoteURI     string
	RemoteContact string
}

// TransactionRole tells whether the engine is client or server of a
// transaction.
type TransactionRole int

const (
	RoleUAC TransactionRole = iota
	RoleUAS
)

// TransactionState is a SIP transaction state.
type TransactionState int

const (
	TsxTrying TransactionState = iota
	TsxProceeding
	TsxCompleted
	TsxTerminated
)

func (s TransactionState) String() string {
	switch s {
	case TsxTrying:
		return "trying"
	case TsxProceeding:
		return "proceeding"
	case TsxCompleted:
		return "completed"
	case TsxTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Transaction is an in-dialog non-INVITE transaction surfaced to the core.
type Transaction struct {
	Method     string
	Role       TransactionRole
	State      TransactionState
	StatusCode int
	StatusText string
	Body       []byte

	// Responder answers a server transaction. Nil for client transactions.
	Responder func(code int) error
}

// Respond answers a server transaction with the given status code.
func (t *Transaction) Respond(code int) error {
	if t.Responder == nil {
		return &Error{Kind: KindUnsupported, Op: "respond", Err: errNoResponder}
	}
	return t.Responder(code)
}

// TransactionStateChanged reports progress of an in-dialog transaction.
type TransactionStateChanged struct {
	Meta
	Call CallID
	Tsx  *Transaction
}

// DTMFReceived reports a digit received on a call.
type DTMFReceived struct {
	Meta
	Call  CallID
	Digit rune
}

// BuddyStateChanged reports a presence change of a buddy.
type BuddyStateChanged struct {
	Meta
	Buddy      BuddyID
	URI        string
	Status     BuddyStatus
	StatusText string
}

// MessageReceived reports an instant message, in or out of a call.
type MessageReceived struct {
	Meta
	Call     CallID
	From     string
	To       string
	Contact  string
	MimeType string
	Text     string
}

// TypingIndication reports a remote is-composing state.
type TypingIndication struct {
	Meta
	Call     CallID
	From     string
	IsTyping bool
}

// TransferStatus reports the progress of an outgoing REFER.
type TransferStatus struct {
	Meta
	Call       CallID
	StatusCode int
	StatusText string
	Final      bool

	// Stop tells the engine to stop reporting further progress for this
	// transfer attempt. Nil when the engine cannot stop.
	Stop func()
}

// CallReplaced reports that a call was replaced by another one (INVITE
// with Replaces).
type CallReplaced struct {
	Meta
	Old CallID
	New CallID
}

// NATDetected reports the outcome of NAT type detection.
type NATDetected struct {
	Meta
	NATType string
	Err     error
}

// TimerFired reports that an armed per-call timer elapsed.
type TimerFired struct {
	Meta
	Call       CallID
	Kind       TimerKind
	Generation uint64
}

// MessageWaiting reports a message-summary NOTIFY for an account.
type MessageWaiting struct {
	Meta
	Account AccountID
	Waiting bool
	Body    string
}
