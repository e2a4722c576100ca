// Package marshal turns engine events into host notifications. Every host
// callback is optional, fires at most once per engine event, and receives
// text already converted to the host's encoding.
package marshal

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/icejuk/sipeksdk/internal/engine"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Kind identifies a host notification.
type Kind int

const (
	KindRegistration Kind = iota
	KindCallState
	KindIncomingCall
	KindHoldConfirmed
	KindMessage
	KindBuddyStatus
	KindDTMF
	KindMessageWaiting
	KindCallReplaced
	KindTyping
	numKinds
)

var kindNames = [numKinds]string{
	"registration", "call_state", "incoming_call", "hold_confirmed", "message",
	"buddy_status", "dtmf", "message_waiting", "call_replaced", "typing",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// Kinds lists every notification kind.
func Kinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// EventSink holds the host's callbacks. Nil fields are skipped.
type EventSink struct {
	RegistrationChanged func(acc engine.AccountID, status int)
	CallStateChanged    func(call engine.CallID, state engine.CallState, status int)
	IncomingCall        func(call engine.CallID, remoteContact string)
	CallHoldConfirmed   func(call engine.CallID)
	MessageReceived     func(from, text string)
	BuddyStatusChanged  func(buddy engine.BuddyID, status int, text string)
	DTMFDigitReceived   func(call engine.CallID, digit rune)
	MessageWaiting      func(waiting bool, summary string)
	CallReplaced        func(old, new engine.CallID)
	TypingIndication    func(from string, typing bool)
}

// Marshaler delivers notifications to an EventSink.
type Marshaler struct {
	sink    EventSink
	enc     encoding.Encoding
	encName string
	logger  *slog.Logger

	mu   sync.Mutex
	last [numKinds]uint64

	// OnDeliver, when set, is called after each delivered notification.
	OnDeliver func(kind Kind)
}

// New creates a Marshaler converting text to the named encoding (WHATWG
// names such as "utf-8", "utf-16le", "windows-1252").
func New(sink EventSink, hostEncoding string, logger *slog.Logger) (*Marshaler, error) {
	if hostEncoding == "" {
		hostEncoding = "utf-8"
	}
	enc, err := htmlindex.Get(hostEncoding)
	if err != nil {
		return nil, fmt.Errorf("host encoding %q: %w", hostEncoding, err)
	}
	name, _ := htmlindex.Name(enc)
	m := &Marshaler{
		sink:    sink,
		encName: name,
		logger:  logger.With("subsystem", "marshal"),
	}
	if name != "utf-8" {
		m.enc = enc
	}
	return m, nil
}

// Encoding returns the canonical name of the host encoding.
func (m *Marshaler) Encoding() string { return m.encName }

// HostText converts engine text (UTF-8, possibly malformed) to the host
// encoding. Invalid input bytes and runes the host encoding cannot
// represent are replaced rather than rejected.
func (m *Marshaler) HostText(s string) string {
	valid, err := unicode.UTF8.NewDecoder().String(s)
	if err != nil {
		valid = strings.ToValidUTF8(s, "�")
	}
	if m.enc == nil {
		return valid
	}
	out, err := encoding.ReplaceUnsupported(m.enc.NewEncoder()).String(valid)
	if err != nil {
		m.logger.Warn("host text conversion failed", "encoding", m.encName, "error", err)
		return valid
	}
	return out
}

// once reports whether the notification of kind for engine event seq has
// not been delivered yet. Sequence zero marks notifications raised outside
// of an engine event and is always delivered.
func (m *Marshaler) once(kind Kind, seq uint64) bool {
	if seq == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq <= m.last[kind] {
		m.logger.Debug("dropping repeated notification", "kind", kind.String(), "seq", seq)
		return false
	}
	m.last[kind] = seq
	return true
}

func (m *Marshaler) delivered(kind Kind) {
	if m.OnDeliver != nil {
		m.OnDeliver(kind)
	}
}

// RegistrationChanged reports an account's new registration status.
func (m *Marshaler) RegistrationChanged(seq uint64, acc engine.AccountID, status int) {
	if m.sink.RegistrationChanged == nil || !m.once(KindRegistration, seq) {
		return
	}
	m.sink.RegistrationChanged(acc, status)
	m.delivered(KindRegistration)
}

// CallStateChanged reports a call state and its last SIP status.
func (m *Marshaler) CallStateChanged(seq uint64, call engine.CallID, state engine.CallState, status int) {
	if m.sink.CallStateChanged == nil || !m.once(KindCallState, seq) {
		return
	}
	m.sink.CallStateChanged(call, state, status)
	m.delivered(KindCallState)
}

// IncomingCall offers a new call with the caller's contact in host text.
func (m *Marshaler) IncomingCall(seq uint64, call engine.CallID, remoteContact string) {
	if m.sink.IncomingCall == nil || !m.once(KindIncomingCall, seq) {
		return
	}
	m.sink.IncomingCall(call, m.HostText(remoteContact))
	m.delivered(KindIncomingCall)
}

// CallHoldConfirmed reports that the remote party accepted our hold.
func (m *Marshaler) CallHoldConfirmed(seq uint64, call engine.CallID) {
	if m.sink.CallHoldConfirmed == nil || !m.once(KindHoldConfirmed, seq) {
		return
	}
	m.sink.CallHoldConfirmed(call)
	m.delivered(KindHoldConfirmed)
}

// MessageReceived delivers an instant message.
func (m *Marshaler) MessageReceived(seq uint64, from, text string) {
	if m.sink.MessageReceived == nil || !m.once(KindMessage, seq) {
		return
	}
	m.sink.MessageReceived(m.HostText(from), m.HostText(text))
	m.delivered(KindMessage)
}

// BuddyStatusChanged reports a buddy's presence as a code plus free text.
func (m *Marshaler) BuddyStatusChanged(seq uint64, buddy engine.BuddyID, status int, text string) {
	if m.sink.BuddyStatusChanged == nil || !m.once(KindBuddyStatus, seq) {
		return
	}
	m.sink.BuddyStatusChanged(buddy, status, m.HostText(text))
	m.delivered(KindBuddyStatus)
}

// DTMFDigit delivers one received digit.
func (m *Marshaler) DTMFDigit(seq uint64, call engine.CallID, digit rune) {
	if m.sink.DTMFDigitReceived == nil || !m.once(KindDTMF, seq) {
		return
	}
	m.sink.DTMFDigitReceived(call, digit)
	m.delivered(KindDTMF)
}

// MessageWaiting reports the voicemail indicator and its summary.
func (m *Marshaler) MessageWaiting(seq uint64, waiting bool, summary string) {
	if m.sink.MessageWaiting == nil || !m.once(KindMessageWaiting, seq) {
		return
	}
	m.sink.MessageWaiting(waiting, m.HostText(summary))
	m.delivered(KindMessageWaiting)
}

// CallReplaced reports that new takes over from old.
func (m *Marshaler) CallReplaced(seq uint64, old, new engine.CallID) {
	if m.sink.CallReplaced == nil || !m.once(KindCallReplaced, seq) {
		return
	}
	m.sink.CallReplaced(old, new)
	m.delivered(KindCallReplaced)
}

// TypingIndication reports whether a correspondent is composing.
func (m *Marshaler) TypingIndication(seq uint64, from string, typing bool) {
	if m.sink.TypingIndication == nil || !m.once(KindTyping, seq) {
		return
	}
	m.sink.TypingIndication(m.HostText(from), typing)
	m.delivered(KindTyping)
}
