// Package engine defines the contract between the call-session core and the
// signaling/media engine that carries out SIP and audio work. The core only
// ever talks to the engine through the interfaces in this package; concrete
// adapters (see internal/sipua) implement them.
package engine

import (
	"context"
	"time"
)

// CallID is the small integer handle the engine assigns to a call. Handles
// are reused after a call is released.
type CallID int

// InvalidCall is the sentinel "no call" handle.
const InvalidCall CallID = -1

// AccountID identifies a SIP account slot in the engine.
type AccountID int

// InvalidAccount is the sentinel "no account" handle.
const InvalidAccount AccountID = -1

// BuddyID identifies a presence buddy slot in the engine.
type BuddyID int

// Port is a conference bridge port handle. Connecting two ports mixes the
// audio of the source into the destination.
type Port int

const (
	// SoundDevicePort is the local sound device, always port zero.
	SoundDevicePort Port = 0

	// InvalidPort marks an unset or unavailable port.
	InvalidPort Port = -1
)

// CallState mirrors the engine-reported invite session state.
type CallState int

const (
	CallStateNull CallState = iota
	CallStateCalling
	CallStateIncoming
	CallStateEarly
	CallStateConnecting
	CallStateConfirmed
	CallStateDisconnected
)

func (s CallState) String() string {
	switch s {
	case CallStateNull:
		return "null"
	case CallStateCalling:
		return "calling"
	case CallStateIncoming:
		return "incoming"
	case CallStateEarly:
		return "early"
	case CallStateConnecting:
		return "connecting"
	case CallStateConfirmed:
		return "confirmed"
	case CallStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MediaState is the media axis of a call, independent of CallState.
type MediaState int

const (
	MediaNone MediaState = iota
	MediaActive
	MediaLocalHold
	MediaRemoteHold
	MediaError
)

func (s MediaState) String() string {
	switch s {
	case MediaNone:
		return "none"
	case MediaActive:
		return "active"
	case MediaLocalHold:
		return "local_hold"
	case MediaRemoteHold:
		return "remote_hold"
	case MediaError:
		return "error"
	default:
		return "unknown"
	}
}

// HasMedia reports whether audio flows for the call, i.e. whether its
// conference port may be connected.
func (s MediaState) HasMedia() bool {
	return s == MediaActive || s == MediaRemoteHold
}

// TimerKind selects one of the per-call engine timers.
type TimerKind int

const (
	// TimerDuration enforces the maximum call length.
	TimerDuration TimerKind = iota
	// TimerNoReply forwards unanswered incoming calls.
	TimerNoReply
)

func (k TimerKind) String() string {
	switch k {
	case TimerDuration:
		return "duration"
	case TimerNoReply:
		return "no_reply"
	default:
		return "unknown"
	}
}

// Header is an additional SIP header attached to an outgoing request or
// response.
type Header struct {
	Name  string
	Value string
}

// SIP status codes used by the core.
const (
	StatusOK                  = 200
	StatusMovedTemporarily    = 302
	StatusBadRequest          = 400
	StatusGone                = 410
	StatusBusyHere            = 486
	StatusDecline             = 603
	StatusInternalServerError = 500
)

// CallInfo is a snapshot of the engine's view of one call.
type CallInfo struct {
	ID             CallID
	Account        AccountID
	State          CallState
	MediaState     MediaState
	ConfPort       Port
	LocalURI       string
	RemoteURI      string
	RemoteContact  string
	LastStatus     int
	LastStatusText string
	Incoming       bool
	ICE            bool
	ConnectedAt    time.Time
}

// AccountConfig describes a SIP account to register with a registrar.
type AccountConfig struct {
	Username     string `json:"username"`
	AuthUsername string `json:"auth_username,omitempty"`
	Password     string `json:"password,omitempty"`
	Domain       string `json:"domain"`
	Proxy        string `json:"proxy,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Transport    string `json:"transport,omitempty"`
	Default      bool   `json:"default,omitempty"`
}

// AccountInfo is a snapshot of an account's registration.
type AccountInfo struct {
	ID         AccountID
	URI        string
	Status     int
	StatusText string
	Expires    int
	Online     bool
}

// BuddyInfo is a snapshot of a buddy's presence as reported by the engine.
type BuddyInfo struct {
	ID         BuddyID
	URI        string
	Status     BuddyStatus
	StatusText string
	Subscribed bool
}

// BuddyStatus is the coarse presence of a remote buddy.
type BuddyStatus int

const (
	BuddyUnknown BuddyStatus = iota
	BuddyOnline
	BuddyOffline
)

func (s BuddyStatus) String() string {
	switch s {
	case BuddyOnline:
		return "online"
	case BuddyOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Activity is the RPID activity advertised with our presence.
type Activity int

const (
	ActivityUnknown Activity = iota
	ActivityAway
	ActivityBusy
)

func (a Activity) String() string {
	switch a {
	case ActivityAway:
		return "away"
	case ActivityBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// PresenceElement is the rich presence published for an account.
type PresenceElement struct {
	Activity Activity
	Note     string
}

// CodecInfo describes one audio codec and its offer priority. A priority of
// zero disables the codec.
type CodecInfo struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// CallControl issues call-level commands.
type CallControl interface {
	MakeCall(acc AccountID, uri string, headers []Header) (CallID, error)
	Hangup(call CallID, code int, reason string, headers []Header) error
	Answer(call CallID, code int) error
	SetHold(call CallID) error
	Reinvite(call CallID, unhold bool) error
	Transfer(call CallID, uri string, headers []Header) error
	TransferWithReplaces(call, target CallID, headers []Header) error
	SendRequest(call CallID, method, contentType string, body []byte) error
	DialDTMF(call CallID, digits string) error
	CallInfo(call CallID) (CallInfo, error)
	CallDump(call CallID) string
	MaxCalls() int
}

// Conference connects and disconnects conference bridge ports.
type Conference interface {
	ConnectPort(src, dst Port) error
	DisconnectPort(src, dst Port) error
}

// Timers arms and cancels per-call one-shot timers. A firing timer is
// delivered as a TimerFired event carrying the generation it was armed with.
type Timers interface {
	ArmTimer(call CallID, kind TimerKind, d time.Duration, generation uint64) error
	// CancelTimer returns false when no timer of that kind was armed.
	CancelTimer(call CallID, kind TimerKind) bool
}

// Accounts manages SIP accounts, presence publication and buddies.
type Accounts interface {
	AddAccount(cfg AccountConfig) (AccountID, error)
	RemoveAccount(acc AccountID) error
	SetOnlineStatus(acc AccountID, online bool, el PresenceElement) error
	AddBuddy(uri string, subscribe bool) (BuddyID, error)
	RemoveBuddy(buddy BuddyID) error
}

// Messaging sends instant messages and typing indications.
type Messaging interface {
	SendMessage(acc AccountID, uri, text string) error
	SendCallMessage(call CallID, text string) error
	SendTyping(acc AccountID, uri string, typing bool) error
}

// Media exposes codec configuration and file ports.
type Media interface {
	Codecs() []CodecInfo
	SetCodecPriority(name string, priority int) error
	CreatePlayer(file string) (Port, error)
	CreateRecorder(file string) (Port, error)
}

// Handler receives engine events. Engines deliver events to a Handler one
// at a time.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Engine is the full collaborator surface used by the session.
type Engine interface {
	CallControl
	Conference
	Timers
	Accounts
	Messaging
	Media

	// SetHandler installs the event handler. Must be called before Start.
	SetHandler(h Handler)

	// Start brings up transports and begins event delivery. In polling
	// mode events are only delivered from Poll.
	Start(ctx context.Context) error

	// Poll delivers queued events for up to timeout and returns how many
	// were delivered.
	Poll(timeout time.Duration) (int, error)

	// Close hangs up everything and releases all engine resources.
	Close() error
}
