package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing the core boundary.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindEngineRejected means the engine refused a command; Code holds
	// the status it reported.
	KindEngineRejected
	// KindInvalidArgument means the request was malformed and never
	// reached the engine.
	KindInvalidArgument
	// KindStaleHandle means the call was already disconnected or released.
	KindStaleHandle
	// KindFatal means the session could not start and was torn down.
	KindFatal
	// KindUnsupported means the operation or service code is not handled.
	KindUnsupported
	// KindNotInitialized means the session is not running.
	KindNotInitialized
	// KindAlreadyInitialized means Init was called twice.
	KindAlreadyInitialized
)

func (k ErrorKind) String() string {
	switch k {
	case KindEngineRejected:
		return "engine rejected"
	case KindInvalidArgument:
		return "invalid argument"
	case KindStaleHandle:
		return "stale handle"
	case KindFatal:
		return "fatal"
	case KindUnsupported:
		return "unsupported"
	case KindNotInitialized:
		return "not initialized"
	case KindAlreadyInitialized:
		return "already initialized"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by core operations.
type Error struct {
	Kind ErrorKind
	Op   string
	// Code is the SIP or engine status code for KindEngineRejected.
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels. A stale handle also matches
// ErrInvalidArgument, since actions on stale calls are invalid requests.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Code != 0 || t.Err != nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return e.Kind == KindStaleHandle && t.Kind == KindInvalidArgument
}

// Kind sentinels for use with errors.Is.
var (
	ErrEngineRejected     = &Error{Kind: KindEngineRejected}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrStaleHandle        = &Error{Kind: KindStaleHandle}
	ErrFatal              = &Error{Kind: KindFatal}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrNotInitialized     = &Error{Kind: KindNotInitialized}
	ErrAlreadyInitialized = &Error{Kind: KindAlreadyInitialized}
)

var errNoResponder = errors.New("transaction has no responder")

// Rejected builds an engine rejection carrying the engine's status code.
func Rejected(op string, code int, err error) *Error {
	return &Error{Kind: KindEngineRejected, Op: op, Code: code, Err: err}
}

// Invalid builds an invalid-argument error.
func Invalid(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Err: fmt.Errorf(format, args...)}
}

// Stale builds a stale-handle error for call.
func Stale(op string, call CallID) *Error {
	return &Error{Kind: KindStaleHandle, Op: op, Err: fmt.Errorf("call %d is not active", call)}
}

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCode returns the engine status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
