// Package feature turns abstract service requests (deflection, call
// forwarding, do-not-disturb, local three-party) into engine call actions,
// and applies the configured forwarding policy to incoming calls.
package feature

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/icejuk/sipeksdk/internal/engine"
)

// ServiceCode is an abstract feature request.
type ServiceCode int

const (
	Deflect ServiceCode = iota + 1
	ForwardUnconditional
	ForwardNoReply
	ForwardBusy
	DoNotDisturb
	ThreePartyLocal
)

var serviceNames = map[ServiceCode]string{
	Deflect:              "deflect",
	ForwardUnconditional: "cfu",
	ForwardNoReply:       "cfnr",
	ForwardBusy:          "cfb",
	DoNotDisturb:         "dnd",
	ThreePartyLocal:      "3pty",
}

func (c ServiceCode) String() string {
	if n, ok := serviceNames[c]; ok {
		return n
	}
	return fmt.Sprintf("service(%d)", int(c))
}

// ParseServiceCode returns the code named s ("deflect", "cfu", "cfnr",
// "cfb", "dnd", "3pty").
func ParseServiceCode(s string) (ServiceCode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, n := range serviceNames {
		if n == s {
			return c, nil
		}
	}
	return 0, engine.Invalid("service", "unknown service code %q", s)
}

// Engine is the call control surface the dispatcher drives.
type Engine interface {
	Hangup(call engine.CallID, code int, reason string, headers []engine.Header) error
	Reinvite(call engine.CallID, unhold bool) error
}

// Dispatcher executes service requests against the engine.
type Dispatcher struct {
	eng    Engine
	logger *slog.Logger

	// OnDispatch, when set, is called after every dispatch attempt that
	// reached the engine.
	OnDispatch func(code ServiceCode, err error)
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(eng Engine, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{eng: eng, logger: logger.With("subsystem", "feature")}
}

// Dispatch executes code for call. Redirecting codes require a valid SIP
// destination URI; an empty or malformed one is rejected without touching
// the engine.
func (d *Dispatcher) Dispatch(call engine.CallID, code ServiceCode, destination string) error {
	var err error
	switch code {
	case ThreePartyLocal:
		err = d.eng.Reinvite(call, true)

	case Deflect, ForwardUnconditional, ForwardNoReply, ForwardBusy:
		target, verr := ValidateURI(destination)
		if verr != nil {
			d.logger.Warn("rejecting service request", "call_id", call, "service", code.String(), "error", verr)
			return verr
		}
		headers := []engine.Header{{Name: "Contact", Value: "<" + target + ">"}}
		err = d.eng.Hangup(call, engine.StatusMovedTemporarily, "", headers)

	case DoNotDisturb:
		err = d.eng.Hangup(call, engine.StatusBusyHere, "", nil)

	default:
		return &engine.Error{Kind: engine.KindUnsupported, Op: "dispatch", Err: fmt.Errorf("service %s", code)}
	}

	if d.OnDispatch != nil {
		d.OnDispatch(code, err)
	}
	if err != nil {
		d.logger.Error("service request failed", "call_id", call, "service", code.String(), "error", err)
		return fmt.Errorf("dispatching %s on call %d: %w", code, call, err)
	}
	d.logger.Info("service request executed", "call_id", call, "service", code.String(), "destination", destination)
	return nil
}

// ValidateURI checks that s is a SIP or SIPS URI with a host, optionally
// wrapped in angle brackets, and returns it without the brackets.
func ValidateURI(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if s == "" {
		return "", engine.Invalid("validate uri", "destination uri is empty")
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		return "", engine.Invalid("validate uri", "destination %q is not a sip uri", s)
	}
	if strings.ContainsAny(s, " \t\r\n<>") {
		return "", engine.Invalid("validate uri", "destination %q contains invalid characters", s)
	}
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		return "", engine.Invalid("validate uri", "parsing %q: %v", s, err)
	}
	if u.Host == "" {
		return "", engine.Invalid("validate uri", "destination %q has no host", s)
	}
	return s, nil
}
