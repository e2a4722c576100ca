package session

import (
	"fmt"
	"strings"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/registry"
)

// DTMFMode selects how DialDTMF sends digits.
type DTMFMode int

const (
	// DTMFInfo sends each digit as a SIP INFO with a dtmf-relay body.
	DTMFInfo DTMFMode = iota
	// DTMFRFC2833 sends telephone-events in the media stream.
	DTMFRFC2833
	// DTMFInBand is handled by the engine like RFC 2833.
	DTMFInBand
)

// ParseDTMFMode accepts "info", "rfc2833" and "inband".
func ParseDTMFMode(s string) (DTMFMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return DTMFInfo, nil
	case "rfc2833", "rfc4733":
		return DTMFRFC2833, nil
	case "inband":
		return DTMFInBand, nil
	}
	return 0, engine.Invalid("dtmf", "unknown DTMF mode %q", s)
}

const (
	dtmfRelayType = "application/dtmf-relay"
	dtmfDigits    = "0123456789*#ABCDabcd"
)

var referSubFalse = engine.Header{Name: "Refer-Sub", Value: "false"}

func (s *Session) transferHeaders() []engine.Header {
	if s.cfg.NoReferSub {
		return []engine.Header{referSubFalse}
	}
	return nil
}

// MakeCall places a call from acc to uri. Bare numbers are expanded with
// the default account's domain.
func (s *Session) MakeCall(acc engine.AccountID, uri string) (engine.CallID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireInit("make_call"); err != nil {
		return engine.InvalidCall, err
	}
	if _, ok := s.reg.Account(acc); !ok {
		return engine.InvalidCall, engine.Invalid("make_call", "unknown account %d", acc)
	}
	target, err := feature.ValidateURI(s.resolve(uri))
	if err != nil {
		return engine.InvalidCall, err
	}

	id, err := s.eng.MakeCall(acc, target, nil)
	if err != nil {
		s.logger.Error("make call failed", "account_id", acc, "uri", target, "error", err)
		return engine.InvalidCall, engineErr("make_call", err)
	}
	if _, err := s.reg.Upsert(id, engine.CallStateCalling); err != nil {
		s.logger.Warn("engine reused a live call slot", "call_id", id, "error", err)
		return id, nil
	}
	s.reg.Update(id, func(r *registry.CallRecord) {
		r.Account = acc
		r.Direction = registry.Outgoing
		r.RemoteURI = target
	})
	if s.reg.Current() == engine.InvalidCall {
		s.reg.SetCurrent(id)
	}
	s.logger.Info("call placed", "call_id", id, "account_id", acc, "uri", target)
	return id, nil
}

// ReleaseCall hangs up call with the engine's default status.
func (s *Session) ReleaseCall(call engine.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("release_call", call); err != nil {
		return err
	}
	s.logger.Info("releasing call", "call_id", call)
	return engineErr("release_call", s.eng.Hangup(call, 0, "", nil))
}

// AnswerCall answers an incoming call with code (200 to accept, 4xx-6xx
// to reject, 180/183 for progress).
func (s *Session) AnswerCall(call engine.CallID, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("answer_call", call); err != nil {
		return err
	}
	if code < 100 || code > 699 {
		return engine.Invalid("answer_call", "status code %d out of range", code)
	}
	if code >= 200 {
		s.policy.CancelNoReply(call)
	}
	return engineErr("answer_call", s.eng.Answer(call, code))
}

// HoldCall puts call on hold.
func (s *Session) HoldCall(call engine.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("hold_call", call); err != nil {
		return err
	}
	return engineErr("hold_call", s.eng.SetHold(call))
}

// RetrieveCall takes call off hold.
func (s *Session) RetrieveCall(call engine.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("retrieve_call", call); err != nil {
		return err
	}
	return engineErr("retrieve_call", s.eng.Reinvite(call, true))
}

// XferCall transfers call to uri (blind transfer).
func (s *Session) XferCall(call engine.CallID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("xfer_call", call); err != nil {
		return err
	}
	target, err := feature.ValidateURI(s.resolve(uri))
	if err != nil {
		return err
	}
	s.logger.Info("transferring call", "call_id", call, "uri", target)
	return engineErr("xfer_call", s.eng.Transfer(call, target, s.transferHeaders()))
}

// XferCallWithReplaces transfers call to the party of target (attended
// transfer).
func (s *Session) XferCallWithReplaces(call, target engine.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("xfer_call_replaces", call); err != nil {
		return err
	}
	if err := s.requireCall("xfer_call_replaces", target); err != nil {
		return err
	}
	if call == target {
		return engine.Invalid("xfer_call_replaces", "cannot transfer call %d to itself", call)
	}
	s.logger.Info("attended transfer", "call_id", call, "target_call_id", target)
	return engineErr("xfer_call_replaces", s.eng.TransferWithReplaces(call, target, s.transferHeaders()))
}

// ServiceRequest runs a feature service on call. destination may be a
// bare number, which is expanded like a dialled number.
func (s *Session) ServiceRequest(call engine.CallID, code feature.ServiceCode, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("service_request", call); err != nil {
		return err
	}
	if destination != "" {
		destination = s.resolve(destination)
	}
	return s.disp.Dispatch(call, code, destination)
}

// DialDTMF sends digits on call using mode.
func (s *Session) DialDTMF(call engine.CallID, digits string, mode DTMFMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("dial_dtmf", call); err != nil {
		return err
	}
	if digits == "" || strings.Trim(digits, dtmfDigits) != "" {
		return engine.Invalid("dial_dtmf", "invalid DTMF digits %q", digits)
	}

	switch mode {
	case DTMFInfo:
		for _, d := range digits {
			body := fmt.Sprintf("Signal=%c\r\nDuration=160", d)
			if err := s.eng.SendRequest(call, "INFO", dtmfRelayType, []byte(body)); err != nil {
				s.logger.Error("sending DTMF INFO failed", "call_id", call, "digit", string(d), "error", err)
				return engineErr("dial_dtmf", err)
			}
		}
		return nil
	case DTMFRFC2833, DTMFInBand:
		return engineErr("dial_dtmf", s.eng.DialDTMF(call, digits))
	default:
		return engine.Invalid("dial_dtmf", "unknown DTMF mode %d", mode)
	}
}

// SendInfo sends content as a dtmf-relay INFO signal on call.
func (s *Session) SendInfo(call engine.CallID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("send_info", call); err != nil {
		return err
	}
	if content == "" {
		return engine.Invalid("send_info", "empty INFO content")
	}
	return engineErr("send_info", s.eng.SendRequest(call, "INFO", dtmfRelayType, []byte("Signal="+content)))
}

// MakeConference bridges call with every other call that has media.
func (s *Session) MakeConference(call engine.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("make_conference", call); err != nil {
		return err
	}
	return s.router.Conference(call)
}

// SendCallMessage sends an instant message inside call.
func (s *Session) SendCallMessage(call engine.CallID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireCall("send_call_message", call); err != nil {
		return err
	}
	if text == "" {
		return engine.Invalid("send_call_message", "empty message")
	}
	return engineErr("send_call_message", s.eng.SendCallMessage(call, text))
}

// CurrentCall returns the cursor, or InvalidCall.
func (s *Session) CurrentCall() engine.CallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return engine.InvalidCall
	}
	return s.reg.Current()
}

// Calls returns the live call records.
func (s *Session) Calls() ([]registry.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit("calls"); err != nil {
		return nil, err
	}
	return s.reg.Calls(), nil
}

// Call returns the record of call.
func (s *Session) Call(call engine.CallID) (registry.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireCall("call", call); err != nil {
		return registry.CallRecord{}, err
	}
	rec, _ := s.reg.Get(call)
	return rec, nil
}

// ActiveCallCount returns the number of calls not yet disconnected.
func (s *Session) ActiveCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0
	}
	return s.reg.ActiveCount()
}
