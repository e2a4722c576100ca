package callstate

import (
	"strings"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/registry"
)

// OnIncomingCall creates the record of a new inbound call and tells the
// host about it.
func (m *Machine) OnIncomingCall(ev *engine.IncomingCall) bool {
	if _, err := m.reg.Upsert(ev.Call, engine.CallStateIncoming); err != nil {
		m.logger.Warn("dropping incoming call", "call_id", ev.Call, "error", err)
		return false
	}
	m.reg.Update(ev.Call, func(r *registry.CallRecord) {
		r.Account = ev.Account
		r.Direction = registry.Incoming
		r.RemoteURI = ev.RemoteURI
		r.RemoteContact = ev.RemoteContact
	})
	m.logger.Info("incoming call", "call_id", ev.Call, "account_id", ev.Account, "remote_contact", ev.RemoteContact)
	m.notify.IncomingCall(ev.Sequence(), ev.Call, ev.RemoteContact)
	return true
}

// OnTransaction handles in-dialog transactions. Only INFO is of interest:
// inbound requests are answered here, outbound results are logged. Nothing
// reaches the host.
func (m *Machine) OnTransaction(ev *engine.TransactionStateChanged) {
	tsx := ev.Tsx
	if tsx == nil || !strings.EqualFold(tsx.Method, "INFO") {
		return
	}

	switch tsx.Role {
	case engine.RoleUAC:
		if tsx.State != engine.TsxCompleted && tsx.State != engine.TsxTerminated {
			return
		}
		switch {
		case tsx.StatusCode >= 200 && tsx.StatusCode < 300:
			m.logger.Debug("DTMF sent with INFO", "call_id", ev.Call)
		case tsx.StatusCode >= 300:
			m.logger.Warn("sending DTMF with INFO failed",
				"call_id", ev.Call,
				"status", tsx.StatusCode,
				"reason", tsx.StatusText,
			)
		}

	case engine.RoleUAS:
		if tsx.State != engine.TsxTrying {
			return
		}
		code := engine.StatusOK
		if len(tsx.Body) == 0 {
			code = engine.StatusBadRequest
		}
		if err := tsx.Respond(code); err != nil {
			m.logger.Error("answering INFO failed", "call_id", ev.Call, "status", code, "error", err)
			return
		}
		m.logger.Debug("answered INFO", "call_id", ev.Call, "status", code)
	}
}

// OnTransferStatus handles progress of an outgoing transfer. A 2xx status
// means the transfer target answered: the call is hung up with 410 and the
// engine is told to stop reporting this attempt.
func (m *Machine) OnTransferStatus(ev *engine.TransferStatus) {
	m.logger.Info("transfer status",
		"call_id", ev.Call,
		"status", ev.StatusCode,
		"reason", ev.StatusText,
		"final", ev.Final,
	)
	if ev.StatusCode/100 != 2 {
		return
	}

	m.logger.Info("call transferred, disconnecting", "call_id", ev.Call)
	if err := m.eng.Hangup(ev.Call, engine.StatusGone, "Gone", nil); err != nil {
		m.logger.Error("hangup after transfer failed", "call_id", ev.Call, "error", err)
	}
	if ev.Stop != nil {
		ev.Stop()
	}
}

// OnCallReplaced tells the host that old is being replaced by new. The
// registry is left alone; old disconnects through its own state event.
func (m *Machine) OnCallReplaced(ev *engine.CallReplaced) {
	m.logger.Info("call replaced", "old_call_id", ev.Old, "new_call_id", ev.New)
	m.notify.CallReplaced(ev.Sequence(), ev.Old, ev.New)
}

// OnDTMF forwards a received digit to the host.
func (m *Machine) OnDTMF(ev *engine.DTMFReceived) {
	if !m.reg.Live(ev.Call) {
		m.logger.Warn("DTMF for unknown call", "call_id", ev.Call, "digit", string(ev.Digit))
		return
	}
	m.logger.Debug("DTMF received", "call_id", ev.Call, "digit", string(ev.Digit))
	m.notify.DTMFDigit(ev.Sequence(), ev.Call, ev.Digit)
}
