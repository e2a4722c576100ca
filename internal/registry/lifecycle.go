package registry

import (
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/looplab/fsm"
)

// The lifecycle machine names events after the state they lead to.
const (
	stateNull         = "null"
	stateCalling      = "calling"
	stateIncoming     = "incoming"
	stateEarly        = "early"
	stateConnecting   = "connecting"
	stateConfirmed    = "confirmed"
	stateDisconnected = "disconnected"
)

func lifecycleEvent(s engine.CallState) string {
	switch s {
	case engine.CallStateCalling:
		return stateCalling
	case engine.CallStateIncoming:
		return stateIncoming
	case engine.CallStateEarly:
		return stateEarly
	case engine.CallStateConnecting:
		return stateConnecting
	case engine.CallStateConfirmed:
		return stateConfirmed
	case engine.CallStateDisconnected:
		return stateDisconnected
	default:
		return stateNull
	}
}

// newLifecycle builds the call lifecycle:
// {calling|incoming} -> {early, connecting, confirmed}* -> disconnected.
func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		stateNull,
		fsm.Events{
			{Name: stateCalling, Src: []string{stateNull, stateCalling}, Dst: stateCalling},
			{Name: stateIncoming, Src: []string{stateNull, stateIncoming}, Dst: stateIncoming},
			{Name: stateEarly, Src: []string{stateCalling, stateIncoming, stateEarly}, Dst: stateEarly},
			{Name: stateConnecting, Src: []string{stateCalling, stateIncoming, stateEarly, stateConnecting}, Dst: stateConnecting},
			{Name: stateConfirmed, Src: []string{stateCalling, stateIncoming, stateEarly, stateConnecting, stateConfirmed}, Dst: stateConfirmed},
			{Name: stateDisconnected, Src: []string{stateCalling, stateIncoming, stateEarly, stateConnecting, stateConfirmed}, Dst: stateDisconnected},
		},
		fsm.Callbacks{},
	)
}
