package feature

import (
	"testing"
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/engine/enginetest"
	"github.com/icejuk/sipeksdk/internal/registry"
)

func resolveExample(n string) string { return "sip:" + n + "@example.com" }

func setupPolicy(t *testing.T, s Settings) (*Policy, *registry.Registry, *enginetest.Engine) {
	t.Helper()
	reg := registry.New(4)
	eng := enginetest.New(4)
	p := NewPolicy(s, NewDispatcher(eng, testLogger()), eng, reg, resolveExample, testLogger())
	return p, reg, eng
}

func TestPolicyOrder(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		busy     bool
		want     Action
		code     int
		contact  string
	}{
		{"nothing configured", Settings{}, false, ActionNone, 0, ""},
		{"cfu wins over dnd", Settings{CFU: true, CFUNumber: "100", DND: true}, false, ActionForwarded, 302, "<sip:100@example.com>"},
		{"cfu without number ignored", Settings{CFU: true, DND: true}, false, ActionRejected, 486, ""},
		{"cfb when busy", Settings{CFB: true, CFBNumber: "200", DND: true}, true, ActionForwarded, 302, "<sip:200@example.com>"},
		{"cfb when idle falls through", Settings{CFB: true, CFBNumber: "200", DND: true}, false, ActionRejected, 486, ""},
		{"dnd", Settings{DND: true, AutoAnswer: true}, false, ActionRejected, 486, ""},
		{"auto answer", Settings{AutoAnswer: true, CFNR: true, CFNRNumber: "300"}, false, ActionAnswered, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, reg, eng := setupPolicy(t, tt.settings)
			if tt.busy {
				reg.Upsert(0, engine.CallStateCalling)
				reg.Upsert(0, engine.CallStateConfirmed)
			}
			reg.Upsert(1, engine.CallStateIncoming)

			got, err := p.OnIncoming(1)
			if err != nil {
				t.Fatalf("OnIncoming() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("action = %s, want %s", got, tt.want)
			}
			hangups := eng.Find("hangup")
			if tt.code == 0 {
				if len(hangups) != 0 {
					t.Errorf("unexpected hangups %+v", hangups)
				}
				return
			}
			if len(hangups) != 1 || hangups[0].Code != tt.code {
				t.Fatalf("hangups = %+v, want single %d", hangups, tt.code)
			}
			if tt.contact != "" {
				if v, _ := hangups[0].Header("Contact"); v != tt.contact {
					t.Errorf("Contact = %q, want %q", v, tt.contact)
				}
			}
		})
	}
}

func TestAutoAnswer(t *testing.T) {
	p, reg, eng := setupPolicy(t, Settings{AutoAnswer: true})
	reg.Upsert(2, engine.CallStateIncoming)
	p.OnIncoming(2)
	answers := eng.Find("answer")
	if len(answers) != 1 || answers[0].Call != 2 || answers[0].Code != 200 {
		t.Errorf("answers = %+v, want answer(2, 200)", answers)
	}
}

func TestNoReplyForwarding(t *testing.T) {
	p, reg, eng := setupPolicy(t, Settings{CFNR: true, CFNRNumber: "300", NoReplyTimeout: 5 * time.Second})
	reg.Upsert(1, engine.CallStateIncoming)

	got, err := p.OnIncoming(1)
	if err != nil || got != ActionNoReplyArmed {
		t.Fatalf("OnIncoming() = %s, %v", got, err)
	}
	if len(eng.Timers) != 1 || eng.Timers[0].Duration != 5*time.Second || eng.Timers[0].Kind != engine.TimerNoReply {
		t.Fatalf("timers = %+v", eng.Timers)
	}

	reg.Upsert(1, engine.CallStateEarly)
	if err := p.OnNoReply(&engine.TimerFired{Call: 1, Kind: engine.TimerNoReply, Generation: eng.Timers[0].Generation}); err != nil {
		t.Fatal(err)
	}
	hangups := eng.Find("hangup")
	if len(hangups) != 1 || hangups[0].Code != 302 {
		t.Fatalf("hangups = %+v, want 302", hangups)
	}
	if v, _ := hangups[0].Header("Contact"); v != "<sip:300@example.com>" {
		t.Errorf("Contact = %q", v)
	}

	// A second firing with the same generation is ignored.
	eng.Reset()
	p.OnNoReply(&engine.TimerFired{Call: 1, Kind: engine.TimerNoReply, Generation: 1})
	if len(eng.Find("hangup")) != 0 {
		t.Error("repeated no-reply firing hung up again")
	}
}

func TestNoReplyAfterAnswerIgnored(t *testing.T) {
	p, reg, eng := setupPolicy(t, Settings{CFNR: true, CFNRNumber: "300"})
	reg.Upsert(1, engine.CallStateIncoming)
	p.OnIncoming(1)
	gen := eng.Timers[0].Generation
	if eng.Timers[0].Duration != DefaultNoReplyTimeout {
		t.Errorf("timeout = %s, want default", eng.Timers[0].Duration)
	}

	reg.Upsert(1, engine.CallStateConfirmed)
	p.OnNoReply(&engine.TimerFired{Call: 1, Kind: engine.TimerNoReply, Generation: gen})
	if len(eng.Find("hangup")) != 0 {
		t.Error("confirmed call was forwarded")
	}
}

func TestCancelNoReply(t *testing.T) {
	p, reg, eng := setupPolicy(t, Settings{CFNR: true, CFNRNumber: "300"})
	reg.Upsert(1, engine.CallStateIncoming)
	p.OnIncoming(1)

	p.CancelNoReply(1)
	if _, armed := eng.Armed(1, engine.TimerNoReply); armed {
		t.Error("engine timer still armed")
	}
	// Cancelling again is a no-op.
	p.CancelNoReply(1)
	p.CancelNoReply(3)
}
