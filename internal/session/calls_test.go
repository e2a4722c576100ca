package session

import (
	"errors"
	"testing"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/engine/enginetest"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/presence"
)

func TestMakeCallResolvesNumbers(t *testing.T) {
	tests := []struct {
		dial string
		want string
	}{
		{"2000", "sip:2000@pbx.example.com"},
		{"bob@other.example.com", "sip:bob@other.example.com"},
		{"sips:carol@example.com", "sips:carol@example.com"},
		{"<sip:dave@example.com>", "sip:dave@example.com"},
	}
	for _, tt := range tests {
		s, eng, _ := started(t, Config{})
		acc, err := s.RegisterAccount(engine.AccountConfig{Username: "1001", Domain: "pbx.example.com", Default: true})
		if err != nil {
			t.Fatal(err)
		}
		id, err := s.MakeCall(acc, tt.dial)
		if err != nil {
			t.Errorf("MakeCall(%q) error: %v", tt.dial, err)
			continue
		}
		calls := eng.Find("make_call")
		if len(calls) != 1 || calls[0].URI != tt.want {
			t.Errorf("MakeCall(%q) dialled %+v, want %s", tt.dial, calls, tt.want)
		}
		if got := s.CurrentCall(); got != id {
			t.Errorf("CurrentCall() = %d, want %d", got, id)
		}
	}
}

func TestMakeCallValidation(t *testing.T) {
	s, eng, _ := started(t, Config{})
	if _, err := s.MakeCall(0, "sip:bob@example.com"); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("MakeCall() without account error = %v", err)
	}
	acc, _ := s.RegisterAccount(engine.AccountConfig{Username: "1001", Domain: "example.com"})
	if _, err := s.MakeCall(acc, ""); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("MakeCall(\"\") error = %v", err)
	}
	if n := len(eng.Find("make_call")); n != 0 {
		t.Errorf("engine dialled %d calls", n)
	}
}

func TestMakeCallEngineRejection(t *testing.T) {
	s, eng, _ := started(t, Config{})
	acc, _ := s.RegisterAccount(engine.AccountConfig{Username: "1001", Domain: "example.com"})
	eng.Fail["make_call"] = engine.Rejected("make_call", 503, nil)

	_, err := s.MakeCall(acc, "sip:bob@example.com")
	if engine.StatusCode(err) != 503 {
		t.Errorf("status = %d, want 503 (err %v)", engine.StatusCode(err), err)
	}

	eng.Fail["make_call"] = errors.New("transport down")
	_, err = s.MakeCall(acc, "sip:bob@example.com")
	if !errors.Is(err, engine.ErrEngineRejected) {
		t.Errorf("untyped engine error = %v, want engine rejected", err)
	}
}

func TestStaleCallOperations(t *testing.T) {
	s, eng, _ := started(t, Config{})
	eng.Emit(&engine.IncomingCall{Call: 1})
	eng.Emit(&engine.CallStateChanged{Call: 1, State: engine.CallStateDisconnected, LastStatus: 487})
	eng.Reset()

	ops := map[string]func() error{
		"release":    func() error { return s.ReleaseCall(1) },
		"answer":     func() error { return s.AnswerCall(1, 200) },
		"hold":       func() error { return s.HoldCall(1) },
		"retrieve":   func() error { return s.RetrieveCall(1) },
		"xfer":       func() error { return s.XferCall(1, "sip:x@example.com") },
		"dtmf":       func() error { return s.DialDTMF(1, "1", DTMFRFC2833) },
		"info":       func() error { return s.SendInfo(1, "5") },
		"conference": func() error { return s.MakeConference(1) },
		"service":    func() error { return s.ServiceRequest(1, feature.DoNotDisturb, "") },
	}
	for name, op := range ops {
		err := op()
		if !errors.Is(err, engine.ErrStaleHandle) || !errors.Is(err, engine.ErrInvalidArgument) {
			t.Errorf("%s on released call error = %v, want stale handle", name, err)
		}
	}
	if len(eng.Ops()) != 0 {
		t.Errorf("engine contacted: %v", eng.Ops())
	}
	if err := s.HoldCall(9); !errors.Is(err, engine.ErrInvalidArgument) || errors.Is(err, engine.ErrStaleHandle) {
		t.Errorf("HoldCall(out of range) error = %v", err)
	}
}

func incomingCall(t *testing.T, cfg Config) (*Session, *enginetest.Engine, engine.CallID) {
	t.Helper()
	s, eng, _ := started(t, cfg)
	eng.Emit(&engine.IncomingCall{Call: 0, RemoteURI: "sip:alice@example.com"})
	eng.Emit(&engine.CallStateChanged{Call: 0, State: engine.CallStateConfirmed, LastStatus: 200})
	eng.Reset()
	return s, eng, 0
}

func TestCallCommands(t *testing.T) {
	s, eng, call := incomingCall(t, Config{})

	steps := []struct {
		op   string
		run  func() error
		want string
	}{
		{"hold", func() error { return s.HoldCall(call) }, "hold"},
		{"retrieve", func() error { return s.RetrieveCall(call) }, "reinvite"},
		{"release", func() error { return s.ReleaseCall(call) }, "hangup"},
		{"rfc2833", func() error { return s.DialDTMF(call, "12#", DTMFRFC2833) }, "dial_dtmf"},
		{"inband", func() error { return s.DialDTMF(call, "9", DTMFInBand) }, "dial_dtmf"},
		{"message", func() error { return s.SendCallMessage(call, "hello") }, "send_call_message"},
		{"3pty", func() error { return s.ServiceRequest(call, feature.ThreePartyLocal, "") }, "reinvite"},
	}
	for _, st := range steps {
		eng.Reset()
		if err := st.run(); err != nil {
			t.Errorf("%s error: %v", st.op, err)
			continue
		}
		if ops := eng.Ops(); len(ops) != 1 || ops[0] != st.want {
			t.Errorf("%s ops = %v, want [%s]", st.op, ops, st.want)
		}
	}
}

func TestAnswerCallValidation(t *testing.T) {
	s, eng, call := incomingCall(t, Config{})
	if err := s.AnswerCall(call, 42); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("AnswerCall(42) error = %v", err)
	}
	if err := s.AnswerCall(call, 200); err != nil {
		t.Fatal(err)
	}
	if a := eng.Find("answer"); len(a) != 1 || a[0].Code != 200 {
		t.Errorf("answers = %+v", a)
	}
}

func TestDialDTMFInfo(t *testing.T) {
	s, eng, call := incomingCall(t, Config{})
	if err := s.DialDTMF(call, "1*", DTMFInfo); err != nil {
		t.Fatal(err)
	}
	reqs := eng.Find("send_request")
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want one per digit", len(reqs))
	}
	for i, want := range []string{"Signal=1\r\nDuration=160", "Signal=*\r\nDuration=160"} {
		if reqs[i].Method != "INFO" || reqs[i].Body != want {
			t.Errorf("request %d = %s %q, want INFO %q", i, reqs[i].Method, reqs[i].Body, want)
		}
		if ct, _ := reqs[i].Header("Content-Type"); ct != "application/dtmf-relay" {
			t.Errorf("Content-Type = %q", ct)
		}
	}

	for _, bad := range []string{"", "12x"} {
		if err := s.DialDTMF(call, bad, DTMFInfo); !errors.Is(err, engine.ErrInvalidArgument) {
			t.Errorf("DialDTMF(%q) error = %v", bad, err)
		}
	}
}

func TestSendInfo(t *testing.T) {
	s, eng, call := incomingCall(t, Config{})
	if err := s.SendInfo(call, "5"); err != nil {
		t.Fatal(err)
	}
	reqs := eng.Find("send_request")
	if len(reqs) != 1 || reqs[0].Body != "Signal=5" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestTransferHeaders(t *testing.T) {
	for _, noReferSub := range []bool{false, true} {
		s, eng, call := incomingCall(t, Config{NoReferSub: noReferSub})
		eng.Emit(&engine.IncomingCall{Call: 1})
		eng.Emit(&engine.CallStateChanged{Call: 1, State: engine.CallStateConfirmed})
		eng.Reset()

		if err := s.XferCall(call, "sip:carol@example.com"); err != nil {
			t.Fatal(err)
		}
		if err := s.XferCallWithReplaces(call, 1); err != nil {
			t.Fatal(err)
		}
		for _, op := range []string{"transfer", "transfer_replaces"} {
			cmds := eng.Find(op)
			if len(cmds) != 1 {
				t.Fatalf("%s commands = %d", op, len(cmds))
			}
			v, ok := cmds[0].Header("Refer-Sub")
			if ok != noReferSub || (ok && v != "false") {
				t.Errorf("NoReferSub=%v: %s Refer-Sub = %q, %v", noReferSub, op, v, ok)
			}
		}
		if cmds := eng.Find("transfer_replaces"); cmds[0].Target != 1 {
			t.Errorf("replaces target = %d, want 1", cmds[0].Target)
		}
		if err := s.XferCallWithReplaces(call, call); !errors.Is(err, engine.ErrInvalidArgument) {
			t.Errorf("self transfer error = %v", err)
		}
	}
}

func TestServiceRequestResolvesDestination(t *testing.T) {
	s, eng, call := incomingCall(t, Config{})
	s.RegisterAccount(engine.AccountConfig{Username: "1001", Domain: "pbx.example.com"})
	eng.Reset()

	if err := s.ServiceRequest(call, feature.Deflect, "3000"); err != nil {
		t.Fatal(err)
	}
	h := eng.Find("hangup")
	if len(h) != 1 || h[0].Code != 302 {
		t.Fatalf("hangups = %+v", h)
	}
	if v, _ := h[0].Header("Contact"); v != "<sip:3000@pbx.example.com>" {
		t.Errorf("Contact = %q", v)
	}
	if err := s.ServiceRequest(call, feature.Deflect, ""); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("Deflect(\"\") error = %v", err)
	}
}

func TestMakeConference(t *testing.T) {
	s, eng, call := incomingCall(t, Config{})
	eng.Emit(&engine.CallMediaStateChanged{Call: call, State: engine.MediaActive, Port: 1})
	eng.Emit(&engine.IncomingCall{Call: 1})
	eng.Emit(&engine.CallStateChanged{Call: 1, State: engine.CallStateConfirmed})
	eng.Emit(&engine.CallMediaStateChanged{Call: 1, State: engine.MediaActive, Port: 2})
	eng.Reset()

	if err := s.MakeConference(call); err != nil {
		t.Fatal(err)
	}
	if len(eng.Connections) != 2 {
		t.Errorf("connections = %v, want 1<->2", eng.Connections)
	}
}

func TestAccountsAndPresence(t *testing.T) {
	s, eng, _ := started(t, Config{})

	if _, err := s.RegisterAccount(engine.AccountConfig{Username: "", Domain: "example.com"}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("RegisterAccount(no user) error = %v", err)
	}
	if _, err := s.RegisterAccount(engine.AccountConfig{Username: "1001", Domain: "example.com", Proxy: "not a uri"}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("RegisterAccount(bad proxy) error = %v", err)
	}
	acc, err := s.RegisterAccount(engine.AccountConfig{Username: "1001", Domain: "example.com", Proxy: "sip:proxy.example.com"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetStatus(acc, presence.OnThePhone); err != nil {
		t.Fatal(err)
	}
	if len(eng.Presence) != 1 || eng.Presence[0].Note != "On the phone" || !eng.Online[0] {
		t.Errorf("published %v %v", eng.Online, eng.Presence)
	}
	if err := s.SetStatus(acc+1, presence.Away); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("SetStatus(unknown) error = %v", err)
	}

	if err := s.RemoveAccounts(); err != nil {
		t.Fatal(err)
	}
	if accs, _ := s.Accounts(); len(accs) != 0 {
		t.Errorf("accounts after removal = %v", accs)
	}
}

func TestBuddies(t *testing.T) {
	s, _, _ := started(t, Config{})
	id, err := s.AddBuddy("sip:alice@example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddBuddy("sip:alice@example.com", false); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("duplicate AddBuddy() error = %v", err)
	}
	if err := s.RemoveBuddy(id); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveBuddy(id); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("second RemoveBuddy() error = %v", err)
	}
	if n := s.BuddyCount(); n != 0 {
		t.Errorf("BuddyCount() = %d", n)
	}
}

func TestMessagingCommands(t *testing.T) {
	s, eng, _ := started(t, Config{})
	acc, _ := s.RegisterAccount(engine.AccountConfig{Username: "1001", Domain: "example.com"})

	if err := s.SendMessage(acc, "bob", "hi"); err != nil {
		t.Fatal(err)
	}
	if m := eng.Find("send_message"); len(m) != 1 || m[0].URI != "sip:bob@example.com" || m[0].Body != "hi" {
		t.Errorf("messages = %+v", m)
	}
	if err := s.SendMessage(acc, "bob", ""); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("empty SendMessage() error = %v", err)
	}
	if err := s.SendTyping(acc, "sip:bob@example.com", true); err != nil {
		t.Fatal(err)
	}
}

func TestCodecs(t *testing.T) {
	s, _, _ := started(t, Config{})
	if err := s.SetCodecPriority("PCMA/8000", 200); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCodecPriority("PCMA/8000", 300); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("SetCodecPriority(300) error = %v", err)
	}
	codecs, _ := s.Codecs()
	for _, c := range codecs {
		if c.Name == "PCMA/8000" && c.Priority != 200 {
			t.Errorf("PCMA priority = %d", c.Priority)
		}
	}
}
