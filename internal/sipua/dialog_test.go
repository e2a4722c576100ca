package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testDialog() *dialog {
	return &dialog{
		callID:    "call-1@example.com",
		local:     sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		localTag:  "ltag",
		remote:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
		target:    sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.20", Port: 5070},
		contact:   sip.Uri{Scheme: "sip", User: "alice", Host: "192.0.2.1", Port: 5060},
		transport: "UDP",
	}
}

func TestDialogRequest(t *testing.T) {
	d := testDialog()

	req := d.request(sip.BYE)
	if req.Recipient.Host != "192.0.2.20" || req.Recipient.Port != 5070 {
		t.Errorf("request uri = %s", req.Recipient.String())
	}
	if got := tagOf(req.From().Params); got != "ltag" {
		t.Errorf("from tag = %q", got)
	}
	if got := tagOf(req.To().Params); got != "" {
		t.Errorf("to tag = %q, want none before the peer answers", got)
	}
	if got := callIDOf(req); got != "call-1@example.com" {
		t.Errorf("call-id = %q", got)
	}
	if cs := req.CSeq(); cs.SeqNo != 1 || cs.MethodName != sip.BYE {
		t.Errorf("cseq = %d %s", cs.SeqNo, cs.MethodName)
	}

	d.remoteTag = "rtag"
	req = d.request(sip.INFO)
	if cs := req.CSeq(); cs.SeqNo != 2 {
		t.Errorf("second cseq = %d, want 2", cs.SeqNo)
	}
	if got := tagOf(req.To().Params); got != "rtag" {
		t.Errorf("to tag = %q", got)
	}
}

func TestDialogRouting(t *testing.T) {
	d := testDialog()
	d.proxy = &sip.Uri{Scheme: "sip", Host: "proxy.example.com"}

	req := d.request(sip.MESSAGE)
	if h := req.GetHeader("Route"); h == nil || h.Value() != "<sip:proxy.example.com;lr>" {
		t.Errorf("route = %v", h)
	}
	if got := req.Destination(); got != "proxy.example.com:5060" {
		t.Errorf("destination = %q", got)
	}

	d.routes = []string{"<sip:p1.example.com:5080;lr>", "<sip:p2.example.com;lr>"}
	req = d.request(sip.BYE)
	if n := len(req.GetHeaders("Route")); n != 2 {
		t.Fatalf("routes = %d, want 2", n)
	}
	if got := req.Destination(); got != "p1.example.com:5080" {
		t.Errorf("destination = %q, want first route", got)
	}
}

func TestBuildCancel(t *testing.T) {
	d := testDialog()
	invite := d.request(sip.INVITE)

	cancel := buildCancel(invite)
	if cancel.Method != sip.CANCEL {
		t.Fatalf("method = %s", cancel.Method)
	}
	if cs := cancel.CSeq(); cs.SeqNo != invite.CSeq().SeqNo || cs.MethodName != sip.CANCEL {
		t.Errorf("cseq = %d %s", cs.SeqNo, cs.MethodName)
	}
	if callIDOf(cancel) != callIDOf(invite) {
		t.Error("call-id differs from invite")
	}
	if cancel.Recipient.String() != invite.Recipient.String() {
		t.Errorf("request uri = %s", cancel.Recipient.String())
	}
}

func TestSplitNameAddrs(t *testing.T) {
	got := splitNameAddrs(`<sip:p1.example.com;lr>, <sip:p2.example.com;lr;x=a,b>,<sip:p3>`)
	want := []string{`<sip:p1.example.com;lr>`, `<sip:p2.example.com;lr;x=a,b>`, `<sip:p3>`}
	if len(got) != len(want) {
		t.Fatalf("got %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		in   string
		user string
		host string
	}{
		{in: "sip:bob@example.com", user: "bob", host: "example.com"},
		{in: `"Bob" <sip:bob@example.com;transport=tcp>`, user: "bob", host: "example.com"},
		{in: " <sip:100@192.0.2.5:5070> ", user: "100", host: "192.0.2.5"},
	}
	for _, tt := range tests {
		u, err := parseURI(tt.in)
		if err != nil {
			t.Errorf("parseURI(%q): %v", tt.in, err)
			continue
		}
		if u.User != tt.user || u.Host != tt.host {
			t.Errorf("parseURI(%q) = %s@%s", tt.in, u.User, u.Host)
		}
	}
}

func TestNameAddr(t *testing.T) {
	u := sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}
	if got := nameAddr("", u); got != "<sip:bob@example.com>" {
		t.Errorf("got %q", got)
	}
	if got := nameAddr("Bob", u); got != `"Bob" <sip:bob@example.com>` {
		t.Errorf("got %q", got)
	}
}

func TestReplacesReferTo(t *testing.T) {
	d := testDialog()
	d.remoteTag = "rtag"
	d.target.UriParams = sip.NewParams()
	d.target.UriParams.Add("transport", "tcp")

	want := "<sip:bob@192.0.2.20:5070?Replaces=call-1%40example.com%3Bto-tag%3Drtag%3Bfrom-tag%3Dltag>"
	if got := replacesReferTo(d); got != want {
		t.Errorf("replacesReferTo = %q, want %q", got, want)
	}
}
