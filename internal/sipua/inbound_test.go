package sipua

import (
	"testing"

	"github.com/icejuk/sipeksdk/internal/engine"
)

func TestParseSipfrag(t *testing.T) {
	tests := []struct {
		body   string
		code   int
		reason string
	}{
		{"SIP/2.0 200 OK\r\n", 200, "OK"},
		{"SIP/2.0 100 Trying", 100, "Trying"},
		{"SIP/2.0 486 Busy Here\r\nContent-Length: 0\r\n", 486, "Busy Here"},
		{"SIP/2.0 180", 180, ""},
		{"", 0, ""},
		{"hello world", 0, ""},
		{"SIP/2.0 abc OK", 0, ""},
	}
	for _, tt := range tests {
		code, reason := parseSipfrag([]byte(tt.body))
		if code != tt.code || reason != tt.reason {
			t.Errorf("parseSipfrag(%q) = %d %q, want %d %q", tt.body, code, reason, tt.code, tt.reason)
		}
	}
}

func TestSplitReferTo(t *testing.T) {
	uri, headers := splitReferTo("<sip:carol@example.com>")
	if uri != "sip:carol@example.com" || len(headers) != 0 {
		t.Errorf("plain refer-to = %q %v", uri, headers)
	}

	uri, headers = splitReferTo("<sip:carol@example.com?Replaces=abc%40host%3Bto-tag%3D1%3Bfrom-tag%3D2>")
	if uri != "sip:carol@example.com" {
		t.Errorf("uri = %q", uri)
	}
	if len(headers) != 1 || headers[0].Name != "Replaces" || headers[0].Value != "abc@host;to-tag=1;from-tag=2" {
		t.Errorf("headers = %+v", headers)
	}
}

func TestMimeType(t *testing.T) {
	tests := []struct{ in, want string }{
		{"application/sdp", "application/sdp"},
		{"Application/IM-isComposing+XML; charset=x", "application/im-iscomposing+xml"},
		{"", ""},
		{"refer;id=3", "refer"},
	}
	for _, tt := range tests {
		if got := mimeType(tt.in); got != tt.want {
			t.Errorf("mimeType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReplacedCall(t *testing.T) {
	e := newTestEngine(t, Config{})
	c := &call{id: 1, state: engine.CallStateConfirmed, dlg: &dialog{callID: "abc@host", localTag: "ours", remoteTag: "theirs"}}
	e.dialogs["abc@host"] = c

	if got := e.replacedCall("abc@host;to-tag=ours;from-tag=theirs"); got != c {
		t.Errorf("matching replaces = %v", got)
	}
	if got := e.replacedCall("abc@host;to-tag=theirs;from-tag=ours"); got != nil {
		t.Error("swapped tags should not match")
	}
	if got := e.replacedCall("other@host;to-tag=ours;from-tag=theirs"); got != nil {
		t.Error("unknown call-id should not match")
	}

	c.state = engine.CallStateDisconnected
	if got := e.replacedCall("abc@host;to-tag=ours;from-tag=theirs"); got != nil {
		t.Error("ended call should not match")
	}
}
