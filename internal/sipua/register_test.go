package sipua

import (
	"testing"
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
)

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"standard", "<sip:alice@10.0.0.1:5060>;expires=3600", 3600},
		{"with other params", "<sip:alice@10.0.0.1:5060>;q=0.5;expires=1800;+sip.instance=\"x\"", 1800},
		{"uppercase", "<sip:alice@10.0.0.1>;EXPIRES=600", 600},
		{"multiple contacts", "<sip:a@h>;expires=300, <sip:b@h>;expires=900", 300},
		{"absent", "<sip:alice@10.0.0.1:5060>", 0},
		{"not a number", "<sip:alice@10.0.0.1>;expires=soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseContactExpires(tt.input); got != tt.want {
				t.Errorf("parseContactExpires(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseExpiresHeader(t *testing.T) {
	if got := parseExpiresHeader(" 120 "); got != 120 {
		t.Errorf("got %d, want 120", got)
	}
	if got := parseExpiresHeader("never"); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff()

	first := b.next()
	if first < 4*time.Second || first > 6*time.Second {
		t.Errorf("first delay = %v, want 5s +/- 20%%", first)
	}
	second := b.next()
	if second < 8*time.Second || second > 12*time.Second {
		t.Errorf("second delay = %v, want 10s +/- 20%%", second)
	}

	for range 20 {
		b.next()
	}
	if d := b.current(); d > 6*time.Minute {
		t.Errorf("capped delay = %v, want at most 5m + jitter", d)
	}

	b.reset()
	if d := b.next(); d > 6*time.Second {
		t.Errorf("delay after reset = %v", d)
	}
}

func TestNewAccount(t *testing.T) {
	a, err := newAccount(1, engine.AccountConfig{Username: "alice", Domain: "pbx.example.com:5080"})
	if err != nil {
		t.Fatalf("newAccount: %v", err)
	}
	if a.transport != "UDP" {
		t.Errorf("transport = %q, want UDP", a.transport)
	}
	if a.aor.Host != "pbx.example.com" || a.aor.User != "alice" {
		t.Errorf("aor = %s", a.aor.String())
	}
	if a.registrar.Port != 5080 {
		t.Errorf("registrar port = %d, want 5080", a.registrar.Port)
	}
	if a.authUser() != "alice" {
		t.Errorf("auth user = %q", a.authUser())
	}

	a, err = newAccount(2, engine.AccountConfig{Username: "bob", AuthUsername: "1002", Domain: "example.com", Transport: "tls", Proxy: "sip:proxy.example.com;lr"})
	if err != nil {
		t.Fatalf("newAccount: %v", err)
	}
	if a.transport != "TLS" || a.authUser() != "1002" {
		t.Errorf("account = %+v", a)
	}
	if a.proxy == nil || a.proxy.Host != "proxy.example.com" {
		t.Errorf("proxy = %v", a.proxy)
	}

	if _, err := newAccount(3, engine.AccountConfig{Username: "carol", Domain: "example.com", Transport: "sctp"}); err == nil {
		t.Error("expected error for unsupported transport")
	}
}

func TestContactURI(t *testing.T) {
	e := &Engine{cfg: Config{SIPPort: 5060, ContactHost: "192.0.2.10"}}

	udp := &account{cfg: engine.AccountConfig{Username: "alice"}, transport: "UDP"}
	contact := e.contactURI(udp)
	if got := contact.String(); got != "sip:alice@192.0.2.10:5060" {
		t.Errorf("udp contact = %q", got)
	}

	tls := &account{cfg: engine.AccountConfig{Username: "alice"}, transport: "TLS"}
	u := e.contactURI(tls)
	if u.Port != 5061 {
		t.Errorf("tls contact port = %d, want 5061", u.Port)
	}
	if v, _ := u.UriParams.Get("transport"); v != "tls" {
		t.Errorf("transport param = %q", v)
	}
}

func TestDefaultAccount(t *testing.T) {
	e := &Engine{accounts: map[engine.AccountID]*account{
		3: {id: 3},
		1: {id: 1},
		2: {id: 2},
	}}
	if got := e.defaultAccount(); got.id != 1 {
		t.Errorf("default = %d, want lowest id 1", got.id)
	}
	e.accounts[2].cfg.Default = true
	if got := e.defaultAccount(); got.id != 2 {
		t.Errorf("default = %d, want flagged account 2", got.id)
	}
}
