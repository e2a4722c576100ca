package marshal

import (
	"io"
	"log/slog"
	"testing"

	"github.com/icejuk/sipeksdk/internal/engine"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHostText(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		in       string
		want     string
	}{
		{"utf8 passthrough", "utf-8", "Zoë <sip:zoe@example.com>", "Zoë <sip:zoe@example.com>"},
		{"utf8 repairs invalid bytes", "utf-8", "bad\xffbyte", "bad�byte"},
		{"windows-1252", "windows-1252", "café €", "caf\xe9 \x80"},
		{"windows-1252 unsupported rune", "windows-1252", "日", "\x1a"},
		{"utf-16le", "utf-16le", "hi", "h\x00i\x00"},
		{"default is utf-8", "", "plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(EventSink{}, tt.encoding, discardLogger())
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if got := m.HostText(tt.in); got != tt.want {
				t.Errorf("HostText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnknownEncoding(t *testing.T) {
	if _, err := New(EventSink{}, "klingon-8", discardLogger()); err == nil {
		t.Fatal("New() with unknown encoding succeeded")
	}
}

func TestAtMostOncePerEvent(t *testing.T) {
	var states []engine.CallState
	var contacts []string
	m, err := New(EventSink{
		CallStateChanged: func(call engine.CallID, state engine.CallState, status int) {
			states = append(states, state)
		},
		IncomingCall: func(call engine.CallID, remote string) {
			contacts = append(contacts, remote)
		},
	}, "utf-8", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	var delivered int
	m.OnDeliver = func(Kind) { delivered++ }

	m.CallStateChanged(5, 1, engine.CallStateEarly, 180)
	m.CallStateChanged(5, 1, engine.CallStateEarly, 180)
	m.CallStateChanged(4, 1, engine.CallStateCalling, 0)
	m.CallStateChanged(6, 1, engine.CallStateConfirmed, 200)

	// Different kinds for the same engine event are independent.
	m.IncomingCall(6, 1, "<sip:bob@example.com>")
	m.IncomingCall(6, 1, "<sip:bob@example.com>")

	if len(states) != 2 || states[0] != engine.CallStateEarly || states[1] != engine.CallStateConfirmed {
		t.Errorf("states = %v, want [early confirmed]", states)
	}
	if len(contacts) != 1 {
		t.Errorf("incoming deliveries = %d, want 1", len(contacts))
	}
	if delivered != 3 {
		t.Errorf("delivered = %d, want 3", delivered)
	}
}

func TestSequenceZeroAlwaysDelivered(t *testing.T) {
	n := 0
	m, _ := New(EventSink{CallHoldConfirmed: func(engine.CallID) { n++ }}, "utf-8", discardLogger())
	m.CallHoldConfirmed(0, 1)
	m.CallHoldConfirmed(0, 1)
	if n != 2 {
		t.Errorf("deliveries = %d, want 2", n)
	}
}

func TestNilCallbacksSkipped(t *testing.T) {
	m, _ := New(EventSink{}, "utf-8", discardLogger())
	m.RegistrationChanged(1, 0, 200)
	m.CallStateChanged(2, 0, engine.CallStateCalling, 0)
	m.IncomingCall(3, 0, "x")
	m.CallHoldConfirmed(4, 0)
	m.MessageReceived(5, "a", "b")
	m.BuddyStatusChanged(6, 0, 1, "x")
	m.DTMFDigit(7, 0, '1')
	m.MessageWaiting(8, true, "x")
	m.CallReplaced(9, 0, 1)
	m.TypingIndication(10, "a", true)
}

func TestTextConvertedForEveryTextPayload(t *testing.T) {
	var from, text, buddyText, summary, typingFrom string
	m, _ := New(EventSink{
		MessageReceived:    func(f, tx string) { from, text = f, tx },
		BuddyStatusChanged: func(_ engine.BuddyID, _ int, tx string) { buddyText = tx },
		MessageWaiting:     func(_ bool, s string) { summary = s },
		TypingIndication:   func(f string, _ bool) { typingFrom = f },
	}, "windows-1252", discardLogger())

	m.MessageReceived(1, "José", "olá")
	m.BuddyStatusChanged(2, 0, 1, "café")
	m.MessageWaiting(3, true, "né")
	m.TypingIndication(4, "Zoë", true)

	if from != "Jos\xe9" || text != "ol\xe1" {
		t.Errorf("message = %q %q", from, text)
	}
	if buddyText != "caf\xe9" {
		t.Errorf("buddy text = %q", buddyText)
	}
	if summary != "n\xe9" {
		t.Errorf("summary = %q", summary)
	}
	if typingFrom != "Zo\xeb" {
		t.Errorf("typing from = %q", typingFrom)
	}
}
