package presence

import (
	"errors"
	"testing"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/engine/enginetest"
)

func TestToEngine(t *testing.T) {
	tests := []struct {
		state    State
		online   bool
		activity engine.Activity
		note     string
	}{
		{Available, true, engine.ActivityUnknown, ""},
		{Busy, true, engine.ActivityBusy, "Busy"},
		{OnThePhone, true, engine.ActivityBusy, "On the phone"},
		{Idle, true, engine.ActivityUnknown, "Idle"},
		{Away, true, engine.ActivityAway, "Away"},
		{BeRightBack, true, engine.ActivityUnknown, "Be right back"},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			m, err := ToEngine(tt.state)
			if err != nil {
				t.Fatalf("ToEngine() error: %v", err)
			}
			if m.Online != tt.online || m.Element.Activity != tt.activity || m.Element.Note != tt.note {
				t.Errorf("ToEngine(%s) = %+v, want online=%v activity=%s note=%q",
					tt.state, m, tt.online, tt.activity, tt.note)
			}
		})
	}
}

func TestOfflineIsNotOnline(t *testing.T) {
	m, err := ToEngine(Offline)
	if err != nil {
		t.Fatal(err)
	}
	if m.Online {
		t.Error("Offline mapped to online")
	}
}

func TestUnknownState(t *testing.T) {
	if _, err := ToEngine(State(42)); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("ToEngine(42) error = %v, want invalid argument", err)
	}
}

func TestParse(t *testing.T) {
	tests := map[string]State{
		"available":     Available,
		"Busy":          Busy,
		"On the phone":  OnThePhone,
		"on-the-phone":  OnThePhone,
		"be_right_back": BeRightBack,
		"OFFLINE":       Offline,
	}
	for in, want := range tests {
		got, err := Parse(in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Parse(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := Parse("napping"); err == nil {
		t.Error("Parse(napping) succeeded")
	}
}

func TestPublish(t *testing.T) {
	eng := enginetest.New(1)
	if err := Publish(eng, 0, OnThePhone); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := Publish(eng, 0, Offline); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if len(eng.Online) != 2 || !eng.Online[0] || eng.Online[1] {
		t.Errorf("online flags = %v, want [true false]", eng.Online)
	}
	if eng.Presence[0].Note != "On the phone" {
		t.Errorf("note = %q", eng.Presence[0].Note)
	}

	eng.Fail["set_online_status"] = engine.Rejected("publish", 489, nil)
	if err := Publish(eng, 0, Away); engine.StatusCode(err) != 489 {
		t.Errorf("Publish() error = %v, want status 489", err)
	}
}
