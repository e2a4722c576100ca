package sipua

import (
	"testing"
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
)

func TestArmTimerFires(t *testing.T) {
	e := newTestEngine(t, Config{PollingEvents: true})
	rec := &recorder{}
	markStarted(e, rec)
	placeCall(e, 1)

	if err := e.ArmTimer(1, engine.TimerNoReply, 20*time.Millisecond, 7); err != nil {
		t.Fatalf("arm: %v", err)
	}
	n, err := e.Poll(2 * time.Second)
	if err != nil || n != 1 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	ev, ok := rec.snapshot()[0].(*engine.TimerFired)
	if !ok {
		t.Fatalf("got %T", rec.snapshot()[0])
	}
	if ev.Call != 1 || ev.Kind != engine.TimerNoReply || ev.Generation != 7 {
		t.Errorf("event = %+v", ev)
	}
	if e.CancelTimer(1, engine.TimerNoReply) {
		t.Error("fired timer reported as pending")
	}
}

func TestCancelTimer(t *testing.T) {
	e := newTestEngine(t, Config{PollingEvents: true})
	markStarted(e, &recorder{})
	placeCall(e, 0)

	if err := e.ArmTimer(0, engine.TimerDuration, time.Hour, 1); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if !e.CancelTimer(0, engine.TimerDuration) {
		t.Error("pending timer not canceled")
	}
	if e.CancelTimer(0, engine.TimerDuration) {
		t.Error("second cancel reported a pending timer")
	}
}

func TestArmTimerRearmReplaces(t *testing.T) {
	e := newTestEngine(t, Config{PollingEvents: true})
	rec := &recorder{}
	markStarted(e, rec)
	placeCall(e, 0)

	if err := e.ArmTimer(0, engine.TimerDuration, 30*time.Millisecond, 1); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := e.ArmTimer(0, engine.TimerDuration, 60*time.Millisecond, 2); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := e.Poll(0); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0].(*engine.TimerFired).Generation != 2 {
		t.Errorf("events = %+v", got)
	}
}

func TestArmTimerValidation(t *testing.T) {
	e := newTestEngine(t, Config{PollingEvents: true})
	markStarted(e, &recorder{})

	if err := e.ArmTimer(0, engine.TimerDuration, time.Second, 1); engine.KindOf(err) != engine.KindStaleHandle {
		t.Errorf("free slot: %v", err)
	}
	if err := e.ArmTimer(99, engine.TimerDuration, time.Second, 1); engine.KindOf(err) != engine.KindInvalidArgument {
		t.Errorf("out of range: %v", err)
	}
	placeCall(e, 0)
	if err := e.ArmTimer(0, engine.TimerDuration, 0, 1); engine.KindOf(err) != engine.KindInvalidArgument {
		t.Errorf("zero duration: %v", err)
	}
}
