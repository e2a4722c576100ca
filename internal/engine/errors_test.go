package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"rejected matches", Rejected("hangup", 481, nil), ErrEngineRejected, true},
		{"rejected is not invalid", Rejected("hangup", 481, nil), ErrInvalidArgument, false},
		{"invalid matches", Invalid("dispatch", "empty uri"), ErrInvalidArgument, true},
		{"stale matches stale", Stale("hold", 3), ErrStaleHandle, true},
		{"stale counts as invalid", Stale("hold", 3), ErrInvalidArgument, true},
		{"invalid is not stale", Invalid("hold", "bad"), ErrStaleHandle, false},
		{"wrapped", fmt.Errorf("session: %w", Rejected("answer", 500, nil)), ErrEngineRejected, true},
		{"plain error", errors.New("boom"), ErrFatal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Rejected("hangup", 481, errors.New("no dialog")))
	if got := StatusCode(err); got != 481 {
		t.Errorf("StatusCode = %d, want 481", got)
	}
	if got := StatusCode(errors.New("x")); got != 0 {
		t.Errorf("StatusCode(plain) = %d, want 0", got)
	}
	if got := KindOf(err); got != KindEngineRejected {
		t.Errorf("KindOf = %v, want %v", got, KindEngineRejected)
	}
}

func TestErrorMessage(t *testing.T) {
	err := Rejected("hangup", 481, errors.New("no dialog"))
	want := "hangup: engine rejected (status 481): no dialog"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestTransactionRespondWithoutResponder(t *testing.T) {
	tsx := &Transaction{Method: "INFO", Role: RoleUAC}
	if err := tsx.Respond(200); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Respond() error = %v, want unsupported", err)
	}

	var got int
	tsx.Responder = func(code int) error { got = code; return nil }
	if err := tsx.Respond(400); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got != 400 {
		t.Errorf("responded %d, want 400", got)
	}
}
