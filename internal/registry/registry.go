// Package registry holds the per-call, per-account and per-buddy state
// records of a session in fixed-capacity slot tables indexed by the
// engine-assigned handles. It performs no I/O and is not synchronized;
// callers serialize access.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/looplab/fsm"
)

const (
	// DefaultMaxAccounts is the account slot capacity.
	DefaultMaxAccounts = 8
	// DefaultMaxBuddies is the buddy slot capacity.
	DefaultMaxBuddies = 256
)

// ErrIllegalTransition is returned by Upsert when the engine reports a
// state the call cannot move to from its current state.
var ErrIllegalTransition = errors.New("illegal call state transition")

// ErrSlotFree is returned by Upsert when a non-initial state is reported
// for a call id that has no live record.
var ErrSlotFree = errors.New("call slot not in use")

// CallDirection records who originated a call.
type CallDirection int

const (
	Outgoing CallDirection = iota
	Incoming
)

func (d CallDirection) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// TimerHandle tracks one engine timer armed for a call. Armed false is the
// "no timer armed" sentinel; Generation distinguishes successive arms so a
// late firing of an older timer can be recognized.
type TimerHandle struct {
	Armed      bool
	Generation uint64
}

// CallRecord is the tracked state for one call id.
type CallRecord struct {
	ID         engine.CallID
	State      engine.CallState
	MediaState engine.MediaState
	ConfSlot   engine.Port

	// Timer is the duration-cap timer.
	Timer TimerHandle
	// NoReply is the forward-on-no-reply timer.
	NoReply TimerHandle

	// Version increases on every mutation of the record.
	Version uint64

	Account        engine.AccountID
	Direction      CallDirection
	RemoteURI      string
	RemoteContact  string
	StartedAt      time.Time
	ConfirmedAt    time.Time
	LastStatus     int
	LastStatusText string
}

// WasConfirmed reports whether the call ever reached Confirmed.
func (r CallRecord) WasConfirmed() bool {
	return !r.ConfirmedAt.IsZero()
}

type callSlot struct {
	live bool
	rec  CallRecord
	fsm  *fsm.FSM
}

// AccountRecord is the observed registration state of an account.
type AccountRecord struct {
	ID         engine.AccountID
	URI        string
	Domain     string
	Status     int
	StatusText string
	Expires    int
	Online     bool
	Default    bool
}

// BuddyRecord is the observed presence of a buddy.
type BuddyRecord struct {
	ID         engine.BuddyID
	URI        string
	Subscribed bool
	Status     engine.BuddyStatus
	StatusText string
}

// Registry is the session's slot tables plus the current-call cursor.
type Registry struct {
	calls    []callSlot
	accounts []*AccountRecord
	buddies  []*BuddyRecord
	current  engine.CallID
	now      func() time.Time
}

// New creates a registry with room for maxCalls calls.
func New(maxCalls int) *Registry {
	if maxCalls <= 0 {
		maxCalls = 1
	}
	return &Registry{
		calls:    make([]callSlot, maxCalls),
		accounts: make([]*AccountRecord, DefaultMaxAccounts),
		buddies:  make([]*BuddyRecord, DefaultMaxBuddies),
		current:  engine.InvalidCall,
		now:      time.Now,
	}
}

// Capacity returns the call slot capacity.
func (r *Registry) Capacity() int { return len(r.calls) }

func (r *Registry) slot(id engine.CallID) (*callSlot, error) {
	if id < 0 || int(id) >= len(r.calls) {
		return nil, engine.Invalid("registry", "call id %d out of range [0,%d)", id, len(r.calls))
	}
	return &r.calls[id], nil
}

// Get returns the live record for id.
func (r *Registry) Get(id engine.CallID) (CallRecord, bool) {
	s, err := r.slot(id)
	if err != nil || !s.live {
		return CallRecord{}, false
	}
	return s.rec, true
}

// Live reports whether id has a record that is not yet Disconnected.
func (r *Registry) Live(id engine.CallID) bool {
	rec, ok := r.Get(id)
	return ok && rec.State != engine.CallStateDisconnected
}

// Upsert records a new engine-reported state for id. A free slot is only
// claimed by Calling or Incoming; any other state for a free slot returns
// ErrSlotFree. Transitions the call lifecycle does not allow return
// ErrIllegalTransition and leave the record untouched.
func (r *Registry) Upsert(id engine.CallID, state engine.CallState) (CallRecord, error) {
	s, err := r.slot(id)
	if err != nil {
		return CallRecord{}, err
	}

	if !s.live {
		if state != engine.CallStateCalling && state != engine.CallStateIncoming {
			return CallRecord{}, fmt.Errorf("call %d reported %s: %w", id, state, ErrSlotFree)
		}
		dir := Outgoing
		if state == engine.CallStateIncoming {
			dir = Incoming
		}
		*s = callSlot{
			live: true,
			fsm:  newLifecycle(),
			rec: CallRecord{
				ID:        id,
				State:     engine.CallStateNull,
				ConfSlot:  engine.InvalidPort,
				Account:   engine.InvalidAccount,
				Direction: dir,
				StartedAt: r.now(),
			},
		}
	}

	if err := s.fsm.Event(context.Background(), lifecycleEvent(state)); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return s.rec, fmt.Errorf("call %d %s -> %s: %w", id, s.rec.State, state, ErrIllegalTransition)
		}
	}

	s.rec.State = state
	if state == engine.CallStateConfirmed && s.rec.ConfirmedAt.IsZero() {
		s.rec.ConfirmedAt = r.now()
	}
	s.rec.Version++
	return s.rec, nil
}

// Update applies fn to the live record for id.
func (r *Registry) Update(id engine.CallID, fn func(rec *CallRecord)) (CallRecord, bool) {
	s, err := r.slot(id)
	if err != nil || !s.live {
		return CallRecord{}, false
	}
	fn(&s.rec)
	s.rec.Version++
	return s.rec, true
}

// SetMedia records the media state and conference port of a call. The
// port is only kept while the state has media.
func (r *Registry) SetMedia(id engine.CallID, state engine.MediaState, port engine.Port) (CallRecord, bool) {
	return r.Update(id, func(rec *CallRecord) {
		rec.MediaState = state
		if state.HasMedia() {
			rec.ConfSlot = port
		} else {
			rec.ConfSlot = engine.InvalidPort
		}
	})
}

// ArmTimer marks the given timer of id as armed and returns the new
// generation.
func (r *Registry) ArmTimer(id engine.CallID, kind engine.TimerKind) (uint64, bool) {
	var gen uint64
	_, ok := r.Update(id, func(rec *CallRecord) {
		h := rec.timer(kind)
		h.Armed = true
		h.Generation++
		gen = h.Generation
	})
	return gen, ok
}

// DisarmTimer clears the armed flag of the given timer. It returns whether
// the timer was armed.
func (r *Registry) DisarmTimer(id engine.CallID, kind engine.TimerKind) bool {
	var was bool
	r.Update(id, func(rec *CallRecord) {
		h := rec.timer(kind)
		was = h.Armed
		h.Armed = false
	})
	return was
}

// TimerCurrent reports whether a firing with generation gen still matches
// the armed timer of id.
func (r *Registry) TimerCurrent(id engine.CallID, kind engine.TimerKind, gen uint64) bool {
	rec, ok := r.Get(id)
	if !ok {
		return false
	}
	h := rec.timer(kind)
	return h.Armed && h.Generation == gen
}

func (rec *CallRecord) timer(kind engine.TimerKind) *TimerHandle {
	if kind == engine.TimerNoReply {
		return &rec.NoReply
	}
	return &rec.Timer
}

// Release frees the slot of id. Timers must already be cancelled; Release
// clears the timer and routing linkage regardless.
func (r *Registry) Release(id engine.CallID) {
	s, err := r.slot(id)
	if err != nil {
		return
	}
	*s = callSlot{}
	if r.current == id {
		r.current = engine.InvalidCall
	}
}

// Calls returns all live records in id order.
func (r *Registry) Calls() []CallRecord {
	var out []CallRecord
	for i := range r.calls {
		if r.calls[i].live {
			out = append(out, r.calls[i].rec)
		}
	}
	return out
}

// ActiveCount returns the number of live calls that are not Disconnected.
func (r *Registry) ActiveCount() int {
	n := 0
	for i := range r.calls {
		if r.calls[i].live && r.calls[i].rec.State != engine.CallStateDisconnected {
			n++
		}
	}
	return n
}

// Current returns the cursor.
func (r *Registry) Current() engine.CallID { return r.current }

// SetCurrent points the cursor at id.
func (r *Registry) SetCurrent(id engine.CallID) { r.current = id }

// Advance moves the cursor to the next live, non-Disconnected call after
// from, wrapping around, or to InvalidCall when there is none.
func (r *Registry) Advance(from engine.CallID) engine.CallID {
	n := len(r.calls)
	start := int(from)
	if start < 0 || start >= n {
		start = n - 1
	}
	for step := 1; step <= n; step++ {
		i := (start + step) % n
		if engine.CallID(i) == from {
			continue
		}
		s := &r.calls[i]
		if s.live && s.rec.State != engine.CallStateDisconnected {
			r.current = engine.CallID(i)
			return r.current
		}
	}
	r.current = engine.InvalidCall
	return r.current
}

func (r *Registry) accountSlot(id engine.AccountID) (*AccountRecord, bool) {
	if id < 0 || int(id) >= len(r.accounts) {
		return nil, false
	}
	return r.accounts[id], r.accounts[id] != nil
}

// PutAccount stores or replaces the record of acc.
func (r *Registry) PutAccount(acc AccountRecord) error {
	if acc.ID < 0 || int(acc.ID) >= len(r.accounts) {
		return engine.Invalid("registry", "account id %d out of range", acc.ID)
	}
	r.accounts[acc.ID] = &acc
	return nil
}

// Account returns the record of id.
func (r *Registry) Account(id engine.AccountID) (AccountRecord, bool) {
	a, ok := r.accountSlot(id)
	if !ok {
		return AccountRecord{}, false
	}
	return *a, true
}

// UpdateAccount applies fn to the record of id.
func (r *Registry) UpdateAccount(id engine.AccountID, fn func(a *AccountRecord)) bool {
	a, ok := r.accountSlot(id)
	if ok {
		fn(a)
	}
	return ok
}

// RemoveAccount frees the slot of id.
func (r *Registry) RemoveAccount(id engine.AccountID) {
	if _, ok := r.accountSlot(id); ok {
		r.accounts[id] = nil
	}
}

// Accounts returns all account records in id order.
func (r *Registry) Accounts() []AccountRecord {
	var out []AccountRecord
	for _, a := range r.accounts {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// DefaultAccount returns the account flagged default, or the first one.
func (r *Registry) DefaultAccount() (AccountRecord, bool) {
	var first *AccountRecord
	for _, a := range r.accounts {
		if a == nil {
			continue
		}
		if a.Default {
			return *a, true
		}
		if first == nil {
			first = a
		}
	}
	if first == nil {
		return AccountRecord{}, false
	}
	return *first, true
}

func (r *Registry) buddySlot(id engine.BuddyID) (*BuddyRecord, bool) {
	if id < 0 || int(id) >= len(r.buddies) {
		return nil, false
	}
	return r.buddies[id], r.buddies[id] != nil
}

// PutBuddy stores or replaces the record of b.
func (r *Registry) PutBuddy(b BuddyRecord) error {
	if b.ID < 0 || int(b.ID) >= len(r.buddies) {
		return engine.Invalid("registry", "buddy id %d out of range", b.ID)
	}
	r.buddies[b.ID] = &b
	return nil
}

// Buddy returns the record of id.
func (r *Registry) Buddy(id engine.BuddyID) (BuddyRecord, bool) {
	b, ok := r.buddySlot(id)
	if !ok {
		return BuddyRecord{}, false
	}
	return *b, true
}

// UpdateBuddy applies fn to the record of id.
func (r *Registry) UpdateBuddy(id engine.BuddyID, fn func(b *BuddyRecord)) bool {
	b, ok := r.buddySlot(id)
	if ok {
		fn(b)
	}
	return ok
}

// RemoveBuddy frees the slot of id.
func (r *Registry) RemoveBuddy(id engine.BuddyID) {
	if _, ok := r.buddySlot(id); ok {
		r.buddies[id] = nil
	}
}

// Buddies returns all buddy records in id order.
func (r *Registry) Buddies() []BuddyRecord {
	var out []BuddyRecord
	for _, b := range r.buddies {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}
