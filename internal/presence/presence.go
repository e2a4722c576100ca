// Package presence maps the host's presence states onto the rich presence
// element published by the engine.
package presence

import (
	"fmt"
	"strings"

	"github.com/icejuk/sipeksdk/internal/engine"
)

// State is the host-facing presence state.
type State int

const (
	Available State = iota
	Busy
	OnThePhone
	Idle
	Away
	BeRightBack
	Offline
)

var stateNames = map[State]string{
	Available:   "available",
	Busy:        "busy",
	OnThePhone:  "on_the_phone",
	Idle:        "idle",
	Away:        "away",
	BeRightBack: "be_right_back",
	Offline:     "offline",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Parse returns the state named s. Matching ignores case, spaces, dashes
// and underscores, so "On the phone" and "on-the-phone" both parse.
func Parse(s string) (State, error) {
	norm := strings.NewReplacer(" ", "", "-", "", "_", "").Replace(strings.ToLower(s))
	for st, name := range stateNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return st, nil
		}
	}
	return 0, engine.Invalid("presence", "unknown presence state %q", s)
}

// Mapping is what the engine needs to publish a state.
type Mapping struct {
	Online  bool
	Element engine.PresenceElement
}

// ToEngine maps a host state to the engine representation. Offline maps to
// online=false; the engine ignores the element in that case.
func ToEngine(s State) (Mapping, error) {
	switch s {
	case Available:
		return Mapping{Online: true}, nil
	case Busy:
		return Mapping{Online: true, Element: engine.PresenceElement{Activity: engine.ActivityBusy, Note: "Busy"}}, nil
	case OnThePhone:
		return Mapping{Online: true, Element: engine.PresenceElement{Activity: engine.ActivityBusy, Note: "On the phone"}}, nil
	case Idle:
		return Mapping{Online: true, Element: engine.PresenceElement{Activity: engine.ActivityUnknown, Note: "Idle"}}, nil
	case Away:
		return Mapping{Online: true, Element: engine.PresenceElement{Activity: engine.ActivityAway, Note: "Away"}}, nil
	case BeRightBack:
		return Mapping{Online: true, Element: engine.PresenceElement{Activity: engine.ActivityUnknown, Note: "Be right back"}}, nil
	case Offline:
		return Mapping{Online: false}, nil
	default:
		return Mapping{}, engine.Invalid("presence", "unknown presence state %d", int(s))
	}
}

// Publisher is the engine surface needed to publish presence.
type Publisher interface {
	SetOnlineStatus(acc engine.AccountID, online bool, el engine.PresenceElement) error
}

// Publish maps s and hands it to the engine for acc.
func Publish(p Publisher, acc engine.AccountID, s State) error {
	m, err := ToEngine(s)
	if err != nil {
		return err
	}
	if err := p.SetOnlineStatus(acc, m.Online, m.Element); err != nil {
		return fmt.Errorf("publishing %s for account %d: %w", s, acc, err)
	}
	return nil
}
