// Package calllog persists a history of finished calls.
package calllog

import (
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/icejuk/sipeksdk/internal/registry"
)

// Type classifies a call log entry.
type Type string

const (
	Dialed   Type = "dialed"
	Received Type = "received"
	Missed   Type = "missed"
)

// ParseType accepts "dialed", "received" and "missed". The empty string
// is returned as-is and means any type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "", Dialed, Received, Missed:
		return t, nil
	}
	return "", fmt.Errorf("unknown call log type %q", s)
}

// Entry is one finished call.
type Entry struct {
	ID       int64         `json:"id"`
	Type     Type          `json:"type"`
	Name     string        `json:"name"`
	Number   string        `json:"number"`
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"duration"`
	Account  int           `json:"account_id"`
	Status   int           `json:"status"`
}

// Filter selects a page of entries.
type Filter struct {
	Type   Type
	Limit  int
	Offset int
}

// FromRecord builds the entry for a call that disconnected at end.
func FromRecord(rec registry.CallRecord, end time.Time) Entry {
	e := Entry{
		Time:    rec.StartedAt,
		Account: int(rec.Account),
		Status:  rec.LastStatus,
	}
	if e.Time.IsZero() {
		e.Time = end
	}
	switch {
	case rec.Direction == registry.Outgoing:
		e.Type = Dialed
	case rec.WasConfirmed():
		e.Type = Received
	default:
		e.Type = Missed
	}
	if rec.WasConfirmed() && end.After(rec.ConfirmedAt) {
		e.Duration = end.Sub(rec.ConfirmedAt).Truncate(time.Second)
	}
	e.Name, e.Number = splitRemote(rec.RemoteURI)
	return e
}

// splitRemote splits `"Name" <sip:number@host>` into its display name and
// user part.
func splitRemote(s string) (name, number string) {
	s = strings.TrimSpace(s)
	uri := s
	if i := strings.IndexByte(s, '<'); i >= 0 {
		name = strings.Trim(strings.TrimSpace(s[:i]), `"`)
		uri = s[i+1:]
		if j := strings.IndexByte(uri, '>'); j >= 0 {
			uri = uri[:j]
		}
	}
	var u sip.Uri
	if err := sip.ParseUri(uri, &u); err != nil || u.User == "" {
		return name, uri
	}
	return name, u.User
}
