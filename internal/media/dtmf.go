package media

import (
	"encoding/binary"
	"errors"
	"strconv"
	"strings"

	"github.com/pion/rtp"
)

// PayloadTelephoneEvent is the dynamic payload type offered for RFC 4733
// telephone-events.
const PayloadTelephoneEvent = 101

// DTMFEvent is an RFC 4733 telephone-event payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

const dtmfPayloadSize = 4

// ParseDTMFEvent decodes a telephone-event payload.
func ParseDTMFEvent(payload []byte) (DTMFEvent, bool) {
	if len(payload) < dtmfPayloadSize {
		return DTMFEvent{}, false
	}
	return DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: binary.BigEndian.Uint16(payload[2:4]),
	}, true
}

// Marshal encodes the event as a telephone-event payload.
func (e DTMFEvent) Marshal() []byte {
	b := make([]byte, dtmfPayloadSize)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.End {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:4], e.Duration)
	return b
}

// EventDigit maps an event code to its digit.
func EventDigit(event uint8) (rune, bool) {
	switch {
	case event <= 9:
		return rune('0' + event), true
	case event == 10:
		return '*', true
	case event == 11:
		return '#', true
	case event >= 12 && event <= 15:
		return rune('A' + event - 12), true
	}
	return 0, false
}

// DigitEvent maps a digit to its event code. Letters are case-insensitive.
func DigitEvent(d rune) (uint8, bool) {
	switch {
	case d >= '0' && d <= '9':
		return uint8(d - '0'), true
	case d == '*':
		return 10, true
	case d == '#':
		return 11, true
	case d >= 'A' && d <= 'D':
		return uint8(d-'A') + 12, true
	case d >= 'a' && d <= 'd':
		return uint8(d-'a') + 12, true
	}
	return 0, false
}

// dtmfDetector turns a telephone-event packet stream into digits. A digit
// is reported on the first End packet; the retransmitted End packets that
// share its timestamp are ignored.
type dtmfDetector struct {
	seen   bool
	last   uint8
	lastTS uint32
}

func (d *dtmfDetector) feed(pkt *rtp.Packet) (rune, bool) {
	ev, ok := ParseDTMFEvent(pkt.Payload)
	if !ok || !ev.End {
		return 0, false
	}
	if d.seen && ev.Event == d.last && pkt.Timestamp == d.lastTS {
		return 0, false
	}
	d.seen, d.last, d.lastTS = true, ev.Event, pkt.Timestamp
	return EventDigit(ev.Event)
}

// Telephone-event timing for outgoing digits.
const (
	dtmfVolume      = 10
	dtmfToneFrames  = 8 // 160 ms of tone
	dtmfEndRepeats  = 3
	dtmfGapDuration = 2 * FrameDuration
)

// dtmfPayloads returns the payloads sent for one digit: continuation
// updates every frame, then the End packet three times. All share one
// timestamp.
func dtmfPayloads(event uint8) [][]byte {
	var out [][]byte
	for i := 1; i <= dtmfToneFrames; i++ {
		out = append(out, DTMFEvent{Event: event, Volume: dtmfVolume, Duration: uint16(i * FrameSamples)}.Marshal())
	}
	end := DTMFEvent{Event: event, End: true, Volume: dtmfVolume, Duration: uint16(dtmfToneFrames * FrameSamples)}.Marshal()
	for i := 0; i < dtmfEndRepeats; i++ {
		out = append(out, end)
	}
	return out
}

// ErrInvalidDTMFInfo is returned when a SIP INFO body carries no digit.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// ContentTypeDTMFRelay is the INFO body type carrying "Signal=" digits.
const ContentTypeDTMFRelay = "application/dtmf-relay"

// InfoDigit is a digit received in a SIP INFO body.
type InfoDigit struct {
	Digit rune
	// Duration in milliseconds, zero when absent.
	Duration int
}

// ParseInfoDTMF parses an INFO body of type application/dtmf-relay
// ("Signal=5\r\nDuration=160") or application/dtmf ("5").
func ParseInfoDTMF(contentType string, body []byte) (InfoDigit, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case ContentTypeDTMFRelay:
		return parseDTMFRelay(body)
	case "application/dtmf":
		return singleDigit(strings.TrimSpace(string(body)))
	}
	return InfoDigit{}, ErrInvalidDTMFInfo
}

func parseDTMFRelay(body []byte) (InfoDigit, error) {
	var (
		out   InfoDigit
		found bool
	)
	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			d, err := singleDigit(value)
			if err != nil {
				return InfoDigit{}, err
			}
			out.Digit = d.Digit
			found = true
		case "duration":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				out.Duration = n
			}
		}
	}
	if !found {
		return InfoDigit{}, ErrInvalidDTMFInfo
	}
	return out, nil
}

func singleDigit(s string) (InfoDigit, error) {
	r := []rune(strings.ToUpper(s))
	if len(r) != 1 {
		return InfoDigit{}, ErrInvalidDTMFInfo
	}
	if _, ok := DigitEvent(r[0]); !ok {
		return InfoDigit{}, ErrInvalidDTMFInfo
	}
	return InfoDigit{Digit: r[0]}, nil
}
