// Package media carries call audio: RTP port allocation, per-call RTP
// streams, RFC 4733 telephone-events, and WAV file players and recorders.
//
// Audio exchanged with the conference bridge is 16-bit little-endian
// linear PCM at 8 kHz in 20 ms frames.
package media

import (
	"fmt"
	"time"

	"github.com/zaf/g711"
)

const (
	// RTP payload types for supported codecs.
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law

	// ClockRate is the sample rate of every supported codec.
	ClockRate = 8000

	// FrameSamples is the number of samples per 20 ms frame.
	FrameSamples = 160

	// FrameBytes is the size of one linear PCM frame.
	FrameBytes = FrameSamples * 2

	// FrameDuration is the packetization time.
	FrameDuration = 20 * time.Millisecond

	// maxRTPPacket is the largest UDP datagram read from a media socket.
	maxRTPPacket = 1500
)

// Codec names an audio codec as it appears in SDP rtpmap attributes.
type Codec struct {
	Name        string
	PayloadType uint8
	ClockRate   int
}

// ID is the "name/rate" form used to address a codec.
func (c Codec) ID() string {
	return fmt.Sprintf("%s/%d", c.Name, c.ClockRate)
}

// Supported codecs, in default preference order.
var (
	CodecPCMU = Codec{Name: "PCMU", PayloadType: PayloadPCMU, ClockRate: ClockRate}
	CodecPCMA = Codec{Name: "PCMA", PayloadType: PayloadPCMA, ClockRate: ClockRate}
)

// CodecByPayloadType returns the codec for a static payload type.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case PayloadPCMU:
		return CodecPCMU, true
	case PayloadPCMA:
		return CodecPCMA, true
	}
	return Codec{}, false
}

// Decode converts a G.711 payload to linear PCM.
func Decode(pt uint8, payload []byte) ([]byte, error) {
	switch pt {
	case PayloadPCMU:
		return g711.DecodeUlaw(payload), nil
	case PayloadPCMA:
		return g711.DecodeAlaw(payload), nil
	}
	return nil, fmt.Errorf("unsupported payload type %d", pt)
}

// Encode converts linear PCM to a G.711 payload.
func Encode(pt uint8, pcm []byte) ([]byte, error) {
	switch pt {
	case PayloadPCMU:
		return g711.EncodeUlaw(pcm), nil
	case PayloadPCMA:
		return g711.EncodeAlaw(pcm), nil
	}
	return nil, fmt.Errorf("unsupported payload type %d", pt)
}

// mixInto adds the samples of pcm into acc, saturating at the int16 range.
func mixInto(acc []int32, pcm []byte) {
	n := len(pcm) / 2
	if n > len(acc) {
		n = len(acc)
	}
	for i := 0; i < n; i++ {
		acc[i] += int32(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
}

// flatten converts mixed samples back to PCM bytes.
func flatten(acc []int32, out []byte) {
	for i, v := range acc {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := uint16(int16(v))
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
}
