package sipua

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/icejuk/sipeksdk/internal/media"
	"github.com/pion/sdp/v3"
)

const contentTypeSDP = "application/sdp"

// Media directions.
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

var errNoAudio = errors.New("sdp has no audio stream")

// sdpParams describes a local session description.
type sdpParams struct {
	host      string
	port      int
	codecs    []media.Codec
	direction string
	sessionID uint64
	version   uint64
}

// buildSDP renders a local offer or answer with one audio stream.
func buildSDP(p sdpParams) ([]byte, error) {
	formats := make([]string, 0, len(p.codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(p.codecs)+4)
	for _, c := range p.codecs {
		pt := strconv.Itoa(int(c.PayloadType))
		formats = append(formats, pt)
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: pt + " " + c.ID()})
	}
	te := strconv.Itoa(media.PayloadTelephoneEvent)
	formats = append(formats, te)
	attrs = append(attrs,
		sdp.Attribute{Key: "rtpmap", Value: te + " telephone-event/8000"},
		sdp.Attribute{Key: "fmtp", Value: te + " 0-15"},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: p.direction},
	)

	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      p.sessionID,
			SessionVersion: p.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.host,
		},
		SessionName: "sipek",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: p.port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
	return sd.Marshal()
}

// remoteMedia is the audio stream offered or answered by the peer.
type remoteMedia struct {
	addr      *net.UDPAddr
	payloads  []uint8
	direction string
}

// hold reports whether the peer put the stream on hold.
func (r remoteMedia) hold() bool {
	if r.direction == dirSendOnly || r.direction == dirInactive {
		return true
	}
	return r.addr != nil && r.addr.IP.IsUnspecified()
}

// parseSDP extracts the first audio stream of a session description.
func parseSDP(body []byte) (remoteMedia, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return remoteMedia{}, fmt.Errorf("parsing sdp: %w", err)
	}

	sessionDir := dirSendRecv
	for _, a := range sd.Attributes {
		if isDirection(a.Key) {
			sessionDir = a.Key
		}
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		rm := remoteMedia{direction: sessionDir}
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				continue
			}
			rm.payloads = append(rm.payloads, uint8(pt))
		}
		for _, a := range md.Attributes {
			if isDirection(a.Key) {
				rm.direction = a.Key
			}
		}

		ci := md.ConnectionInformation
		if ci == nil {
			ci = sd.ConnectionInformation
		}
		if ci == nil || ci.Address == nil {
			return remoteMedia{}, errors.New("sdp has no connection address")
		}
		ip := net.ParseIP(strings.TrimSpace(ci.Address.Address))
		if ip == nil {
			return remoteMedia{}, fmt.Errorf("sdp connection address %q is not an ip", ci.Address.Address)
		}
		rm.addr = &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}
		if md.MediaName.Port.Value == 0 {
			rm.direction = dirInactive
		}
		return rm, nil
	}
	return remoteMedia{}, errNoAudio
}

func isDirection(key string) bool {
	switch key {
	case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
		return true
	}
	return false
}

// answerDirection is the direction to answer an offer with.
func answerDirection(offered string) string {
	switch offered {
	case dirSendOnly:
		return dirRecvOnly
	case dirRecvOnly:
		return dirSendOnly
	case dirInactive:
		return dirInactive
	default:
		return dirSendRecv
	}
}

// negotiate picks the first locally enabled codec the peer offered, in the
// peer's order.
func negotiate(offered []uint8, local []media.Codec) (media.Codec, bool) {
	for _, pt := range offered {
		for _, c := range local {
			if c.PayloadType == pt {
				return c, true
			}
		}
	}
	return media.Codec{}, false
}
