package sipua

import (
	"errors"
	"slices"
	"testing"

	"github.com/icejuk/sipeksdk/internal/media"
)

const offerSendOnly = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 8 0 101\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=sendonly\r\n"

func TestParseSDP(t *testing.T) {
	rm, err := parseSDP([]byte(offerSendOnly))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := rm.addr.String(); got != "192.0.2.10:40000" {
		t.Errorf("addr = %s", got)
	}
	if !slices.Equal(rm.payloads, []uint8{8, 0, 101}) {
		t.Errorf("payloads = %v", rm.payloads)
	}
	if rm.direction != dirSendOnly {
		t.Errorf("direction = %s, want sendonly", rm.direction)
	}
	if !rm.hold() {
		t.Error("sendonly offer should be a hold")
	}
}

func TestParseSDPHoldForms(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "sendrecv",
			body: "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n",
			want: false,
		},
		{
			name: "zero address",
			body: "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nc=IN IP4 0.0.0.0\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n",
			want: true,
		},
		{
			name: "session level inactive",
			body: "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\na=inactive\r\nm=audio 4000 RTP/AVP 0\r\n",
			want: true,
		},
		{
			name: "port zero",
			body: "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\nm=audio 0 RTP/AVP 0\r\n",
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm, err := parseSDP([]byte(tt.body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if rm.hold() != tt.want {
				t.Errorf("hold = %v, want %v", rm.hold(), tt.want)
			}
		})
	}
}

func TestParseSDPWithoutAudio(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nc=IN IP4 192.0.2.1\r\nt=0 0\r\nm=video 5000 RTP/AVP 96\r\n"
	if _, err := parseSDP([]byte(body)); !errors.Is(err, errNoAudio) {
		t.Errorf("err = %v, want errNoAudio", err)
	}
	if _, err := parseSDP([]byte("garbage")); err == nil {
		t.Error("expected error for garbage body")
	}
}

func TestBuildSDP(t *testing.T) {
	body, err := buildSDP(sdpParams{
		host:      "127.0.0.1",
		port:      40002,
		codecs:    []media.Codec{media.CodecPCMU, media.CodecPCMA},
		direction: dirSendOnly,
		sessionID: 42,
		version:   3,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rm, err := parseSDP(body)
	if err != nil {
		t.Fatalf("parse built sdp: %v\n%s", err, body)
	}
	if !slices.Equal(rm.payloads, []uint8{0, 8, media.PayloadTelephoneEvent}) {
		t.Errorf("payloads = %v", rm.payloads)
	}
	if rm.direction != dirSendOnly {
		t.Errorf("direction = %s", rm.direction)
	}
	if rm.addr.Port != 40002 || rm.addr.IP.String() != "127.0.0.1" {
		t.Errorf("addr = %s", rm.addr)
	}
}

func TestNegotiateFollowsPeerOrder(t *testing.T) {
	local := []media.Codec{media.CodecPCMU, media.CodecPCMA}

	c, ok := negotiate([]uint8{8, 0, 101}, local)
	if !ok || c != media.CodecPCMA {
		t.Errorf("negotiate = %v %v, want PCMA", c, ok)
	}
	if _, ok := negotiate([]uint8{18, 101}, local); ok {
		t.Error("expected no common codec")
	}
	if _, ok := negotiate([]uint8{0}, nil); ok {
		t.Error("expected no codec with nothing enabled")
	}
}

func TestAnswerDirection(t *testing.T) {
	tests := map[string]string{
		dirSendRecv: dirSendRecv,
		dirSendOnly: dirRecvOnly,
		dirRecvOnly: dirSendOnly,
		dirInactive: dirInactive,
		"":          dirSendRecv,
	}
	for offered, want := range tests {
		if got := answerDirection(offered); got != want {
			t.Errorf("answerDirection(%q) = %q, want %q", offered, got, want)
		}
	}
}
