package media

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// readTimeout bounds each socket read so Stop is noticed promptly.
const readTimeout = 50 * time.Millisecond

// StreamConfig configures a Stream.
type StreamConfig struct {
	Codec Codec
	// Remote is the address signalled in SDP. It is replaced by the source
	// of the first packet received (symmetric RTP).
	Remote *net.UDPAddr
	// OnAudio receives every decoded inbound frame as linear PCM.
	OnAudio func(pcm []byte)
	// OnDTMF receives digits detected in inbound telephone-events.
	OnDTMF func(digit rune)
}

// StreamStats is a snapshot of stream counters.
type StreamStats struct {
	Codec     string
	LocalPort int
	Remote    string
	PacketsRx uint64
	PacketsTx uint64
	Dropped   uint64
	DigitsRx  uint64
}

// Stream is the RTP endpoint of one call. Outbound audio written with
// WriteFrame from any number of sources is mixed and sent every 20 ms.
type Stream struct {
	pair    *SocketPair
	logger  *slog.Logger
	onAudio func([]byte)
	onDTMF  func(rune)

	remote atomic.Pointer[net.UDPAddr]

	mu      sync.Mutex
	codec   Codec
	ssrc    uint32
	seq     uint16
	ts      uint32
	sending bool
	talking bool
	mix     []int32
	pending bool

	dtmfMu sync.Mutex

	rx, tx, dropped, digits atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStream creates a stream on pair. Call Start to begin media flow.
func NewStream(pair *SocketPair, cfg StreamConfig, logger *slog.Logger) *Stream {
	s := &Stream{
		pair:    pair,
		logger:  logger.With("subsystem", "rtp-stream", "rtp_port", pair.Ports.RTP),
		onAudio: cfg.OnAudio,
		onDTMF:  cfg.OnDTMF,
		codec:   cfg.Codec,
		ssrc:    rand.Uint32(),
		seq:     uint16(rand.Uint32()),
		ts:      rand.Uint32(),
		sending: true,
		mix:     make([]int32, FrameSamples),
		stop:    make(chan struct{}),
	}
	if cfg.Remote != nil {
		s.remote.Store(cfg.Remote)
	}
	return s
}

// Start launches the receive and send loops.
func (s *Stream) Start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.sendLoop()
	s.logger.Debug("rtp stream started", "codec", s.Codec().ID(), "remote", s.Remote())
}

// Stop ends both loops. The sockets are left to the port pool.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// LocalPort returns the bound RTP port.
func (s *Stream) LocalPort() int { return s.pair.Ports.RTP }

// Remote returns the current remote address, or "" before one is known.
func (s *Stream) Remote() string {
	if a := s.remote.Load(); a != nil {
		return a.String()
	}
	return ""
}

// SetRemote replaces the remote address, e.g. after a re-INVITE.
func (s *Stream) SetRemote(addr *net.UDPAddr) {
	if addr != nil {
		s.remote.Store(addr)
	}
}

// Codec returns the negotiated codec.
func (s *Stream) Codec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// SetCodec switches the outbound codec.
func (s *Stream) SetCodec(c Codec) {
	s.mu.Lock()
	s.codec = c
	s.mu.Unlock()
}

// SetSending enables or mutes outbound audio, as hold requires.
func (s *Stream) SetSending(on bool) {
	s.mu.Lock()
	s.sending = on
	if !on {
		s.resetMix()
	}
	s.mu.Unlock()
}

// WriteFrame mixes one PCM frame into the next outbound packet.
func (s *Stream) WriteFrame(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sending {
		return
	}
	mixInto(s.mix, pcm)
	s.pending = true
}

func (s *Stream) resetMix() {
	for i := range s.mix {
		s.mix[i] = 0
	}
	s.pending = false
}

// SendDTMF queues digits as RFC 4733 telephone-events. Digits are sent in
// the background; a second call waits for the first to finish.
func (s *Stream) SendDTMF(digits string) error {
	events := make([]uint8, 0, len(digits))
	for _, d := range digits {
		ev, ok := DigitEvent(d)
		if !ok {
			return fmt.Errorf("invalid dtmf digit %q", d)
		}
		events = append(events, ev)
	}
	go s.sendDTMF(events)
	return nil
}

func (s *Stream) sendDTMF(events []uint8) {
	s.dtmfMu.Lock()
	defer s.dtmfMu.Unlock()

	for _, ev := range events {
		s.mu.Lock()
		ts := s.ts
		s.mu.Unlock()

		for i, payload := range dtmfPayloads(ev) {
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:     2,
					Marker:      i == 0,
					PayloadType: PayloadTelephoneEvent,
					Timestamp:   ts,
				},
				Payload: payload,
			}
			s.write(pkt)
			if !s.sleep(FrameDuration) {
				return
			}
		}
		if !s.sleep(dtmfGapDuration) {
			return
		}
	}
}

func (s *Stream) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stop:
		return false
	}
}

// write stamps SSRC and sequence number and sends pkt to the remote.
func (s *Stream) write(pkt *rtp.Packet) {
	remote := s.remote.Load()
	if remote == nil {
		return
	}
	s.mu.Lock()
	pkt.SSRC = s.ssrc
	pkt.SequenceNumber = s.seq
	s.seq++
	s.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		s.logger.Debug("rtp marshal failed", "error", err)
		return
	}
	if _, err := s.pair.RTPConn.WriteToUDP(data, remote); err != nil {
		s.logger.Debug("rtp write failed", "remote", remote.String(), "error", err)
		return
	}
	s.tx.Add(1)
}

func (s *Stream) sendLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	frame := make([]byte, FrameBytes)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		ts := s.ts
		s.ts += FrameSamples
		if !s.pending || !s.sending {
			s.talking = false
			s.mu.Unlock()
			continue
		}
		flatten(s.mix, frame)
		s.resetMix()
		marker := !s.talking
		s.talking = true
		pt := s.codec.PayloadType
		s.mu.Unlock()

		payload, err := Encode(pt, frame)
		if err != nil {
			s.dropped.Add(1)
			continue
		}
		s.write(&rtp.Packet{
			Header: rtp.Header{
				Version:     2,
				Marker:      marker,
				PayloadType: pt,
				Timestamp:   ts,
			},
			Payload: payload,
		})
	}
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxRTPPacket)
	var det dtmfDetector

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.pair.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := s.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("rtp read error", "error", err)
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.dropped.Add(1)
			continue
		}
		s.rx.Add(1)

		if cur := s.remote.Load(); cur == nil || !cur.IP.Equal(addr.IP) || cur.Port != addr.Port {
			s.remote.Store(addr)
			s.logger.Debug("remote rtp address learned", "remote", addr.String())
		}

		if pkt.PayloadType == PayloadTelephoneEvent {
			if d, ok := det.feed(pkt); ok {
				s.digits.Add(1)
				if s.onDTMF != nil {
					s.onDTMF(d)
				}
			}
			continue
		}

		pcm, err := Decode(pkt.PayloadType, pkt.Payload)
		if err != nil {
			s.dropped.Add(1)
			continue
		}
		if s.onAudio != nil {
			s.onAudio(pcm)
		}
	}
}

// Stats returns the stream counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Codec:     s.Codec().ID(),
		LocalPort: s.LocalPort(),
		Remote:    s.Remote(),
		PacketsRx: s.rx.Load(),
		PacketsTx: s.tx.Load(),
		Dropped:   s.dropped.Load(),
		DigitsRx:  s.digits.Load(),
	}
}
