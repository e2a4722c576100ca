// Package confbridge implements the conference bridge port graph. Every
// audio source or sink (the sound device, a call's media stream, a file
// player or recorder) owns a port, and connecting port A to port B makes
// frames produced on A flow into B.
package confbridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/icejuk/sipeksdk/internal/engine"
)

// ErrUnknownPort is returned for ports that are not on the bridge.
var ErrUnknownPort = errors.New("unknown conference port")

// Kind is the type of endpoint behind a port.
type Kind int

const (
	KindSoundDevice Kind = iota
	KindCall
	KindPlayer
	KindRecorder
)

func (k Kind) String() string {
	switch k {
	case KindSoundDevice:
		return "sound_device"
	case KindCall:
		return "call"
	case KindPlayer:
		return "player"
	case KindRecorder:
		return "recorder"
	default:
		return "unknown"
	}
}

// Sink receives frames forwarded to a port.
type Sink interface {
	WriteFrame(src engine.Port, frame []byte)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(src engine.Port, frame []byte)

// WriteFrame calls f(src, frame).
func (f SinkFunc) WriteFrame(src engine.Port, frame []byte) { f(src, frame) }

type discard struct{}

func (discard) WriteFrame(engine.Port, []byte) {}

// PortInfo describes one port on the bridge.
type PortInfo struct {
	Port engine.Port
	Kind Kind
	Name string
	// Listeners are the ports this port transmits to.
	Listeners []engine.Port
}

type port struct {
	kind Kind
	name string
	sink Sink
}

type edge struct {
	src, dst engine.Port
}

// Bridge is the port graph. It is safe for concurrent use; sinks are
// invoked without the bridge lock held.
type Bridge struct {
	logger *slog.Logger

	mu    sync.RWMutex
	ports map[engine.Port]*port
	edges map[edge]struct{}
	max   int
}

// New creates a bridge with room for max ports including the sound
// device, which always occupies port zero. Frames sent to the sound device
// are discarded; the adapter runs headless.
func New(max int, logger *slog.Logger) *Bridge {
	if max < 1 {
		max = 1
	}
	b := &Bridge{
		logger: logger.With("subsystem", "confbridge"),
		ports:  make(map[engine.Port]*port),
		edges:  make(map[edge]struct{}),
		max:    max,
	}
	b.ports[engine.SoundDevicePort] = &port{kind: KindSoundDevice, name: "sound-device", sink: discard{}}
	return b
}

// Add attaches a new port and returns its handle. The lowest free handle
// is reused.
func (b *Bridge) Add(kind Kind, name string, sink Sink) (engine.Port, error) {
	if sink == nil {
		sink = discard{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for p := engine.Port(1); int(p) < b.max; p++ {
		if _, used := b.ports[p]; used {
			continue
		}
		b.ports[p] = &port{kind: kind, name: name, sink: sink}
		b.logger.Debug("port added", "port", p, "kind", kind.String(), "name", name)
		return p, nil
	}
	return engine.InvalidPort, fmt.Errorf("conference bridge full (%d ports)", b.max)
}

// Remove detaches p and every connection touching it. The sound device
// cannot be removed.
func (b *Bridge) Remove(p engine.Port) error {
	if p == engine.SoundDevicePort {
		return fmt.Errorf("removing port %d: sound device is permanent", p)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ports[p]; !ok {
		return fmt.Errorf("removing port %d: %w", p, ErrUnknownPort)
	}
	delete(b.ports, p)
	for e := range b.edges {
		if e.src == p || e.dst == p {
			delete(b.edges, e)
		}
	}
	b.logger.Debug("port removed", "port", p)
	return nil
}

// Connect makes frames from src flow into dst. Connecting an already
// connected pair is a no-op.
func (b *Bridge) Connect(src, dst engine.Port) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(src, dst); err != nil {
		return fmt.Errorf("connecting %d to %d: %w", src, dst, err)
	}
	e := edge{src: src, dst: dst}
	if _, ok := b.edges[e]; ok {
		return nil
	}
	b.edges[e] = struct{}{}
	b.logger.Info("ports connected", "src", src, "dst", dst)
	return nil
}

// Disconnect stops frames from src flowing into dst. Disconnecting a pair
// that is not connected is a no-op.
func (b *Bridge) Disconnect(src, dst engine.Port) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(src, dst); err != nil {
		return fmt.Errorf("disconnecting %d from %d: %w", src, dst, err)
	}
	e := edge{src: src, dst: dst}
	if _, ok := b.edges[e]; !ok {
		return nil
	}
	delete(b.edges, e)
	b.logger.Info("ports disconnected", "src", src, "dst", dst)
	return nil
}

func (b *Bridge) check(src, dst engine.Port) error {
	if _, ok := b.ports[src]; !ok {
		return fmt.Errorf("port %d: %w", src, ErrUnknownPort)
	}
	if _, ok := b.ports[dst]; !ok {
		return fmt.Errorf("port %d: %w", dst, ErrUnknownPort)
	}
	return nil
}

// Connected reports whether src transmits to dst.
func (b *Bridge) Connected(src, dst engine.Port) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.edges[edge{src: src, dst: dst}]
	return ok
}

// Listeners returns the ports src transmits to, in ascending order.
func (b *Bridge) Listeners(src engine.Port) []engine.Port {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listenersLocked(src)
}

func (b *Bridge) listenersLocked(src engine.Port) []engine.Port {
	var out []engine.Port
	for e := range b.edges {
		if e.src == src {
			out = append(out, e.dst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Forward delivers a frame produced on src to every connected port and
// returns how many sinks received it.
func (b *Bridge) Forward(src engine.Port, frame []byte) int {
	b.mu.RLock()
	var sinks []Sink
	for e := range b.edges {
		if e.src != src {
			continue
		}
		if p, ok := b.ports[e.dst]; ok {
			sinks = append(sinks, p.sink)
		}
	}
	b.mu.RUnlock()

	for _, s := range sinks {
		s.WriteFrame(src, frame)
	}
	return len(sinks)
}

// Ports returns a snapshot of every port, ordered by handle.
func (b *Bridge) Ports() []PortInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]PortInfo, 0, len(b.ports))
	for h, p := range b.ports {
		out = append(out, PortInfo{Port: h, Kind: p.kind, Name: p.name, Listeners: b.listenersLocked(h)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Len returns the number of ports, including the sound device.
func (b *Bridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ports)
}
