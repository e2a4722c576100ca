package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// RTP range used when the configuration leaves it unset.
const (
	DefaultPortMin = 4000
	DefaultPortMax = 4999
)

// PortPair is an even RTP port and the RTCP port above it.
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair is a bound PortPair owned by one call's audio stream.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close closes whichever sockets are open.
func (sp *SocketPair) Close() error {
	var errs []error
	for _, c := range []*net.UDPConn{sp.RTPConn, sp.RTCPConn} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// PortPool leases RTP/RTCP socket pairs to calls. Free pairs are reused in
// release order, so a port just given back is the last to be handed out
// again while the pool has others.
type PortPool struct {
	ip       net.IP
	min, max int
	logger   *slog.Logger

	mu     sync.Mutex
	free   []int // even RTP ports, next lease first
	leased int
}

// NewPortPool covers the even ports of [portMin, portMax] whose RTCP
// neighbour also fits, bound on ip or on all interfaces when ip is empty.
func NewPortPool(ip string, portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	switch {
	case portMin%2 != 0:
		return nil, fmt.Errorf("rtp port range must start on an even port, got %d", portMin)
	case portMax <= portMin:
		return nil, fmt.Errorf("rtp port range %d-%d is empty", portMin, portMax)
	}
	addr := net.IPv4zero
	if ip != "" {
		if addr = net.ParseIP(ip); addr == nil {
			return nil, fmt.Errorf("invalid rtp bind address %q", ip)
		}
	}

	p := &PortPool{
		ip:     addr,
		min:    portMin,
		max:    portMax,
		logger: logger.With("subsystem", "rtp-ports"),
	}
	for port := portMin; port+1 <= portMax; port += 2 {
		p.free = append(p.free, port)
	}
	p.logger.Info("rtp port range ready", "range", fmt.Sprintf("%d-%d", portMin, portMax), "pairs", len(p.free))
	return p, nil
}

// Capacity is the number of pairs in the range.
func (p *PortPool) Capacity() int {
	return (p.max - p.min + 1) / 2
}

// InUse is the number of leased pairs.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leased
}

// Allocate leases the next pair that binds. Ports another process holds go
// to the back of the queue.
func (p *PortPool) Allocate() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, fmt.Errorf("all %d rtp port pairs are in use", p.Capacity())
	}
	for range len(p.free) {
		port := p.free[0]
		p.free = p.free[1:]
		sp, err := p.bind(port)
		if err != nil {
			p.free = append(p.free, port)
			p.logger.Debug("rtp port busy", "rtp_port", port, "error", err)
			continue
		}
		p.leased++
		p.logger.Debug("rtp ports leased", "rtp_port", port, "in_use", p.leased)
		return sp, nil
	}
	return nil, fmt.Errorf("no free rtp port in %d-%d could be bound", p.min, p.max)
}

// Release closes sp and returns its ports to the pool. A nil sp is ignored.
func (p *PortPool) Release(sp *SocketPair) {
	if sp == nil {
		return
	}
	if err := sp.Close(); err != nil {
		p.logger.Warn("closing rtp sockets", "rtp_port", sp.Ports.RTP, "error", err)
	}

	p.mu.Lock()
	p.free = append(p.free, sp.Ports.RTP)
	p.leased--
	inUse := p.leased
	p.mu.Unlock()

	p.logger.Debug("rtp ports returned", "rtp_port", sp.Ports.RTP, "in_use", inUse)
}

func (p *PortPool) bind(port int) (*SocketPair, error) {
	sp := &SocketPair{Ports: PortPair{RTP: port, RTCP: port + 1}}
	var err error
	if sp.RTPConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: p.ip, Port: port}); err != nil {
		return nil, err
	}
	if sp.RTCPConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: p.ip, Port: port + 1}); err != nil {
		sp.RTPConn.Close()
		return nil, err
	}
	return sp, nil
}
