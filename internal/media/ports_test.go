package media

import (
	"io"
	"log/slog"
	"net"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewPortPoolValidation(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		min, max int
	}{
		{"odd min", "", 10001, 10010},
		{"max below min", "", 10010, 10000},
		{"bad ip", "not-an-ip", 10000, 10010},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPortPool(tt.ip, tt.min, tt.max, testLogger()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPortPoolAllocateRelease(t *testing.T) {
	pool, err := NewPortPool("127.0.0.1", 42100, 42105, testLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if pool.Capacity() != 3 {
		t.Fatalf("capacity = %d, want 3", pool.Capacity())
	}

	var pairs []*SocketPair
	for i := 0; i < 3; i++ {
		pair, err := pool.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if pair.Ports.RTP%2 != 0 || pair.Ports.RTCP != pair.Ports.RTP+1 {
			t.Errorf("bad pair %+v", pair.Ports)
		}
		pairs = append(pairs, pair)
	}
	if _, err := pool.Allocate(); err == nil {
		t.Fatal("expected exhaustion error")
	}
	if pool.InUse() != 3 {
		t.Errorf("in use = %d, want 3", pool.InUse())
	}

	// Only the released pair is free, so it comes straight back.
	pool.Release(pairs[1])
	pair, err := pool.Allocate()
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if pair.Ports.RTP != pairs[1].Ports.RTP {
		t.Errorf("got port %d, want released %d", pair.Ports.RTP, pairs[1].Ports.RTP)
	}
	pool.Release(pair)
	pool.Release(pairs[0])
	pool.Release(pairs[2])
	pool.Release(nil)
	if pool.InUse() != 0 {
		t.Errorf("in use = %d after release, want 0", pool.InUse())
	}
}

func TestPortPoolSkipsBusyPorts(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 42200})
	if err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer busy.Close()

	pool, err := NewPortPool("127.0.0.1", 42200, 42203, testLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pair, err := pool.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer pool.Release(pair)
	if pair.Ports.RTP != 42202 {
		t.Errorf("got port %d, want 42202", pair.Ports.RTP)
	}
}

func TestPortPoolReusesInReleaseOrder(t *testing.T) {
	pool, err := NewPortPool("127.0.0.1", 42300, 42309, testLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	first, err := pool.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if first.Ports.RTP != 42300 {
		t.Fatalf("first lease = %d, want 42300", first.Ports.RTP)
	}
	pool.Release(first)

	// The other four pairs are leased before 42300 comes round again.
	var got []int
	for range pool.Capacity() {
		sp, err := pool.Allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		defer pool.Release(sp)
		got = append(got, sp.Ports.RTP)
	}
	want := []int{42302, 42304, 42306, 42308, 42300}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lease order = %v, want %v", got, want)
		}
	}
}

func TestSocketPairCloseTolerantOfMissingSockets(t *testing.T) {
	if err := (&SocketPair{}).Close(); err != nil {
		t.Errorf("Close on empty pair: %v", err)
	}
}
