package ratelimit

import (
	"net/netip"
	"testing"
	"time"
)

func TestPoolBurstPerPeer(t *testing.T) {
	now := time.Unix(1000, 0)
	p := NewPool(1, 3)
	p.now = func() time.Time { return now }

	a := netip.MustParseAddrPort("10.0.0.1:1")
	b := netip.MustParseAddrPort("10.0.0.2:1")

	for i := 0; i < 3; i++ {
		if !p.Allow(a) {
			t.Fatalf("datagram %d within burst refused", i)
		}
	}
	if p.Allow(a) {
		t.Error("datagram beyond burst allowed")
	}
	if !p.Allow(b) {
		t.Error("other peer limited by peer a's bucket")
	}

	now = now.Add(time.Second)
	if !p.Allow(a) {
		t.Error("token not replenished after 1s")
	}
}

func TestPoolDisabled(t *testing.T) {
	p := NewPool(0, 0)
	peer := netip.MustParseAddrPort("10.0.0.1:1")
	for i := 0; i < 1000; i++ {
		if !p.Allow(peer) {
			t.Fatal("disabled pool refused a datagram")
		}
	}
	var nilPool *Pool
	if !nilPool.Allow(peer) {
		t.Error("nil pool refused a datagram")
	}
}

func TestPoolPrune(t *testing.T) {
	now := time.Unix(1000, 0)
	p := NewPool(10, 10)
	p.now = func() time.Time { return now }

	p.Allow(netip.MustParseAddrPort("10.0.0.1:1"))
	now = now.Add(time.Minute)
	p.Allow(netip.MustParseAddrPort("10.0.0.2:1"))

	if n := p.Prune(30 * time.Second); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d", p.Len())
	}
}
