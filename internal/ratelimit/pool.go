// Package ratelimit keeps one token bucket per remote peer.
package ratelimit

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// Pool hands out per-peer limiters. A non-positive rps disables
// limiting.
type Pool struct {
	limiters sync.Map
	rps      float64
	burst    int
	now      func() time.Time
}

func NewPool(rps float64, burst int) *Pool {
	if burst <= 0 {
		burst = int(rps)
	}
	return &Pool{rps: rps, burst: burst, now: time.Now}
}

// Allow reports whether a datagram from peer may be processed now.
func (p *Pool) Allow(peer netip.AddrPort) bool {
	if p == nil || p.rps <= 0 {
		return true
	}
	now := p.now()
	l := p.get(peer)
	l.lastSeen.Store(now.UnixNano())
	return l.limiter.AllowN(now, 1)
}

func (p *Pool) get(peer netip.AddrPort) *peerLimiter {
	if l, ok := p.limiters.Load(peer); ok {
		return l.(*peerLimiter)
	}
	l := &peerLimiter{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
	actual, _ := p.limiters.LoadOrStore(peer, l)
	return actual.(*peerLimiter)
}

// Prune forgets peers not seen for idle and returns how many were removed.
func (p *Pool) Prune(idle time.Duration) int {
	if p == nil {
		return 0
	}
	cutoff := p.now().Add(-idle).UnixNano()
	removed := 0
	p.limiters.Range(func(key, value any) bool {
		if value.(*peerLimiter).lastSeen.Load() < cutoff {
			p.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked peers.
func (p *Pool) Len() int {
	n := 0
	p.limiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
