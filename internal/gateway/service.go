package gateway

import (
	"net/netip"
	"time"

	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/security"
)

// Sender writes messages to peers. Implemented by *Server; only valid on
// the event loop.
type Sender interface {
	// Send signs data in an envelope and writes it, fragmenting as needed.
	Send(peer netip.AddrPort, data any) error
	// SendBinary writes a binary fast-path packet, fragmenting with
	// binary fragments as needed.
	SendBinary(peer netip.AddrPort, packet []byte) error
}

// Context is the per-request view handed to a Service.
type Context struct {
	Peer      netip.AddrPort
	Timestamp float64
	Received  time.Time
	Security  *security.Manager

	sender Sender
}

// Reply sends data back to the requesting peer.
func (c *Context) Reply(data any) error {
	return c.sender.Send(c.Peer, data)
}

// Sender returns the loop's sender for messages to other peers.
func (c *Context) Sender() Sender {
	return c.sender
}

// Service implements the request handlers of one gateway. Handle runs on
// the event loop and must not block. Errors wrapping a security or
// protocol sentinel are treated as dropped input; anything else counts
// as a handler error. Neither produces a reply.
type Service interface {
	Name() string
	Handle(ctx *Context, req protocol.Request) error
}

// Ticker is implemented by services with a periodic push, such as the
// camera fan-out.
type Ticker interface {
	TickInterval() time.Duration
	Tick(s Sender)
}

// HealthChecker is implemented by services with restartable resources.
type HealthChecker interface {
	HealthCheck()
}

// SessionObserver is told which security sessions the cleanup tick
// expired.
type SessionObserver interface {
	SessionsExpired(ids []string)
}

// Cleaner runs service-owned garbage collection on the cleanup tick.
type Cleaner interface {
	Cleanup()
}

// StatsReporter adds service counters to the stats tick.
type StatsReporter interface {
	Stats() map[string]any
}

// Closer releases service resources after the socket is closed.
type Closer interface {
	Close() error
}

// StatsPublisher receives the stats snapshot on every stats tick.
type StatsPublisher interface {
	Publish(subject string, data any) error
}
