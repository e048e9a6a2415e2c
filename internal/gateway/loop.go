package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrStopped is returned by Loop.Do when the loop is not running.
var ErrStopped = errors.New("event loop not running")

const (
	// MaxDatagramSize is the largest UDP payload the loop reads.
	MaxDatagramSize = 65535

	inboundQueue   = 1024
	maxBindBackoff = 10 * time.Second
)

// Datagram is one inbound UDP payload, copied out of the read buffer.
type Datagram struct {
	Peer     netip.AddrPort
	Data     []byte
	Received time.Time
}

// Activity is periodic work run on the loop goroutine. A zero Interval
// disables it.
type Activity struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	Addr        string
	BindRetries int
	BindBackoff time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Loop owns one UDP socket and the goroutine that serializes everything
// done with it. Datagrams, periodic activities and Do calls all run on
// that goroutine, each behind a recover so one panic cannot stop the
// node. The gateway Server and the relay Node are both built on it.
type Loop struct {
	opts LoopOptions
	log  zerolog.Logger

	conn     *net.UDPConn
	inbound  chan Datagram
	calls    chan func()
	ready    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	readErrors   atomic.Int64
	inboundDrops atomic.Int64
	panics       atomic.Int64
}

func NewLoop(opts LoopOptions) *Loop {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BindRetries <= 0 {
		opts.BindRetries = 1
	}
	if opts.BindBackoff <= 0 {
		opts.BindBackoff = time.Second
	}
	return &Loop{
		opts:    opts,
		log:     opts.Logger,
		inbound: make(chan Datagram, inboundQueue),
		calls:   make(chan func()),
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Bind opens the socket. A failed Bind leaves the loop stopped for good.
func (l *Loop) Bind(ctx context.Context) error {
	conn, err := Listen(ctx, l.opts.Addr, l.opts.BindRetries, l.opts.BindBackoff, l.log)
	if err != nil {
		l.stop()
		return err
	}
	l.conn = conn
	l.running.Store(true)
	close(l.ready)
	return nil
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopped)
	})
}

// Serve runs the loop until ctx is done, then closes the socket. Bind
// must have succeeded. handle and every activity run on the loop
// goroutine.
func (l *Loop) Serve(ctx context.Context, handle func(Datagram), activities ...Activity) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.readLoop()
	}()

	ticks := make(chan int)
	for i, a := range activities {
		if a.Interval <= 0 || a.Run == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			schedule(ctx, i, a.Interval, ticks)
		}()
	}

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case d := <-l.inbound:
			l.guard("receive", d.Peer, func() { handle(d) })
		case fn := <-l.calls:
			l.guard("call", netip.AddrPort{}, fn)
		case i := <-ticks:
			l.guard(activities[i].Name, netip.AddrPort{}, activities[i].Run)
		}
	}

	l.stop()
	cancel()
	if err := l.conn.Close(); err != nil {
		l.log.Warn().Err(err).Msg("Failed to close socket")
	}
	wg.Wait()
}

// schedule feeds activity index i to the loop every interval. A tick is
// skipped while the previous one is still waiting for the loop.
func schedule(ctx context.Context, i int, interval time.Duration, ticks chan<- int) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		select {
		case ticks <- i:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, peer, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.readErrors.Add(1)
			l.log.Debug().Err(err).Msg("UDP read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		d := Datagram{Peer: UnmapPeer(peer), Data: data, Received: l.opts.Now()}

		select {
		case l.inbound <- d:
		default:
			l.inboundDrops.Add(1)
		}
	}
}

// guard runs fn, recovering and logging a panic so the loop survives.
func (l *Loop) guard(activity string, peer netip.AddrPort, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			ev := l.log.Error().Str("activity", activity).Interface("panic", r)
			if peer.IsValid() {
				ev = ev.Str("peer", peer.String())
			}
			ev.Msg("Event loop panic recovered")
		}
	}()
	fn()
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if !l.running.Load() {
		return ErrStopped
	}
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn()
	}
	select {
	case l.calls <- call:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write sends one datagram. Loop-only.
func (l *Loop) Write(peer netip.AddrPort, b []byte) (int, error) {
	return l.conn.WriteToUDPAddrPort(b, peer)
}

// Ready is closed once the socket is bound.
func (l *Loop) Ready() <-chan struct{} {
	return l.ready
}

// LocalAddr returns the bound address. Valid after Ready.
func (l *Loop) LocalAddr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// ReadErrors counts failed socket reads.
func (l *Loop) ReadErrors() int64 { return l.readErrors.Load() }

// InboundDrops counts datagrams dropped because the loop fell behind.
func (l *Loop) InboundDrops() int64 { return l.inboundDrops.Load() }

// Panics counts recovered panics in handlers, activities and calls.
func (l *Loop) Panics() int64 { return l.panics.Load() }

// Listen binds a UDP socket on addr, retrying up to retries times with
// exponential backoff starting at backoff.
func Listen(ctx context.Context, addr string, retries int, backoff time.Duration, logger zerolog.Logger) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	if retries < 1 {
		retries = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 1; ; attempt++ {
		conn, err := net.ListenUDP("udp", udpAddr)
		if err == nil {
			return conn, nil
		}
		if attempt >= retries {
			return nil, fmt.Errorf("bind %s after %d attempts: %w", addr, attempt, err)
		}
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("Socket bind failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bind %s: %w", addr, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBindBackoff)
	}
}

// UnmapPeer normalises IPv4-mapped IPv6 addresses so a peer has one key.
func UnmapPeer(p netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(p.Addr().Unmap(), p.Port())
}
