// Package gateway runs the UDP event loop shared by the camera and
// control gateways.
//
// One goroutine owns the socket writes and every piece of protocol state
// (security sessions, reassembly buffers, the service's registries). A
// reader goroutine only copies datagrams onto a channel. Everything else
// (admin API reads included) reaches the loop through Do.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/ratelimit"
	"robot-gateway-go/internal/reassembly"
	"robot-gateway-go/internal/security"
)

var (
	ErrRateLimited   = errors.New("peer over rate limit")
	ErrServerStopped = errors.New("gateway server not running")
)

// Options configures a Server.
type Options struct {
	Name            string
	Addr            string
	Secret          []byte
	ReplayTolerance time.Duration
	SessionTimeout  time.Duration
	MTUBudget       int

	// Reassembly bounds inbound fragmented messages. Now and Logger are
	// taken from the server.
	Reassembly reassembly.Options

	CleanupInterval     time.Duration
	StatsInterval       time.Duration
	HealthCheckInterval time.Duration

	BindRetries int
	BindBackoff time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	StatsPublisher StatsPublisher
	StatsSubject   string

	Logger zerolog.Logger
	Now    func() time.Time
}

// OptionsFromConfig fills Options for a gateway listening on port.
func OptionsFromConfig(cfg *config.Config, name string, port int) Options {
	return Options{
		Name:            name,
		Addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Secret:          []byte(cfg.HMACSecret),
		ReplayTolerance: cfg.ReplayTolerance,
		SessionTimeout:  cfg.SessionTimeout,
		MTUBudget:       cfg.MTUBudget,
		Reassembly: reassembly.Options{
			Timeout:          cfg.FragmentTimeout,
			MaxMessageBytes:  cfg.ReassemblyMaxMessageBytes,
			MaxFragments:     cfg.ReassemblyMaxFragments,
			MaxPending:       cfg.ReassemblyMaxPending,
			MaxBufferedBytes: cfg.ReassemblyMaxBytes,
		},
		CleanupInterval:     cfg.CleanupInterval,
		StatsInterval:       cfg.StatsInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		BindRetries:         cfg.BindRetries,
		BindBackoff:         cfg.BindBackoff,
		RateLimitRPS:        cfg.RateLimitRPS,
		RateLimitBurst:      cfg.RateLimitBurst,
		StatsSubject:        cfg.StatsSubject,
	}
}

// Server is one gateway node.
type Server struct {
	loop    *Loop
	opts    Options
	svc     Service
	log     zerolog.Logger
	now     func() time.Time
	sec     *security.Manager
	store   *reassembly.Store
	codec   *protocol.Codec
	limiter *ratelimit.Pool

	stats     Stats
	startedAt time.Time
}

func New(opts Options, svc Service) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Name == "" {
		opts.Name = svc.Name()
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 60 * time.Second
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 30 * time.Second
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 10 * time.Second
	}

	logger := opts.Logger.With().Str("gateway", opts.Name).Logger()
	ropts := opts.Reassembly
	ropts.Now = opts.Now
	ropts.Logger = logger
	store := reassembly.NewStore(ropts)

	return &Server{
		loop: NewLoop(LoopOptions{
			Addr:        opts.Addr,
			BindRetries: opts.BindRetries,
			BindBackoff: opts.BindBackoff,
			Logger:      logger,
			Now:         opts.Now,
		}),
		opts: opts,
		svc:  svc,
		log:  logger,
		now:  opts.Now,
		sec: security.NewManager(security.Options{
			Secret:          opts.Secret,
			ReplayTolerance: opts.ReplayTolerance,
			SessionTimeout:  opts.SessionTimeout,
			Now:             opts.Now,
			Logger:          logger,
		}),
		store:   store,
		codec:   protocol.NewCodec(opts.MTUBudget, store),
		limiter: ratelimit.NewPool(opts.RateLimitRPS, opts.RateLimitBurst),
	}
}

// Security returns the server's security manager. Loop-owned.
func (s *Server) Security() *security.Manager {
	return s.sec
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.loop.Ready()
}

// LocalAddr returns the bound address. Valid after Ready.
func (s *Server) LocalAddr() netip.AddrPort {
	return s.loop.LocalAddr()
}

// Run binds the socket and runs the event loop until ctx is done. It
// returns an error only when the socket cannot be bound. The service is
// released before Run returns, on either path.
func (s *Server) Run(ctx context.Context) error {
	if err := s.loop.Bind(ctx); err != nil {
		s.closeService()
		return err
	}
	s.startedAt = s.now()

	s.log.Info().
		Str("addr", s.LocalAddr().String()).
		Int("mtu_budget", s.codec.Budget()).
		Bool("signed", len(s.opts.Secret) > 0).
		Msg("Gateway listening")
	if len(s.opts.Secret) == 0 {
		s.log.Warn().Msg("HMAC secret is empty, any client can sign requests")
	}

	s.loop.Serve(ctx, s.handleDatagram, s.activities()...)

	s.closeService()
	s.log.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) activities() []Activity {
	acts := []Activity{
		{Name: "cleanup", Interval: s.opts.CleanupInterval, Run: s.runCleanup},
		{Name: "stats", Interval: s.opts.StatsInterval, Run: s.reportStats},
	}
	if h, ok := s.svc.(HealthChecker); ok {
		acts = append(acts, Activity{Name: "health_check", Interval: s.opts.HealthCheckInterval, Run: h.HealthCheck})
	}
	if t, ok := s.svc.(Ticker); ok {
		acts = append(acts, Activity{Name: "fanout", Interval: t.TickInterval(), Run: func() { t.Tick(s) }})
	}
	return acts
}

func (s *Server) closeService() {
	if c, ok := s.svc.(Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Error().Err(err).Msg("Service shutdown failed")
		}
	}
}

// Do runs fn on the event loop and waits for it to finish.
func (s *Server) Do(ctx context.Context, fn func()) error {
	err := s.loop.Do(ctx, fn)
	if errors.Is(err, ErrStopped) {
		return ErrServerStopped
	}
	return err
}

func (s *Server) handleDatagram(d Datagram) {
	s.stats.PacketsIn++
	s.stats.BytesIn += int64(len(d.Data))

	if err := s.process(d); err != nil {
		s.classify(d.Peer, err)
	}
}

// process runs one datagram through decode, verify and dispatch.
func (s *Server) process(d Datagram) error {
	if !s.limiter.Allow(d.Peer) {
		return ErrRateLimited
	}

	msg, complete, err := s.codec.Decode(d.Data)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if !complete {
		return nil
	}

	env, err := protocol.ParseEnvelope(msg)
	if err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}
	if err := s.sec.Verify(env.Data, env.Timestamp, env.Header.Signature); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	req, err := protocol.ParseRequest(env.Data)
	if err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	if u, ok := req.(protocol.UnknownRequest); ok {
		s.stats.UnknownRequests++
		s.log.Info().Str("peer", d.Peer.String()).Str("type", u.Type).Msg("Ignoring unknown request type")
		return nil
	}

	s.stats.Requests++
	ctx := &Context{
		Peer:      d.Peer,
		Timestamp: env.Timestamp,
		Received:  d.Received,
		Security:  s.sec,
		sender:    s,
	}
	if err := s.svc.Handle(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", req.Kind(), err)
	}
	return nil
}

// classify picks the log level and counter for a dropped datagram.
// Nothing is ever sent back for these.
func (s *Server) classify(peer netip.AddrPort, err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		s.stats.RateLimited++
		s.log.Trace().Str("peer", peer.String()).Msg("Rate limited")
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrTooLarge):
		s.stats.ProtocolErrors++
		s.log.Debug().Err(err).Str("peer", peer.String()).Msg("Dropping malformed datagram")
	case errors.Is(err, security.ErrBadSignature),
		errors.Is(err, security.ErrStaleTimestamp),
		errors.Is(err, security.ErrUnknownSession),
		errors.Is(err, security.ErrSessionExpired),
		errors.Is(err, security.ErrAddressMismatch),
		errors.Is(err, security.ErrInvalidSessionID):
		s.stats.AuthFailures++
		s.log.Warn().Err(err).Str("peer", peer.String()).Msg("Dropping unauthenticated request")
	default:
		s.stats.HandlerErrors++
		s.log.Error().Err(err).Str("peer", peer.String()).Msg("Request handler failed")
	}
}

// Send implements Sender.
func (s *Server) Send(peer netip.AddrPort, data any) error {
	packet, err := protocol.EncodeEnvelope(s.sec, s.now(), data)
	if err != nil {
		return err
	}
	dgrams, err := s.codec.Encode(packet)
	if err != nil {
		return err
	}
	return s.writeAll(peer, dgrams)
}

// SendBinary implements Sender.
func (s *Server) SendBinary(peer netip.AddrPort, packet []byte) error {
	dgrams, err := s.codec.EncodeBinary(packet)
	if err != nil {
		return err
	}
	return s.writeAll(peer, dgrams)
}

func (s *Server) writeAll(peer netip.AddrPort, dgrams [][]byte) error {
	if len(dgrams) > 1 {
		s.stats.FragmentedMessages++
	}
	for _, d := range dgrams {
		n, err := s.loop.Write(peer, d)
		if err != nil {
			s.stats.TransportErrors++
			return fmt.Errorf("write to %s: %w", peer, err)
		}
		s.stats.PacketsOut++
		s.stats.BytesOut += int64(n)
	}
	return nil
}

func (s *Server) runCleanup() {
	expired := s.sec.Cleanup()
	if obs, ok := s.svc.(SessionObserver); ok && len(expired) > 0 {
		obs.SessionsExpired(expired)
	}
	if c, ok := s.svc.(Cleaner); ok {
		c.Cleanup()
	}
	s.store.CleanupExpired()
	if n := s.limiter.Prune(s.opts.CleanupInterval); n > 0 {
		s.log.Debug().Int("pruned", n).Msg("Idle rate limiters removed")
	}
}
