// Package relay implements the relay node: it learns the address of each
// client from the source_id of its packets and forwards wrapped packets
// to the address last seen for their target_id.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/gateway"
	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/ratelimit"
	"robot-gateway-go/internal/security"
)

var ErrNodeStopped = errors.New("relay node not running")

type Options struct {
	Addr string

	// With VerifySignature set, every wrapper must carry a timestamp and
	// a signature of its body made with Secret.
	Secret          []byte
	VerifySignature bool
	ReplayTolerance time.Duration

	// ClientTTL of zero keeps learned addresses forever.
	ClientTTL       time.Duration
	CleanupInterval time.Duration
	StatsInterval   time.Duration

	BindRetries int
	BindBackoff time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	StatsPublisher gateway.StatsPublisher
	StatsSubject   string

	Logger zerolog.Logger
	Now    func() time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.RelayPort)),
		Secret:          []byte(cfg.HMACSecret),
		VerifySignature: cfg.RelayVerifySignature,
		ReplayTolerance: cfg.ReplayTolerance,
		ClientTTL:       cfg.RelayClientTTL,
		CleanupInterval: cfg.CleanupInterval,
		StatsInterval:   cfg.StatsInterval,
		BindRetries:     cfg.BindRetries,
		BindBackoff:     cfg.BindBackoff,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
		StatsSubject:    cfg.StatsSubject,
	}
}

// Client is one learned source_id.
type Client struct {
	ID       string         `json:"id"`
	Addr     netip.AddrPort `json:"addr"`
	LastSeen time.Time      `json:"last_seen"`
	Packets  int64          `json:"packets"`
}

type Stats struct {
	PacketsIn       int64 `json:"packets_in"`
	PacketsOut      int64 `json:"packets_out"`
	BytesIn         int64 `json:"bytes_in"`
	BytesOut        int64 `json:"bytes_out"`
	Forwarded       int64 `json:"forwarded"`
	Registered      int64 `json:"registered"`
	UnknownTargets  int64 `json:"unknown_targets"`
	ProtocolErrors  int64 `json:"protocol_errors"`
	AuthFailures    int64 `json:"auth_failures"`
	RateLimited     int64 `json:"rate_limited"`
	TransportErrors int64 `json:"transport_errors"`
	Expired         int64 `json:"expired_clients"`
	InboundDropped  int64 `json:"inbound_dropped"`
	Panics          int64 `json:"panics"`
}

type Snapshot struct {
	Timestamp float64 `json:"timestamp"`
	Uptime    float64 `json:"uptime_seconds"`
	Counters  Stats   `json:"counters"`
	Clients   int     `json:"clients"`
	Limiters  int     `json:"rate_limiters"`
}

type secretSigner []byte

func (s secretSigner) Sign(ts float64, data []byte) string {
	return security.Sign(s, ts, data)
}

// Node is the relay server. Like the gateways, one goroutine owns the
// address table and all socket writes.
type Node struct {
	loop    *gateway.Loop
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
	limiter *ratelimit.Pool
	clients map[string]*Client

	stats     Stats
	startedAt time.Time
}

func New(opts Options) *Node {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReplayTolerance <= 0 {
		opts.ReplayTolerance = security.DefaultReplayTolerance
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 60 * time.Second
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 30 * time.Second
	}
	logger := opts.Logger.With().Str("gateway", "relay").Logger()
	return &Node{
		loop: gateway.NewLoop(gateway.LoopOptions{
			Addr:        opts.Addr,
			BindRetries: opts.BindRetries,
			BindBackoff: opts.BindBackoff,
			Logger:      logger,
			Now:         opts.Now,
		}),
		opts:    opts,
		log:     logger,
		now:     opts.Now,
		limiter: ratelimit.NewPool(opts.RateLimitRPS, opts.RateLimitBurst),
		clients: make(map[string]*Client),
	}
}

func (n *Node) Ready() <-chan struct{} {
	return n.loop.Ready()
}

// LocalAddr returns the bound address. Valid after Ready.
func (n *Node) LocalAddr() netip.AddrPort {
	return n.loop.LocalAddr()
}

// Run binds the socket and relays until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.loop.Bind(ctx); err != nil {
		return err
	}
	n.startedAt = n.now()

	n.log.Info().
		Str("addr", n.LocalAddr().String()).
		Bool("verify_signature", n.opts.VerifySignature).
		Dur("client_ttl", n.opts.ClientTTL).
		Msg("Relay listening")
	if !n.opts.VerifySignature {
		n.log.Warn().Msg("Relay signature verification disabled, source ids are trusted as sent")
	}

	n.loop.Serve(ctx, n.handle,
		gateway.Activity{Name: "cleanup", Interval: n.opts.CleanupInterval, Run: n.cleanup},
		gateway.Activity{Name: "stats", Interval: n.opts.StatsInterval, Run: n.reportStats},
	)

	n.log.Info().Int("clients", len(n.clients)).Msg("Relay stopped")
	return nil
}

// Do runs fn on the relay loop and waits for it.
func (n *Node) Do(ctx context.Context, fn func()) error {
	err := n.loop.Do(ctx, fn)
	if errors.Is(err, gateway.ErrStopped) {
		return ErrNodeStopped
	}
	return err
}

func (n *Node) handle(d gateway.Datagram) {
	n.stats.PacketsIn++
	n.stats.BytesIn += int64(len(d.Data))

	if !n.limiter.Allow(d.Peer) {
		n.stats.RateLimited++
		return
	}

	hdr, body, err := protocol.ParseRelayPacket(d.Data)
	if err != nil {
		n.stats.ProtocolErrors++
		n.log.Debug().Err(err).Str("peer", d.Peer.String()).Msg("Dropping relay packet")
		return
	}

	if n.opts.VerifySignature {
		if err := n.verify(hdr, body); err != nil {
			n.stats.AuthFailures++
			n.log.Warn().Err(err).Str("peer", d.Peer.String()).Str("source_id", hdr.SourceID).Msg("Relay packet failed verification")
			return
		}
	}

	if hdr.SourceID != protocol.RelayServerID {
		n.learn(hdr.SourceID, d.Peer)
	}

	if hdr.Type == protocol.RelayRegisterRequest {
		n.acknowledgeRegister(hdr.SourceID, d.Peer)
	}

	if hdr.TargetID == "" || hdr.TargetID == protocol.RelayServerID {
		return
	}
	target, ok := n.clients[hdr.TargetID]
	if !ok {
		n.stats.UnknownTargets++
		n.log.Warn().
			Str("source_id", hdr.SourceID).
			Str("target_id", hdr.TargetID).
			Str("type", hdr.Type).
			Msg("Unknown relay target, dropping packet")
		return
	}
	if n.write(target.Addr, d.Data) {
		n.stats.Forwarded++
	}
}

func (n *Node) verify(hdr protocol.RelayHeader, body []byte) error {
	if hdr.Timestamp == nil || hdr.Signature == "" {
		return security.ErrBadSignature
	}
	return security.Verify(n.opts.Secret, n.opts.ReplayTolerance, n.now(), body, *hdr.Timestamp, hdr.Signature)
}

// learn records addr for id. The last packet seen wins.
func (n *Node) learn(id string, addr netip.AddrPort) {
	c, ok := n.clients[id]
	if !ok {
		c = &Client{ID: id}
		n.clients[id] = c
		n.log.Info().Str("source_id", id).Str("addr", addr.String()).Msg("Relay client learned")
	} else if c.Addr != addr {
		n.log.Info().
			Str("source_id", id).
			Str("old_addr", c.Addr.String()).
			Str("addr", addr.String()).
			Msg("Relay client address changed")
	}
	c.Addr = addr
	c.LastSeen = n.now()
	c.Packets++
}

func (n *Node) acknowledgeRegister(id string, peer netip.AddrPort) {
	body, err := json.Marshal(protocol.RegisterClientResponse{Status: protocol.StatusSuccess, ClientID: id})
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to encode register response")
		return
	}

	var signer protocol.Signer
	if n.opts.VerifySignature {
		signer = secretSigner(n.opts.Secret)
	}
	packet, err := protocol.EncodeRelayPacket(protocol.RelayHeader{
		SourceID: protocol.RelayServerID,
		TargetID: id,
		Type:     protocol.RelayRegisterResponse,
	}, body, signer, protocol.Timestamp(n.now()))
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to encode register response")
		return
	}
	if n.write(peer, packet) {
		n.stats.Registered++
	}
}

func (n *Node) write(peer netip.AddrPort, packet []byte) bool {
	if _, err := n.loop.Write(peer, packet); err != nil {
		n.stats.TransportErrors++
		n.log.Debug().Err(err).Str("peer", peer.String()).Msg("UDP write failed")
		return false
	}
	n.stats.PacketsOut++
	n.stats.BytesOut += int64(len(packet))
	return true
}

func (n *Node) cleanup() {
	if n.opts.ClientTTL > 0 {
		cutoff := n.now().Add(-n.opts.ClientTTL)
		for id, c := range n.clients {
			if c.LastSeen.Before(cutoff) {
				delete(n.clients, id)
				n.stats.Expired++
				n.log.Info().Str("source_id", id).Str("addr", c.Addr.String()).Msg("Relay client expired")
			}
		}
	}
	n.limiter.Prune(n.opts.CleanupInterval)
}

// Clients returns the address table sorted by id. Loop-only.
func (n *Node) Clients() []Client {
	out := make([]Client, 0, len(n.clients))
	for _, c := range n.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns the relay counters. Loop-only.
func (n *Node) Snapshot() Snapshot {
	now := n.now()
	st := n.stats
	st.InboundDropped = n.loop.InboundDrops()
	st.Panics = n.loop.Panics()
	return Snapshot{
		Timestamp: protocol.Timestamp(now),
		Uptime:    now.Sub(n.startedAt).Seconds(),
		Counters:  st,
		Clients:   len(n.clients),
		Limiters:  n.limiter.Len(),
	}
}

func (n *Node) reportStats() {
	snap := n.Snapshot()
	n.log.Info().
		Int64("packets_in", snap.Counters.PacketsIn).
		Int64("forwarded", snap.Counters.Forwarded).
		Int64("unknown_targets", snap.Counters.UnknownTargets).
		Int64("auth_failures", snap.Counters.AuthFailures).
		Int("clients", snap.Clients).
		Msg("Relay stats")

	if n.opts.StatsPublisher == nil || n.opts.StatsSubject == "" {
		return
	}
	if err := n.opts.StatsPublisher.Publish(n.opts.StatsSubject+".relay", snap); err != nil {
		n.log.Warn().Err(err).Msg("Failed to publish relay stats")
	}
}
