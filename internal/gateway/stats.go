package gateway

import (
	"time"

	"robot-gateway-go/internal/reassembly"
)

// Stats are the loop's aggregate counters. Observability only.
type Stats struct {
	PacketsIn          int64 `json:"packets_in"`
	PacketsOut         int64 `json:"packets_out"`
	BytesIn            int64 `json:"bytes_in"`
	BytesOut           int64 `json:"bytes_out"`
	Requests           int64 `json:"requests"`
	FragmentedMessages int64 `json:"fragmented_messages"`
	ProtocolErrors     int64 `json:"protocol_errors"`
	AuthFailures       int64 `json:"auth_failures"`
	HandlerErrors      int64 `json:"handler_errors"`
	HandlerPanics      int64 `json:"handler_panics"`
	UnknownRequests    int64 `json:"unknown_requests"`
	RateLimited        int64 `json:"rate_limited"`
	TransportErrors    int64 `json:"transport_errors"`
	InboundDropped     int64 `json:"inbound_dropped"`
}

// Snapshot is the stats payload logged, published and served by the
// admin API.
type Snapshot struct {
	Gateway    string           `json:"gateway"`
	Timestamp  time.Time        `json:"timestamp"`
	Uptime     float64          `json:"uptime_seconds"`
	Counters   Stats            `json:"counters"`
	Sessions   int              `json:"sessions"`
	Reassembly reassembly.Stats `json:"reassembly"`
	Limiters   int              `json:"rate_limited_peers"`
	Service    map[string]any   `json:"service,omitempty"`
}

// Snapshot collects the current counters. Must run on the loop; use
// Do from other goroutines.
func (s *Server) Snapshot() Snapshot {
	counters := s.stats
	counters.TransportErrors += s.loop.ReadErrors()
	counters.InboundDropped = s.loop.InboundDrops()
	counters.HandlerPanics = s.loop.Panics()

	snap := Snapshot{
		Gateway:    s.opts.Name,
		Timestamp:  s.now(),
		Counters:   counters,
		Sessions:   s.sec.Len(),
		Reassembly: s.store.Stats(),
		Limiters:   s.limiter.Len(),
	}
	if !s.startedAt.IsZero() {
		snap.Uptime = s.now().Sub(s.startedAt).Seconds()
	}
	if r, ok := s.svc.(StatsReporter); ok {
		snap.Service = r.Stats()
	}
	return snap
}

func (s *Server) reportStats() {
	snap := s.Snapshot()
	c := snap.Counters

	s.log.Info().
		Int64("packets_in", c.PacketsIn).
		Int64("packets_out", c.PacketsOut).
		Int64("requests", c.Requests).
		Int64("protocol_errors", c.ProtocolErrors).
		Int64("auth_failures", c.AuthFailures).
		Int64("handler_errors", c.HandlerErrors).
		Int64("rate_limited", c.RateLimited).
		Int64("transport_errors", c.TransportErrors).
		Int("sessions", snap.Sessions).
		Int("pending_reassembly", snap.Reassembly.Pending).
		Interface("service", snap.Service).
		Msg("Gateway stats")

	if s.opts.StatsPublisher != nil && s.opts.StatsSubject != "" {
		subject := s.opts.StatsSubject + "." + s.opts.Name
		if err := s.opts.StatsPublisher.Publish(subject, snap); err != nil {
			s.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish stats")
		}
	}
}
