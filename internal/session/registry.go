// Package session tracks which remote peer is subscribed to which camera.
package session

import (
	"net/netip"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/config"
	"robot-gateway-go/internal/protocol"
)

// Session is a snapshot of one subscribed peer.
type Session struct {
	ID           string         `json:"session_id"`
	Addr         netip.AddrPort `json:"peer"`
	CameraIDs    []uint32       `json:"camera_ids"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
}

type record struct {
	id           string
	addr         netip.AddrPort
	cameras      map[uint32]struct{}
	createdAt    time.Time
	lastActivity time.Time
}

func (r *record) snapshot() Session {
	ids := make([]uint32, 0, len(r.cameras))
	for id := range r.cameras {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return Session{
		ID:           r.id,
		Addr:         r.addr,
		CameraIDs:    ids,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
	}
}

// CameraStatus is the live side of a camera descriptor.
type CameraStatus struct {
	Active         bool
	State          string
	FramesCaptured int64
	CaptureErrors  int64
	ActualFPS      float64
	LastFrameAt    time.Time
}

// StatusFunc reports live status for a camera id.
type StatusFunc func(cameraID uint32) (CameraStatus, bool)

// Registry maps peer addresses to their subscriptions. It is owned by
// the gateway event loop and is not safe for concurrent use; every read
// hands out copies so callers may keep them across loop iterations.
type Registry struct {
	cameras []config.CameraConfig
	known   map[uint32]struct{}
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger

	byAddr map[netip.AddrPort]*record
}

func NewRegistry(cameras []config.CameraConfig, timeout time.Duration, now func() time.Time, logger zerolog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	known := make(map[uint32]struct{}, len(cameras))
	for _, c := range cameras {
		known[c.ID] = struct{}{}
	}
	return &Registry{
		cameras: cameras,
		known:   known,
		timeout: timeout,
		now:     now,
		log:     logger,
		byAddr:  make(map[netip.AddrPort]*record),
	}
}

// Subscribe upserts the session for addr and replaces its camera set
// with the known ids in cameraIDs. An empty list subscribes to every
// configured camera. Unknown ids are returned as rejected.
func (r *Registry) Subscribe(addr netip.AddrPort, cameraIDs []uint32, sessionID string) (confirmed, rejected []uint32) {
	if len(cameraIDs) == 0 {
		for _, c := range r.cameras {
			cameraIDs = append(cameraIDs, c.ID)
		}
	}

	set := make(map[uint32]struct{}, len(cameraIDs))
	for _, id := range cameraIDs {
		if _, ok := r.known[id]; !ok {
			rejected = append(rejected, id)
			continue
		}
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		confirmed = append(confirmed, id)
	}

	now := r.now()
	rec, ok := r.byAddr[addr]
	if !ok {
		rec = &record{addr: addr, createdAt: now}
		r.byAddr[addr] = rec
	}
	rec.id = sessionID
	rec.cameras = set
	rec.lastActivity = now

	r.log.Info().
		Str("session_id", sessionID).
		Str("peer", addr.String()).
		Interface("camera_ids", confirmed).
		Interface("rejected", rejected).
		Msg("Subscribed")
	return confirmed, rejected
}

// Unsubscribe removes the session for addr. It reports whether one
// existed.
func (r *Registry) Unsubscribe(addr netip.AddrPort) bool {
	rec, ok := r.byAddr[addr]
	if !ok {
		return false
	}
	delete(r.byAddr, addr)
	r.log.Info().Str("session_id", rec.id).Str("peer", addr.String()).Msg("Unsubscribed")
	return true
}

// RemoveSession drops every peer bound to sessionID.
func (r *Registry) RemoveSession(sessionID string) int {
	removed := 0
	for addr, rec := range r.byAddr {
		if rec.id == sessionID {
			delete(r.byAddr, addr)
			removed++
		}
	}
	return removed
}

// Touch refreshes the activity time of addr's session.
func (r *Registry) Touch(addr netip.AddrPort) {
	if rec, ok := r.byAddr[addr]; ok {
		rec.lastActivity = r.now()
	}
}

// Lookup returns the session for addr.
func (r *Registry) Lookup(addr netip.AddrPort) (Session, bool) {
	rec, ok := r.byAddr[addr]
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// ActiveSubscribersOf returns the peers currently subscribed to
// cameraID. The result is a copy.
func (r *Registry) ActiveSubscribersOf(cameraID uint32) []Session {
	var out []Session
	now := r.now()
	for _, rec := range r.byAddr {
		if _, ok := rec.cameras[cameraID]; !ok {
			continue
		}
		if r.timeout > 0 && now.Sub(rec.lastActivity) > r.timeout {
			continue
		}
		out = append(out, rec.snapshot())
	}
	return out
}

// Cleanup removes sessions idle for longer than the session timeout and
// returns their addresses.
func (r *Registry) Cleanup() []netip.AddrPort {
	if r.timeout <= 0 {
		return nil
	}
	now := r.now()
	var expired []netip.AddrPort
	for addr, rec := range r.byAddr {
		if now.Sub(rec.lastActivity) > r.timeout {
			delete(r.byAddr, addr)
			expired = append(expired, addr)
		}
	}
	if len(expired) > 0 {
		r.log.Info().Int("expired", len(expired)).Int("remaining", len(r.byAddr)).Msg("Expired subscriptions removed")
	}
	return expired
}

// Len returns the number of subscribed peers.
func (r *Registry) Len() int {
	return len(r.byAddr)
}

// Sessions returns every session, ordered by peer address.
func (r *Registry) Sessions() []Session {
	out := make([]Session, 0, len(r.byAddr))
	for _, rec := range r.byAddr {
		out = append(out, rec.snapshot())
	}
	slices.SortFunc(out, func(a, b Session) int { return a.Addr.Compare(b.Addr) })
	return out
}

// Cameras returns the configured camera table.
func (r *Registry) Cameras() []config.CameraConfig {
	return slices.Clone(r.cameras)
}

// GetSnapshot merges the static camera table with live status.
func (r *Registry) GetSnapshot(status StatusFunc) []protocol.CameraDescriptor {
	out := make([]protocol.CameraDescriptor, 0, len(r.cameras))
	for _, c := range r.cameras {
		d := protocol.CameraDescriptor{
			CameraID: c.ID,
			Name:     c.Name,
			Width:    c.Width,
			Height:   c.Height,
			FPS:      c.FPS,
			Quality:  c.Quality,
			State:    "unknown",
		}
		if status != nil {
			if st, ok := status(c.ID); ok {
				d.IsActive = st.Active
				d.State = st.State
				d.FramesCaptured = st.FramesCaptured
				d.CaptureErrors = st.CaptureErrors
				d.ActualFPS = st.ActualFPS
				if !st.LastFrameAt.IsZero() {
					d.LastFrameAt = protocol.Timestamp(st.LastFrameAt)
				}
			}
		}
		out = append(out, d)
	}
	return out
}
