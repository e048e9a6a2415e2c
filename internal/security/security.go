// Package security signs and verifies gateway envelopes and owns the
// authenticated session table.
//
// A Manager is not safe for concurrent use. The gateway event loop owns
// it exclusively.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"robot-gateway-go/internal/protocol"
)

var (
	ErrBadSignature     = errors.New("bad signature")
	ErrStaleTimestamp   = errors.New("timestamp outside replay window")
	ErrUnknownSession   = errors.New("unknown session")
	ErrSessionExpired   = errors.New("session expired")
	ErrAddressMismatch  = errors.New("session bound to another address")
	ErrInvalidSessionID = errors.New("invalid session id")
)

const (
	DefaultReplayTolerance = 30 * time.Second
	DefaultSessionTimeout  = 300 * time.Second

	maxSessionIDLen = 128
)

// Session is the security-side record of an authenticated peer.
type Session struct {
	ID           string
	Addr         netip.AddrPort
	CreatedAt    time.Time
	LastActivity time.Time
}

// Options configures a Manager. Zero durations take the defaults.
type Options struct {
	Secret          []byte
	ReplayTolerance time.Duration
	SessionTimeout  time.Duration
	Now             func() time.Time
	Logger          zerolog.Logger
}

// Manager implements HMAC signing, the replay window and the session
// table.
type Manager struct {
	secret    []byte
	tolerance time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger

	sessions map[string]*Session
	// expired holds ids evicted by Cleanup. A tombstoned id cannot be
	// re-bound until it has gone unused for a full session timeout.
	expired map[string]time.Time
}

func NewManager(opts Options) *Manager {
	if opts.ReplayTolerance <= 0 {
		opts.ReplayTolerance = DefaultReplayTolerance
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		secret:    opts.Secret,
		tolerance: opts.ReplayTolerance,
		timeout:   opts.SessionTimeout,
		now:       opts.Now,
		log:       opts.Logger,
		sessions:  make(map[string]*Session),
		expired:   make(map[string]time.Time),
	}
}

// Sign returns hex(HMAC-SHA256(secret, "{timestamp}:{payload}")).
func (m *Manager) Sign(timestamp float64, payload []byte) string {
	return Sign(m.secret, timestamp, payload)
}

// Sign is the stateless form of Manager.Sign.
func Sign(secret []byte, timestamp float64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(protocol.SigningInput(timestamp, payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature in constant time and rejects timestamps
// further than the replay tolerance from now, in either direction.
func (m *Manager) Verify(payload []byte, timestamp float64, signature string) error {
	return Verify(m.secret, m.tolerance, m.now(), payload, timestamp, signature)
}

// Verify is the stateless form of Manager.Verify.
func Verify(secret []byte, tolerance time.Duration, now time.Time, payload []byte, timestamp float64, signature string) error {
	if math.IsNaN(timestamp) || math.IsInf(timestamp, 0) {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, timestamp)
	}
	skew := math.Abs(protocol.Timestamp(now) - timestamp)
	if skew > tolerance.Seconds() {
		return fmt.Errorf("%w: skew %.3fs", ErrStaleTimestamp, skew)
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: not hex", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(protocol.SigningInput(timestamp, payload))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// CreateSession registers a new session bound to addr under a random id.
func (m *Manager) CreateSession(addr netip.AddrPort) string {
	id := uuid.NewString()
	m.insert(id, addr)
	return id
}

// Bind validates sessionID for addr, creating it when the client chose
// an id the table has not seen. An empty id creates a fresh session.
// It returns the id in effect.
func (m *Manager) Bind(sessionID string, addr netip.AddrPort) (string, error) {
	if sessionID == "" {
		return m.CreateSession(addr), nil
	}
	if len(sessionID) > maxSessionIDLen {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidSessionID, len(sessionID))
	}
	if _, ok := m.sessions[sessionID]; !ok {
		if err := m.checkTombstone(sessionID); err != nil {
			return "", err
		}
		m.insert(sessionID, addr)
		return sessionID, nil
	}
	if err := m.ValidateSession(sessionID, addr); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (m *Manager) insert(id string, addr netip.AddrPort) {
	now := m.now()
	m.sessions[id] = &Session{ID: id, Addr: addr, CreatedAt: now, LastActivity: now}
	m.log.Debug().Str("session_id", id).Str("peer", addr.String()).Msg("Session created")
}

// ValidateSession requires an existing, unexpired session bound to addr
// and refreshes its activity time.
func (m *Manager) ValidateSession(sessionID string, addr netip.AddrPort) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		if err := m.checkTombstone(sessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	now := m.now()
	if now.Sub(s.LastActivity) > m.timeout {
		return fmt.Errorf("%w: %q idle %s", ErrSessionExpired, sessionID, now.Sub(s.LastActivity).Round(time.Second))
	}
	if s.Addr != addr {
		return fmt.Errorf("%w: %q bound to %s, request from %s", ErrAddressMismatch, sessionID, s.Addr, addr)
	}
	s.LastActivity = now
	return nil
}

// checkTombstone rejects an id evicted by Cleanup. Each rejected use
// restarts the quarantine, so a client that keeps sending an expired id
// stays locked out until it subscribes again under a new one.
func (m *Manager) checkTombstone(sessionID string) error {
	evicted, ok := m.expired[sessionID]
	if !ok {
		return nil
	}
	now := m.now()
	if now.Sub(evicted) > m.timeout {
		delete(m.expired, sessionID)
		return nil
	}
	m.expired[sessionID] = now
	return fmt.Errorf("%w: %q was evicted", ErrSessionExpired, sessionID)
}

// Touch refreshes a session without address checks. Unknown ids are
// ignored.
func (m *Manager) Touch(sessionID string) {
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = m.now()
	}
}

// RemoveSession drops a session. It is idempotent. Unlike Cleanup it
// leaves no tombstone, so an unsubscribed id may be bound again.
func (m *Manager) RemoveSession(sessionID string) {
	delete(m.sessions, sessionID)
}

// Session returns a copy of the session record.
func (m *Manager) Session(sessionID string) (Session, bool) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return len(m.sessions)
}

// Cleanup evicts every session idle for longer than the session timeout
// and returns the evicted ids. Evicted ids are tombstoned; tombstones
// unused for a further timeout are dropped.
func (m *Manager) Cleanup() []string {
	now := m.now()
	var expired []string
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity) > m.timeout {
			expired = append(expired, id)
			delete(m.sessions, id)
			m.expired[id] = now
		}
	}
	for id, evicted := range m.expired {
		if now.Sub(evicted) > m.timeout {
			delete(m.expired, id)
		}
	}
	if len(expired) > 0 {
		m.log.Info().Int("expired", len(expired)).Int("remaining", len(m.sessions)).Msg("Expired sessions removed")
	}
	return expired
}
