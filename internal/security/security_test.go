package security

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/protocol"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(clock *fakeClock) *Manager {
	return NewManager(Options{
		Secret:          []byte("test-secret"),
		ReplayTolerance: 30 * time.Second,
		SessionTimeout:  300 * time.Second,
		Now:             clock.Now,
		Logger:          zerolog.Nop(),
	})
}

var (
	peerA = netip.MustParseAddrPort("10.0.0.1:4000")
	peerB = netip.MustParseAddrPort("10.0.0.2:4000")
)

func TestSignVerify(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(clock)
	data := []byte(`{"request_type":"get_camera_list"}`)
	ts := protocol.Timestamp(clock.Now())

	sig := m.Sign(ts, data)
	if err := m.Verify(data, ts, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := m.Verify([]byte(`{"request_type":"subscribe"}`), ts, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered payload err = %v", err)
	}
	if err := m.Verify(data, ts, "zz"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("non-hex signature err = %v", err)
	}
	other := NewManager(Options{Secret: []byte("other"), Now: clock.Now})
	if err := other.Verify(data, ts, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong secret err = %v", err)
	}
}

func TestReplayWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(clock)
	data := []byte(`{}`)
	now := protocol.Timestamp(clock.Now())

	tests := []struct {
		name    string
		ts      float64
		wantErr error
	}{
		{"inside window", now - 29, nil},
		{"just outside window", now - 31, ErrStaleTimestamp},
		{"future inside window", now + 29, nil},
		{"future outside window", now + 31, ErrStaleTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Verify(data, tt.ts, m.Sign(tt.ts, data))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(clock)

	id := m.CreateSession(peerA)
	if id == "" {
		t.Fatal("empty session id")
	}
	if err := m.ValidateSession(id, peerA); err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if err := m.ValidateSession(id, peerB); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("other address err = %v", err)
	}
	if err := m.ValidateSession("nope", peerA); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("unknown session err = %v", err)
	}

	clock.Advance(200 * time.Second)
	if err := m.ValidateSession(id, peerA); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	clock.Advance(200 * time.Second)
	if expired := m.Cleanup(); len(expired) != 0 {
		t.Fatalf("session refreshed 200s ago expired: %v", expired)
	}

	clock.Advance(101 * time.Second)
	if err := m.ValidateSession(id, peerA); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expired session err = %v", err)
	}
	expired := m.Cleanup()
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("Cleanup = %v", expired)
	}
	if err := m.ValidateSession(id, peerA); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("after cleanup err = %v", err)
	}
}

func TestBindRejectsEvictedSession(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(clock)

	if _, err := m.Bind("s1", peerA); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	clock.Advance(301 * time.Second)
	if expired := m.Cleanup(); len(expired) != 1 {
		t.Fatalf("Cleanup = %v", expired)
	}

	if _, err := m.Bind("s1", peerA); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Bind after eviction err = %v", err)
	}
	if _, ok := m.Session("s1"); ok {
		t.Fatal("evicted id was recreated")
	}

	// Retrying keeps the id quarantined.
	clock.Advance(200 * time.Second)
	if _, err := m.Bind("s1", peerA); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("retry err = %v", err)
	}

	clock.Advance(301 * time.Second)
	m.Cleanup()
	if _, err := m.Bind("s1", peerA); err != nil {
		t.Fatalf("Bind after quarantine: %v", err)
	}

	m.RemoveSession("s1")
	if _, err := m.Bind("s1", peerA); err != nil {
		t.Fatalf("Bind after RemoveSession: %v", err)
	}
}

func TestBind(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(clock)

	id, err := m.Bind("s1", peerA)
	if err != nil || id != "s1" {
		t.Fatalf("Bind new = %q, %v", id, err)
	}
	if _, err := m.Bind("s1", peerA); err != nil {
		t.Fatalf("Bind existing: %v", err)
	}
	if _, err := m.Bind("s1", peerB); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("Bind hijack err = %v", err)
	}
	fresh, err := m.Bind("", peerB)
	if err != nil || fresh == "" || fresh == "s1" {
		t.Errorf("Bind empty = %q, %v", fresh, err)
	}
	long := make([]byte, maxSessionIDLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := m.Bind(string(long), peerA); !errors.Is(err, ErrInvalidSessionID) {
		t.Errorf("long id err = %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}

	m.RemoveSession("s1")
	m.RemoveSession("s1")
	if _, ok := m.Session("s1"); ok {
		t.Error("session still present after RemoveSession")
	}
}
