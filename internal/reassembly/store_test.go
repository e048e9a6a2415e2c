package reassembly

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/protocol"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func newTestStore(clock *fakeClock) *Store {
	return NewStore(Options{Timeout: 10 * time.Second, Now: clock.Now, Logger: zerolog.Nop()})
}

func frag(id string, index, total uint16, chunk string) protocol.Fragment {
	return protocol.Fragment{ID: id, Index: index, Total: total, Chunk: []byte(chunk)}
}

func TestAddFragmentOutOfOrder(t *testing.T) {
	s := newTestStore(&fakeClock{t: time.Unix(0, 0)})

	for _, f := range []protocol.Fragment{
		frag("aaaaaaaa", 2, 3, "cc"),
		frag("aaaaaaaa", 0, 3, "aa"),
	} {
		if _, ok := s.AddFragment(f); ok {
			t.Fatalf("completed early on index %d", f.Index)
		}
	}
	msg, ok := s.AddFragment(frag("aaaaaaaa", 1, 3, "bb"))
	if !ok {
		t.Fatal("message not completed")
	}
	if string(msg) != "aabbcc" {
		t.Errorf("msg = %q", msg)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d after completion", s.Pending())
	}
}

func TestAddFragmentDuplicate(t *testing.T) {
	s := newTestStore(&fakeClock{t: time.Unix(0, 0)})

	s.AddFragment(frag("dupdupdu", 0, 2, "first"))
	if _, ok := s.AddFragment(frag("dupdupdu", 0, 2, "again")); ok {
		t.Fatal("duplicate index completed the message")
	}
	msg, ok := s.AddFragment(frag("dupdupdu", 1, 2, "-second"))
	if !ok {
		t.Fatal("message not completed")
	}
	if string(msg) != "first-second" {
		t.Errorf("msg = %q, duplicate overwrote the original chunk", msg)
	}
}

func TestAddFragmentCopiesChunk(t *testing.T) {
	s := newTestStore(&fakeClock{t: time.Unix(0, 0)})
	buf := []byte("xy")
	s.AddFragment(protocol.Fragment{ID: "copycopy", Index: 0, Total: 2, Chunk: buf})
	buf[0], buf[1] = 'Q', 'Q'

	msg, ok := s.AddFragment(frag("copycopy", 1, 2, "z"))
	if !ok || !bytes.Equal(msg, []byte("xyz")) {
		t.Errorf("msg = %q, %v", msg, ok)
	}
}

func TestAddFragmentTotalMismatch(t *testing.T) {
	s := newTestStore(&fakeClock{t: time.Unix(0, 0)})
	s.AddFragment(frag("mismatch", 0, 2, "a"))
	if _, ok := s.AddFragment(frag("mismatch", 1, 3, "b")); ok {
		t.Fatal("mismatched total completed a message")
	}
	if got := s.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d", got)
	}
}

func TestPartialMessageExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := newTestStore(clock)

	s.AddFragment(frag("partial1", 0, 3, "a"))
	s.AddFragment(frag("partial1", 2, 3, "c"))

	clock.t = clock.t.Add(10 * time.Second)
	if n := s.CleanupExpired(); n != 0 {
		t.Fatalf("reaped %d entries at exactly the timeout", n)
	}
	clock.t = clock.t.Add(time.Second)
	if n := s.CleanupExpired(); n != 1 {
		t.Fatalf("CleanupExpired = %d, want 1", n)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d", s.Pending())
	}

	// A late fragment starts a new entry rather than completing the old one.
	if _, ok := s.AddFragment(frag("partial1", 1, 3, "b")); ok {
		t.Error("late fragment completed an evicted message")
	}
	if st := s.Stats(); st.Evicted != 1 || st.Pending != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestStoreLimits(t *testing.T) {
	newStore := func() *Store {
		return NewStore(Options{
			MaxMessageBytes:  8,
			MaxFragments:     4,
			MaxPending:       2,
			MaxBufferedBytes: 10,
			Now:              (&fakeClock{t: time.Unix(0, 0)}).Now,
			Logger:           zerolog.Nop(),
		})
	}

	tests := []struct {
		name        string
		frags       []protocol.Fragment
		wantPending int
		wantDropped int64
	}{
		{
			name:        "total over fragment cap",
			frags:       []protocol.Fragment{frag("bigtotal", 0, 5, "a")},
			wantDropped: 1,
		},
		{
			name:        "index out of range",
			frags:       []protocol.Fragment{frag("badindex", 3, 3, "a")},
			wantDropped: 1,
		},
		{
			name: "pending cap",
			frags: []protocol.Fragment{
				frag("pending1", 0, 2, "a"),
				frag("pending2", 0, 2, "a"),
				frag("pending3", 0, 2, "a"),
			},
			wantPending: 2,
			wantDropped: 1,
		},
		{
			name: "message size cap discards the entry",
			frags: []protocol.Fragment{
				frag("oversize", 0, 3, "aaaaa"),
				frag("oversize", 1, 3, "bbbbb"),
			},
			wantDropped: 1,
		},
		{
			name: "buffered bytes cap",
			frags: []protocol.Fragment{
				frag("buffer01", 0, 2, "aaaaaa"),
				frag("buffer02", 0, 2, "bbbbbb"),
			},
			wantPending: 1,
			wantDropped: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			for _, f := range tt.frags {
				if _, ok := s.AddFragment(f); ok {
					t.Fatalf("fragment %s/%d completed a message", f.ID, f.Index)
				}
			}
			st := s.Stats()
			if st.Pending != tt.wantPending || st.Dropped != tt.wantDropped {
				t.Errorf("Stats = %+v, want pending %d dropped %d", st, tt.wantPending, tt.wantDropped)
			}
		})
	}
}

func TestClaimedTotalDoesNotReserveMemory(t *testing.T) {
	s := NewStore(Options{Now: (&fakeClock{t: time.Unix(0, 0)}).Now, Logger: zerolog.Nop()})

	for i := range 200 {
		id := fmt.Sprintf("flood%03d", i)
		s.AddFragment(protocol.Fragment{ID: id, Index: 0, Total: protocol.MaxFragments, Chunk: []byte("x")})
	}
	st := s.Stats()
	if st.Pending != 0 || st.Dropped != 200 || st.Buffered != 0 {
		t.Errorf("Stats = %+v, want every oversized total dropped", st)
	}
}

func TestBufferedBytesReleased(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s := newTestStore(clock)

	s.AddFragment(frag("release1", 0, 2, "abc"))
	s.AddFragment(frag("release2", 0, 2, "de"))
	if got := s.Stats().Buffered; got != 5 {
		t.Fatalf("Buffered = %d, want 5", got)
	}
	if _, ok := s.AddFragment(frag("release1", 1, 2, "f")); !ok {
		t.Fatal("message not completed")
	}
	if got := s.Stats().Buffered; got != 2 {
		t.Errorf("Buffered after completion = %d, want 2", got)
	}
	clock.t = clock.t.Add(11 * time.Second)
	s.CleanupExpired()
	if got := s.Stats().Buffered; got != 0 {
		t.Errorf("Buffered after expiry = %d, want 0", got)
	}
}
