// Package reassembly buffers in-flight fragmented messages until every
// fragment has arrived or the entry times out.
//
// Fragments arrive before any signature can be checked, so the store
// never trusts the claimed total: chunks are kept per index as they
// arrive and every entry, and the store as a whole, is capped.
package reassembly

import (
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/protocol"
)

const (
	// DefaultTimeout bounds how long a partial message is kept.
	DefaultTimeout = 10 * time.Second

	DefaultMaxMessageBytes  = 1 << 20
	DefaultMaxFragments     = 4096
	DefaultMaxPending       = 256
	DefaultMaxBufferedBytes = 16 << 20
)

// Options configures a Store. Zero values take the defaults.
type Options struct {
	Timeout time.Duration
	// MaxMessageBytes caps one reassembled message.
	MaxMessageBytes int
	// MaxFragments caps the total a fragment may claim.
	MaxFragments int
	// MaxPending caps the number of partial messages held at once.
	MaxPending int
	// MaxBufferedBytes caps the chunk bytes held across all entries.
	MaxBufferedBytes int

	Now    func() time.Time
	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.MaxFragments <= 0 || o.MaxFragments > protocol.MaxFragments {
		o.MaxFragments = min(DefaultMaxFragments, protocol.MaxFragments)
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.MaxBufferedBytes <= 0 {
		o.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	total     uint16
	chunks    map[uint16][]byte
	size      int
	createdAt time.Time
}

// Store is owned by the gateway event loop and is not safe for
// concurrent use.
type Store struct {
	opts Options
	log  zerolog.Logger

	entries  map[string]*entry
	buffered int

	completed int64
	evicted   int64
	dropped   int64
}

// Stats are cumulative store counters.
type Stats struct {
	Pending   int   `json:"pending"`
	Buffered  int   `json:"buffered_bytes"`
	Completed int64 `json:"completed"`
	Evicted   int64 `json:"evicted"`
	Dropped   int64 `json:"dropped"`
}

func NewStore(opts Options) *Store {
	opts.applyDefaults()
	return &Store{
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[string]*entry),
	}
}

// AddFragment stores f and returns the reassembled message once every
// index of its fragment id has been seen. Duplicate indices are ignored.
// A fragment whose total disagrees with the entry's is dropped, as is
// any fragment that would push a message or the store past its caps.
func (s *Store) AddFragment(f protocol.Fragment) ([]byte, bool) {
	if f.Total == 0 || f.Index >= f.Total {
		return s.drop(f, "fragment index out of range")
	}
	if int(f.Total) > s.opts.MaxFragments {
		return s.drop(f, "fragment total over limit")
	}

	e, ok := s.entries[f.ID]
	if !ok {
		if len(s.entries) >= s.opts.MaxPending {
			return s.drop(f, "too many partial messages")
		}
		e = &entry{
			total:     f.Total,
			chunks:    make(map[uint16][]byte),
			createdAt: s.opts.Now(),
		}
	}
	if e.total != f.Total {
		s.log.Debug().
			Str("fragment_id", f.ID).
			Uint16("expected_total", e.total).
			Uint16("total", f.Total).
			Msg("Fragment total mismatch, dropping")
		s.dropped++
		return nil, false
	}
	if _, dup := e.chunks[f.Index]; dup {
		return nil, false
	}
	if e.size+len(f.Chunk) > s.opts.MaxMessageBytes {
		if ok {
			s.discard(f.ID, e)
		}
		return s.drop(f, "message over size limit")
	}
	if s.buffered+len(f.Chunk) > s.opts.MaxBufferedBytes {
		return s.drop(f, "reassembly buffer full")
	}

	// The datagram buffer is reused by the reader.
	chunk := make([]byte, len(f.Chunk))
	copy(chunk, f.Chunk)
	e.chunks[f.Index] = chunk
	e.size += len(chunk)
	s.buffered += len(chunk)
	if !ok {
		s.entries[f.ID] = e
	}

	if len(e.chunks) < int(e.total) {
		return nil, false
	}

	s.discard(f.ID, e)
	s.completed++
	msg := make([]byte, 0, e.size)
	for i := range e.total {
		msg = append(msg, e.chunks[i]...)
	}
	return msg, true
}

func (s *Store) drop(f protocol.Fragment, reason string) ([]byte, bool) {
	s.dropped++
	s.log.Debug().
		Str("fragment_id", f.ID).
		Uint16("index", f.Index).
		Uint16("total", f.Total).
		Int("pending", len(s.entries)).
		Int("buffered_bytes", s.buffered).
		Str("reason", reason).
		Msg("Dropping fragment")
	return nil, false
}

func (s *Store) discard(id string, e *entry) {
	delete(s.entries, id)
	s.buffered -= e.size
}

// CleanupExpired drops entries older than the timeout and returns how
// many were removed.
func (s *Store) CleanupExpired() int {
	now := s.opts.Now()
	removed := 0
	for id, e := range s.entries {
		age := now.Sub(e.createdAt)
		if age <= s.opts.Timeout {
			continue
		}
		s.discard(id, e)
		removed++
		s.log.Warn().
			Str("fragment_id", id).
			Int("received", len(e.chunks)).
			Uint16("total", e.total).
			Dur("age", age).
			Msg("Incomplete message expired")
	}
	s.evicted += int64(removed)
	return removed
}

// Pending returns the number of partially received messages.
func (s *Store) Pending() int {
	return len(s.entries)
}

func (s *Store) Stats() Stats {
	return Stats{
		Pending:   len(s.entries),
		Buffered:  s.buffered,
		Completed: s.completed,
		Evicted:   s.evicted,
		Dropped:   s.dropped,
	}
}
