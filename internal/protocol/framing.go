// Package protocol implements the gateway wire format: the signed JSON
// envelope, size-based fragmentation over UDP and the binary camera
// frame fast path. All multi-byte integers are big-endian.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// DefaultMTUBudget is the largest datagram the codec emits.
	DefaultMTUBudget = 1400

	// FragmentIDLen is the length of the opaque ASCII fragment id.
	FragmentIDLen = 8

	// MaxFragments bounds a single message (total is a u16 on the wire).
	MaxFragments = 0xFFFF

	lengthPrefixSize = 2

	// 0xFE | frag_id(8) | index(2) | total(2) | length(2)
	binaryFragmentHeaderSize = 1 + FragmentIDLen + 2 + 2 + 2
)

// Leading markers of the binary fast path. A JSON packet starts with a
// big-endian header length that never reaches 0xFE00.
const (
	MagicBinaryFragment byte = 0xFE
	MagicBinaryFrame    byte = 0xFF
)

var (
	// ErrMalformed covers bad length prefixes, truncated payloads and
	// undecodable headers or bodies.
	ErrMalformed = errors.New("malformed packet")

	// ErrTooLarge is returned when a message needs more than MaxFragments.
	ErrTooLarge = errors.New("message too large to fragment")
)

// Fragment is one slice of a message too large for a single datagram.
type Fragment struct {
	ID    string
	Index uint16
	Total uint16
	Chunk []byte
}

// IsLast reports whether f carries the final slice of its message.
func (f Fragment) IsLast() bool {
	return f.Index == f.Total-1
}

// FragmentStore buffers fragments until every index of a message arrived.
type FragmentStore interface {
	AddFragment(f Fragment) ([]byte, bool)
}

type fragmentHeader struct {
	FragmentID     string `json:"fragment_id"`
	FragmentIndex  uint16 `json:"fragment_index"`
	TotalFragments uint16 `json:"total_fragments"`
	IsLast         bool   `json:"is_last"`
}

// Codec splits outbound messages into MTU-sized datagrams and turns
// inbound datagrams back into complete messages.
type Codec struct {
	budget int
	store  FragmentStore
	newID  func() (string, error)
}

// NewCodec returns a codec emitting datagrams of at most mtuBudget bytes.
// store receives inbound fragments; it may be nil for encode-only use.
func NewCodec(mtuBudget int, store FragmentStore) *Codec {
	if mtuBudget <= 0 {
		mtuBudget = DefaultMTUBudget
	}
	return &Codec{
		budget: mtuBudget,
		store:  store,
		newID:  NewFragmentID,
	}
}

// Budget returns the maximum datagram size.
func (c *Codec) Budget() int {
	return c.budget
}

// NewFragmentID returns a fresh random 8-character fragment id.
func NewFragmentID() (string, error) {
	var b [FragmentIDLen / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate fragment id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// maxJSONFragmentHeader is the widest encoded fragment header.
var maxJSONFragmentHeader = func() int {
	hdr, _ := json.Marshal(fragmentHeader{
		FragmentID:     "00000000",
		FragmentIndex:  MaxFragments,
		TotalFragments: MaxFragments,
		IsLast:         false,
	})
	return len(hdr)
}()

// ChunkSize is the payload carried by one JSON fragment datagram.
func (c *Codec) ChunkSize() int {
	return c.budget - lengthPrefixSize - maxJSONFragmentHeader
}

// BinaryChunkSize is the payload carried by one binary fragment datagram.
func (c *Codec) BinaryChunkSize() int {
	return c.budget - binaryFragmentHeaderSize
}

// Encode returns data as a single datagram when it fits the budget,
// otherwise as JSON-framed fragments sharing a fresh fragment id. Data
// that Decode would mistake for a fragment is always sent fragmented,
// so every payload round-trips.
func (c *Codec) Encode(data []byte) ([][]byte, error) {
	if len(data) <= c.budget && sendsWhole(data) {
		return [][]byte{data}, nil
	}

	chunks, id, err := c.split(data, c.ChunkSize())
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(chunks))
	total := uint16(len(chunks))
	for i, chunk := range chunks {
		hdr, err := json.Marshal(fragmentHeader{
			FragmentID:     id,
			FragmentIndex:  uint16(i),
			TotalFragments: total,
			IsLast:         i == len(chunks)-1,
		})
		if err != nil {
			return nil, fmt.Errorf("encode fragment header: %w", err)
		}
		dgram := make([]byte, lengthPrefixSize+len(hdr)+len(chunk))
		binary.BigEndian.PutUint16(dgram, uint16(len(hdr)))
		copy(dgram[lengthPrefixSize:], hdr)
		copy(dgram[lengthPrefixSize+len(hdr):], chunk)
		out = append(out, dgram)
	}
	return out, nil
}

// EncodeBinary is Encode for the binary fast path: oversized or
// ambiguous data is split into 0xFE fragments.
func (c *Codec) EncodeBinary(data []byte) ([][]byte, error) {
	if len(data) <= c.budget && sendsWhole(data) {
		return [][]byte{data}, nil
	}

	chunks, id, err := c.split(data, c.BinaryChunkSize())
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(chunks))
	for i, chunk := range chunks {
		out = append(out, EncodeBinaryFragment(Fragment{
			ID:    id,
			Index: uint16(i),
			Total: uint16(len(chunks)),
			Chunk: chunk,
		}))
	}
	return out, nil
}

// sendsWhole reports whether data can travel as one unframed datagram:
// a leading 0xFE or a fragment-shaped JSON header would be misread.
func sendsWhole(data []byte) bool {
	_, isFragment, err := ParseFragment(data)
	return !isFragment && err == nil
}

func (c *Codec) split(data []byte, chunkSize int) ([][]byte, string, error) {
	if chunkSize <= 0 {
		return nil, "", fmt.Errorf("mtu budget %d leaves no room for fragment payload", c.budget)
	}
	total := (len(data) + chunkSize - 1) / chunkSize
	if total > MaxFragments {
		return nil, "", fmt.Errorf("%w: %d bytes need %d fragments", ErrTooLarge, len(data), total)
	}
	id, err := c.newID()
	if err != nil {
		return nil, "", err
	}

	chunks := make([][]byte, 0, total)
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks, id, nil
}

// Decode returns the complete message carried by datagram. Fragments
// are handed to the store and only yield a message once reassembled.
// Unfragmented datagrams are returned unchanged.
func (c *Codec) Decode(datagram []byte) ([]byte, bool, error) {
	frag, isFragment, err := ParseFragment(datagram)
	if err != nil {
		return nil, false, err
	}
	if !isFragment {
		return datagram, true, nil
	}
	if c.store == nil {
		return nil, false, fmt.Errorf("%w: fragment received without a reassembly store", ErrMalformed)
	}
	msg, ok := c.store.AddFragment(frag)
	return msg, ok, nil
}

// ParseFragment recognises both fragment encodings. It reports false
// without error for datagrams that are not fragments.
func ParseFragment(datagram []byte) (Fragment, bool, error) {
	if len(datagram) == 0 {
		return Fragment{}, false, nil
	}
	if datagram[0] == MagicBinaryFragment {
		f, err := DecodeBinaryFragment(datagram)
		return f, err == nil, err
	}
	if datagram[0] == MagicBinaryFrame {
		return Fragment{}, false, nil
	}

	hdrBytes, rest, ok := splitLengthPrefixed(datagram)
	if !ok {
		return Fragment{}, false, nil
	}
	var hdr fragmentHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil || hdr.FragmentID == "" {
		return Fragment{}, false, nil
	}

	f := Fragment{
		ID:    hdr.FragmentID,
		Index: hdr.FragmentIndex,
		Total: hdr.TotalFragments,
		Chunk: rest,
	}
	if err := f.validate(); err != nil {
		return Fragment{}, false, err
	}
	return f, true, nil
}

func (f Fragment) validate() error {
	if len(f.ID) != FragmentIDLen {
		return fmt.Errorf("%w: fragment id %q", ErrMalformed, f.ID)
	}
	if f.Total == 0 || f.Index >= f.Total {
		return fmt.Errorf("%w: fragment index %d of %d", ErrMalformed, f.Index, f.Total)
	}
	return nil
}

// EncodeBinaryFragment writes 0xFE | frag_id | index | total | length | chunk.
func EncodeBinaryFragment(f Fragment) []byte {
	out := make([]byte, binaryFragmentHeaderSize+len(f.Chunk))
	out[0] = MagicBinaryFragment
	copy(out[1:1+FragmentIDLen], f.ID)
	off := 1 + FragmentIDLen
	binary.BigEndian.PutUint16(out[off:], f.Index)
	binary.BigEndian.PutUint16(out[off+2:], f.Total)
	binary.BigEndian.PutUint16(out[off+4:], uint16(len(f.Chunk)))
	copy(out[binaryFragmentHeaderSize:], f.Chunk)
	return out
}

// DecodeBinaryFragment parses a 0xFE datagram.
func DecodeBinaryFragment(datagram []byte) (Fragment, error) {
	if len(datagram) < binaryFragmentHeaderSize || datagram[0] != MagicBinaryFragment {
		return Fragment{}, fmt.Errorf("%w: short binary fragment (%d bytes)", ErrMalformed, len(datagram))
	}
	off := 1 + FragmentIDLen
	f := Fragment{
		ID:    string(datagram[1:off]),
		Index: binary.BigEndian.Uint16(datagram[off:]),
		Total: binary.BigEndian.Uint16(datagram[off+2:]),
	}
	length := int(binary.BigEndian.Uint16(datagram[off+4:]))
	if len(datagram)-binaryFragmentHeaderSize < length {
		return Fragment{}, fmt.Errorf("%w: binary fragment truncated, want %d bytes", ErrMalformed, length)
	}
	f.Chunk = datagram[binaryFragmentHeaderSize : binaryFragmentHeaderSize+length]
	if err := f.validate(); err != nil {
		return Fragment{}, err
	}
	return f, nil
}

// splitLengthPrefixed returns the header and the remaining bytes of a
// [2-byte header_len][header][rest] datagram.
func splitLengthPrefixed(datagram []byte) (header, rest []byte, ok bool) {
	if len(datagram) < lengthPrefixSize {
		return nil, nil, false
	}
	n := int(binary.BigEndian.Uint16(datagram))
	if n == 0 || len(datagram)-lengthPrefixSize < n {
		return nil, nil, false
	}
	return datagram[lengthPrefixSize : lengthPrefixSize+n], datagram[lengthPrefixSize+n:], true
}
