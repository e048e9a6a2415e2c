package protocol

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
)

// mapStore is a minimal FragmentStore for codec tests.
type mapStore struct {
	parts map[string]map[uint16][]byte
}

func newMapStore() *mapStore {
	return &mapStore{parts: make(map[string]map[uint16][]byte)}
}

func (s *mapStore) AddFragment(f Fragment) ([]byte, bool) {
	m, ok := s.parts[f.ID]
	if !ok {
		m = make(map[uint16][]byte)
		s.parts[f.ID] = m
	}
	m[f.Index] = append([]byte(nil), f.Chunk...)
	if len(m) < int(f.Total) {
		return nil, false
	}
	var out []byte
	for i := uint16(0); i < f.Total; i++ {
		out = append(out, m[i]...)
	}
	delete(s.parts, f.ID)
	return out, true
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return b
}

func TestCodecRoundTripAnyOrder(t *testing.T) {
	const mtu = DefaultMTUBudget
	sizes := []int{0, 1, mtu - 1, mtu, mtu + 1, 10 * mtu}

	for _, binaryPath := range []bool{false, true} {
		for _, n := range sizes {
			store := newMapStore()
			codec := NewCodec(mtu, store)
			data := payload(n)

			var (
				dgrams [][]byte
				err    error
			)
			if binaryPath {
				dgrams, err = codec.EncodeBinary(data)
			} else {
				dgrams, err = codec.Encode(data)
			}
			if err != nil {
				t.Fatalf("encode %d bytes: %v", n, err)
			}
			for _, d := range dgrams {
				if len(d) > mtu {
					t.Fatalf("datagram of %d bytes exceeds budget %d", len(d), mtu)
				}
			}
			if n <= mtu && len(dgrams) != 1 {
				t.Fatalf("%d bytes produced %d datagrams, want 1", n, len(dgrams))
			}

			rand.Shuffle(len(dgrams), func(i, j int) { dgrams[i], dgrams[j] = dgrams[j], dgrams[i] })

			var got []byte
			completed := 0
			for _, d := range dgrams {
				msg, ok, err := codec.Decode(d)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				if ok {
					got = msg
					completed++
				}
			}
			if completed != 1 {
				t.Fatalf("binary=%v size=%d: %d completions, want 1", binaryPath, n, completed)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("binary=%v size=%d: round trip mismatch", binaryPath, n)
			}
		}
	}
}

func roundTrip(t *testing.T, codec *Codec, data []byte, binaryPath bool) {
	t.Helper()
	var (
		dgrams [][]byte
		err    error
	)
	if binaryPath {
		dgrams, err = codec.EncodeBinary(data)
	} else {
		dgrams, err = codec.Encode(data)
	}
	if err != nil {
		t.Fatalf("encode %d bytes: %v", len(data), err)
	}
	var got []byte
	completed := 0
	for _, d := range dgrams {
		if len(d) > codec.Budget() {
			t.Fatalf("datagram of %d bytes exceeds budget", len(d))
		}
		msg, ok, err := codec.Decode(d)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ok {
			got = msg
			completed++
		}
	}
	if completed != 1 || !bytes.Equal(got, data) {
		t.Fatalf("binary=%v: %d completions, round trip equal=%v", binaryPath, completed, bytes.Equal(got, data))
	}
}

func TestCodecRoundTripArbitraryBytes(t *testing.T) {
	const mtu = 512
	rng := rand.New(rand.NewPCG(7, 11))

	random := func(n int, first byte) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(rng.UintN(256))
		}
		if n > 0 {
			b[0] = first
		}
		return b
	}

	// A datagram produced by fragmenting something else, reused as a payload.
	other, err := NewCodec(mtu, nil).Encode(payload(3 * mtu))
	if err != nil {
		t.Fatal(err)
	}
	binOther, err := NewCodec(mtu, nil).EncodeBinary(payload(3 * mtu))
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"leading 0xFE short":     {MagicBinaryFragment, 1, 2},
		"leading 0xFE full":      random(mtu-1, MagicBinaryFragment),
		"leading 0xFF":           random(mtu, MagicBinaryFrame),
		"json fragment datagram": other[0],
		"binary fragment":        binOther[1],
		"random at budget":       random(mtu, byte(rng.UintN(256))),
		"random oversized":       random(5*mtu+3, MagicBinaryFragment),
	}
	for i := range 50 {
		cases["random "+string(rune('A'+i%26))+string(rune('a'+i/26))] = random(1+rng.IntN(3*mtu), byte(rng.UintN(256)))
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			for _, binaryPath := range []bool{false, true} {
				roundTrip(t, NewCodec(mtu, newMapStore()), data, binaryPath)
			}
		})
	}
}

func TestCodecFragmentsCarryHeader(t *testing.T) {
	codec := NewCodec(DefaultMTUBudget, nil)
	dgrams, err := codec.Encode(payload(3 * DefaultMTUBudget))
	if err != nil {
		t.Fatal(err)
	}
	if len(dgrams) < 3 {
		t.Fatalf("got %d fragments", len(dgrams))
	}

	var id string
	for i, d := range dgrams {
		f, ok, err := ParseFragment(d)
		if err != nil || !ok {
			t.Fatalf("fragment %d not recognised: ok=%v err=%v", i, ok, err)
		}
		if id == "" {
			id = f.ID
		}
		if f.ID != id || len(f.ID) != FragmentIDLen {
			t.Errorf("fragment %d id %q, want %q", i, f.ID, id)
		}
		if int(f.Index) != i || int(f.Total) != len(dgrams) {
			t.Errorf("fragment %d header index=%d total=%d", i, f.Index, f.Total)
		}
		if f.IsLast() != (i == len(dgrams)-1) {
			t.Errorf("fragment %d IsLast=%v", i, f.IsLast())
		}
	}
}

func TestParseFragmentRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name  string
		frag  Fragment
		trunc int
	}{
		{"index out of range", Fragment{ID: "abcdefgh", Index: 3, Total: 3, Chunk: []byte("x")}, 0},
		{"zero total", Fragment{ID: "abcdefgh", Index: 0, Total: 0, Chunk: []byte("x")}, 0},
		{"short id", Fragment{ID: "abc", Index: 0, Total: 1, Chunk: []byte("x")}, 0},
		{"truncated chunk", Fragment{ID: "abcdefgh", Index: 0, Total: 2, Chunk: []byte("xyz")}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := EncodeBinaryFragment(tt.frag)
			d = d[:len(d)-tt.trunc]
			if _, _, err := ParseFragment(d); !errors.Is(err, ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeFragmentWithoutStore(t *testing.T) {
	codec := NewCodec(DefaultMTUBudget, nil)
	d := EncodeBinaryFragment(Fragment{ID: "abcdefgh", Index: 0, Total: 2, Chunk: []byte("x")})
	if _, _, err := codec.Decode(d); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	codec := NewCodec(64, nil)
	chunk := codec.BinaryChunkSize()
	if _, err := codec.EncodeBinary(make([]byte, chunk*(MaxFragments+1))); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}
