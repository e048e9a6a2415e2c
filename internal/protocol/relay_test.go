package protocol

import (
	"errors"
	"testing"
)

type prefixSigner string

func (p prefixSigner) Sign(ts float64, data []byte) string {
	return string(p) + string(SigningInput(ts, data))
}

func TestRelayPacket(t *testing.T) {
	body := []byte{0x00, 0xFF, 'x'}
	packet, err := EncodeRelayPacket(RelayHeader{SourceID: "robot", TargetID: "op", Type: "video"}, body, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	hdr, got, err := ParseRelayPacket(packet)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.SourceID != "robot" || hdr.TargetID != "op" || hdr.Type != "video" || hdr.Timestamp != nil {
		t.Errorf("hdr = %+v", hdr)
	}
	if string(got) != string(body) {
		t.Errorf("body = %q", got)
	}

	signed, err := EncodeRelayPacket(RelayHeader{SourceID: "robot"}, body, prefixSigner("k:"), 12.5)
	if err != nil {
		t.Fatal(err)
	}
	hdr, _, err = ParseRelayPacket(signed)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Timestamp == nil || *hdr.Timestamp != 12.5 || hdr.Signature != "k:"+string(SigningInput(12.5, body)) {
		t.Errorf("signed hdr = %+v", hdr)
	}
}

func TestRelayPacketMalformed(t *testing.T) {
	noSource, _ := EncodeRelayPacket(RelayHeader{TargetID: "op"}, nil, nil, 0)
	for name, packet := range map[string][]byte{
		"short":     {0x01},
		"truncated": {0x00, 0x10, '{'},
		"not json":  {0x00, 0x02, 'h', 'i'},
		"no source": noSource,
	} {
		if _, _, err := ParseRelayPacket(packet); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}
