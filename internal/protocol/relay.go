package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// RelayServerID is the reserved id of the relay node itself. Packets
// from it are never learned and packets to it are never forwarded.
const RelayServerID = "server"

// Relay message types the relay node acts on. Every other type is
// forwarded without inspection.
const (
	RelayRegisterRequest  = "RegisterClientRequest"
	RelayRegisterResponse = "RegisterClientResponse"
)

// RelayHeader is the routing header of a relay wrapper. Timestamp and
// Signature are only present when the sender signs its packets.
type RelayHeader struct {
	SourceID  string   `json:"source_id"`
	TargetID  string   `json:"target_id,omitempty"`
	Type      string   `json:"type,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`
	Signature string   `json:"signature,omitempty"`
}

// RegisterClientResponse is the body of the relay's register ack.
type RegisterClientResponse struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}

// ParseRelayPacket splits a [2-byte header_len][header JSON][body]
// wrapper. The body is returned as a sub-slice of packet.
func ParseRelayPacket(packet []byte) (RelayHeader, []byte, error) {
	hdrBytes, body, ok := splitLengthPrefixed(packet)
	if !ok {
		return RelayHeader{}, nil, fmt.Errorf("%w: bad relay length prefix", ErrMalformed)
	}
	var hdr RelayHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return RelayHeader{}, nil, fmt.Errorf("%w: relay header: %v", ErrMalformed, err)
	}
	if hdr.SourceID == "" {
		return RelayHeader{}, nil, fmt.Errorf("%w: relay header without source_id", ErrMalformed)
	}
	return hdr, body, nil
}

// EncodeRelayPacket frames body under hdr. A non-nil signer signs body
// with timestamp, which must then be set.
func EncodeRelayPacket(hdr RelayHeader, body []byte, signer Signer, timestamp float64) ([]byte, error) {
	if signer != nil {
		hdr.Timestamp = &timestamp
		hdr.Signature = signer.Sign(timestamp, body)
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encode relay header: %w", err)
	}
	if len(hdrBytes) > 0xFFFF {
		return nil, fmt.Errorf("%w: relay header of %d bytes", ErrTooLarge, len(hdrBytes))
	}

	out := make([]byte, lengthPrefixSize+len(hdrBytes)+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(hdrBytes)))
	copy(out[lengthPrefixSize:], hdrBytes)
	copy(out[lengthPrefixSize+len(hdrBytes):], body)
	return out, nil
}
