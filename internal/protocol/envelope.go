package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Signer produces the hex signature carried in every envelope header.
type Signer interface {
	Sign(timestamp float64, data []byte) string
}

// EnvelopeHeader is the JSON header of a complete (unfragmented) packet.
type EnvelopeHeader struct {
	Signature string `json:"signature"`
	Size      int    `json:"size"`
}

// Envelope is a parsed complete packet. Data keeps the exact bytes the
// sender signed.
type Envelope struct {
	Header    EnvelopeHeader
	Timestamp float64
	Data      json.RawMessage
}

type envelopeBody struct {
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// SigningInput is the byte string covered by the envelope signature:
// "{timestamp}:{data}".
func SigningInput(timestamp float64, data []byte) []byte {
	ts := FormatTimestamp(timestamp)
	out := make([]byte, 0, len(ts)+1+len(data))
	out = append(out, ts...)
	out = append(out, ':')
	return append(out, data...)
}

// FormatTimestamp renders seconds since the epoch in the shortest form
// that round-trips, which is what clients sign.
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

// Timestamp converts t to fractional epoch seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// EncodeEnvelope marshals data, signs it and frames the result as
// [2-byte header_len][header JSON][payload JSON].
func EncodeEnvelope(signer Signer, now time.Time, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode envelope data: %w", err)
	}
	return EncodeRawEnvelope(signer, Timestamp(now), raw)
}

// EncodeRawEnvelope frames already-encoded data. The payload is
// assembled by hand so the signed data bytes appear in it verbatim.
func EncodeRawEnvelope(signer Signer, timestamp float64, data json.RawMessage) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("encode envelope data: %w", err)
	}
	data = compact.Bytes()

	payload := make([]byte, 0, len(data)+48)
	payload = append(payload, `{"timestamp":`...)
	payload = append(payload, FormatTimestamp(timestamp)...)
	payload = append(payload, `,"data":`...)
	payload = append(payload, data...)
	payload = append(payload, '}')

	hdr := EnvelopeHeader{Size: len(payload)}
	if signer != nil {
		hdr.Signature = signer.Sign(timestamp, data)
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encode envelope header: %w", err)
	}
	if len(hdrBytes) > 0xFFFF {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrTooLarge, len(hdrBytes))
	}

	out := make([]byte, lengthPrefixSize+len(hdrBytes)+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(hdrBytes)))
	copy(out[lengthPrefixSize:], hdrBytes)
	copy(out[lengthPrefixSize+len(hdrBytes):], payload)
	return out, nil
}

// ParseEnvelope decodes a complete packet. It does not verify the
// signature.
func ParseEnvelope(packet []byte) (*Envelope, error) {
	if len(packet) > 0 && (packet[0] == MagicBinaryFrame || packet[0] == MagicBinaryFragment) {
		return nil, fmt.Errorf("%w: binary packet where an envelope was expected", ErrMalformed)
	}
	hdrBytes, payload, ok := splitLengthPrefixed(packet)
	if !ok {
		return nil, fmt.Errorf("%w: bad length prefix", ErrMalformed)
	}

	var hdr EnvelopeHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if hdr.Size != len(payload) {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrMalformed, len(payload), hdr.Size)
	}

	var body envelopeBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("%w: payload has no data", ErrMalformed)
	}

	return &Envelope{
		Header:    hdr,
		Timestamp: body.Timestamp,
		Data:      body.Data,
	}, nil
}
