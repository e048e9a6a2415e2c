package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// magic(1) | timestamp_us(8) | camera_id(2) | width(2) | height(2) |
// quality(1) | frame_id(8) | data_length(4)
const binaryFrameHeaderSize = 1 + 8 + 2 + 2 + 2 + 1 + 8 + 4

// BinaryFrame is a JPEG camera frame on the binary fast path.
type BinaryFrame struct {
	Timestamp time.Time
	CameraID  uint16
	Width     uint16
	Height    uint16
	Quality   uint8
	FrameID   string // at most 8 ASCII bytes, zero padded on the wire
	Data      []byte
}

// IsBinaryFrame reports whether packet starts with the frame marker.
func IsBinaryFrame(packet []byte) bool {
	return len(packet) > 0 && packet[0] == MagicBinaryFrame
}

// FrameIDString renders a frame counter as the 8-byte ASCII frame id,
// keeping the low-order digits when the counter outgrows the field.
func FrameIDString(n uint64) string {
	s := strconv.FormatUint(n, 10)
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return s
}

// EncodeBinaryFrame serialises f. Callers fragment the result with
// Codec.EncodeBinary when it exceeds the MTU budget.
func EncodeBinaryFrame(f BinaryFrame) ([]byte, error) {
	if len(f.FrameID) > 8 {
		return nil, fmt.Errorf("frame id %q longer than 8 bytes", f.FrameID)
	}
	if uint64(len(f.Data)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrTooLarge, len(f.Data))
	}

	out := make([]byte, binaryFrameHeaderSize+len(f.Data))
	out[0] = MagicBinaryFrame
	binary.BigEndian.PutUint64(out[1:], uint64(f.Timestamp.UnixMicro()))
	binary.BigEndian.PutUint16(out[9:], f.CameraID)
	binary.BigEndian.PutUint16(out[11:], f.Width)
	binary.BigEndian.PutUint16(out[13:], f.Height)
	out[15] = f.Quality
	copy(out[16:24], f.FrameID)
	binary.BigEndian.PutUint32(out[24:], uint32(len(f.Data)))
	copy(out[binaryFrameHeaderSize:], f.Data)
	return out, nil
}

// DecodeBinaryFrame parses a 0xFF packet.
func DecodeBinaryFrame(packet []byte) (BinaryFrame, error) {
	if len(packet) < binaryFrameHeaderSize || packet[0] != MagicBinaryFrame {
		return BinaryFrame{}, fmt.Errorf("%w: short binary frame (%d bytes)", ErrMalformed, len(packet))
	}
	length := binary.BigEndian.Uint32(packet[24:])
	if uint64(len(packet)-binaryFrameHeaderSize) < uint64(length) {
		return BinaryFrame{}, fmt.Errorf("%w: binary frame truncated, want %d bytes", ErrMalformed, length)
	}

	id := packet[16:24]
	end := len(id)
	for end > 0 && id[end-1] == 0 {
		end--
	}

	return BinaryFrame{
		Timestamp: time.UnixMicro(int64(binary.BigEndian.Uint64(packet[1:]))),
		CameraID:  binary.BigEndian.Uint16(packet[9:]),
		Width:     binary.BigEndian.Uint16(packet[11:]),
		Height:    binary.BigEndian.Uint16(packet[13:]),
		Quality:   packet[15],
		FrameID:   string(id[:end]),
		Data:      packet[binaryFrameHeaderSize : binaryFrameHeaderSize+int(length)],
	}, nil
}
