// Package wire decodes the fixed packet preamble detector electronics put
// in front of every UDP datagram. It is pure: no I/O, no state, just bytes
// in, fields out.
package wire

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// PacketType enumerates the recognised values of the header's type byte.
// The set is extensible: unknown values decode successfully and are left
// for the caller to reject, matching the C++ decoder this is grounded on,
// which never validated the byte itself.
type PacketType uint8

const (
	PacketTypeSample PacketType = 0
	PacketTypeReset  PacketType = 1
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeSample:
		return "sample"
	case PacketTypeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// HeaderSize is the fixed width of the packet preamble in bytes:
// 1 (type) + 1 (subframe) + 4 (frame#) + 2 (packet#) + 14 (reserved).
const HeaderSize = 1 + 1 + 4 + 2 + 14

// Header is the decoded form of a packet preamble.
type Header struct {
	Type           PacketType
	SubframeNumber uint8
	FrameNumber    uint32
	PacketNumber   uint16
}

// ErrShortHeader is returned by Decode when the supplied slice is smaller
// than HeaderSize.
var ErrShortHeader = xerrors.New("wire: short packet header")

// Decode parses the fixed preamble from the front of b. Multi-byte fields
// are big-endian, per the UDP wire format. Trailing reserved bytes and any
// payload following the header are ignored.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, xerrors.Errorf("wire: decode header (len=%d, want>=%d): %w", len(b), HeaderSize, ErrShortHeader)
	}
	return Header{
		Type:           PacketType(b[0]),
		SubframeNumber: b[1],
		FrameNumber:    binary.BigEndian.Uint32(b[2:6]),
		PacketNumber:   binary.BigEndian.Uint16(b[6:8]),
	}, nil
}
