// Package wire implements the legacy discovery/ack frame used by the
// broadcast/unicast negotiation handshake, independent of the TLV payloads
// carried inside data frames.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
)

// FrameType distinguishes broadcast discovery frames from unicast acks.
type FrameType byte

const (
	Broadcast FrameType = 0
	Unicast   FrameType = 1
)

func (t FrameType) String() string {
	switch t {
	case Broadcast:
		return "broadcast"
	case Unicast:
		return "unicast"
	default:
		return fmt.Sprintf("frame(%d)", byte(t))
	}
}

// Fixed header layout, little-endian multi-byte fields (the on-air layout of
// the original packed MCU struct):
//
//	[type:u8][state:u8][seq:u16][crc:u16][magic:u32]
//
// followed by a configurable number of random fill bytes. The CRC is computed
// over the whole frame with the crc field zeroed.
const (
	HeaderSize     = 10
	offType        = 0
	offState       = 1
	offSeq         = 2
	offCRC         = 4
	offMagic       = 6
	DefaultPayload = 10
)

var (
	// ErrUndersized is returned when a buffer is shorter than the fixed
	// frame header.
	ErrUndersized = errors.New("wire: frame shorter than header")
	// ErrChecksumMismatch is returned when the received CRC disagrees with
	// the one recomputed over the frame.
	ErrChecksumMismatch = errors.New("wire: checksum mismatch")
)

// Frame is a decoded discovery frame header.
type Frame struct {
	Type  FrameType
	State byte
	Seq   uint16
	Magic uint32
}

// Codec encodes discovery frames, maintaining the two per-type sequence
// counters. Encode is a counter side effect, so a Codec belongs to exactly
// one sending goroutine.
type Codec struct {
	broadcastSeq uint16
	unicastSeq   uint16
	payloadLen   int
}

// NewCodec returns a codec producing frames with payloadLen random fill
// bytes after the header. A negative payloadLen selects DefaultPayload.
func NewCodec(payloadLen int) *Codec {
	if payloadLen < 0 {
		payloadLen = DefaultPayload
	}
	return &Codec{payloadLen: payloadLen}
}

// Encode builds a frame, filling the payload with random bytes and
// incrementing the sequence counter for typ. Counters wrap at 16 bits.
func (c *Codec) Encode(typ FrameType, state byte, magic uint32) []byte {
	var seq uint16
	switch typ {
	case Unicast:
		c.unicastSeq++
		seq = c.unicastSeq
	default:
		c.broadcastSeq++
		seq = c.broadcastSeq
	}

	buf := make([]byte, HeaderSize+c.payloadLen)
	buf[offType] = byte(typ)
	buf[offState] = state
	binary.LittleEndian.PutUint16(buf[offSeq:], seq)
	// crc field stays zero until the checksum is in place
	binary.LittleEndian.PutUint32(buf[offMagic:], magic)
	for i := HeaderSize; i < len(buf); i++ {
		buf[i] = byte(rand.Uint32())
	}
	binary.LittleEndian.PutUint16(buf[offCRC:], Checksum16(buf))
	return buf
}

// Decode validates the checksum and returns the parsed header. The CRC is
// recomputed with the crc field zeroed over the entire frame, fill bytes
// included.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrUndersized, len(buf))
	}
	got := binary.LittleEndian.Uint16(buf[offCRC:])

	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	scratch[offCRC] = 0
	scratch[offCRC+1] = 0
	if want := Checksum16(scratch); want != got {
		return Frame{}, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrChecksumMismatch, got, want)
	}

	return Frame{
		Type:  FrameType(buf[offType]),
		State: buf[offState],
		Seq:   binary.LittleEndian.Uint16(buf[offSeq:]),
		Magic: binary.LittleEndian.Uint32(buf[offMagic:]),
	}, nil
}
