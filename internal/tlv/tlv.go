// Package tlv implements the Type-Length-Value telemetry encoding carried in
// data frames: [type:u8][length:u8][value:length bytes], repeated to fill a
// payload. All multi-byte integers and floats inside value are big-endian.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Known entry types. The numeric ranges partition types into categories;
// anything at or above TypeCustomBase is vendor-defined and kept as raw bytes.
const (
	TypeUptime      byte = 0x01 // u32 BE, seconds
	TypeDeviceID    byte = 0x03 // UTF-8, no terminator, <=16 bytes
	TypeFirmwareVer byte = 0x04 // UTF-8, no terminator, <=16 bytes
	TypeMACAddress  byte = 0x05 // 6 raw bytes

	TypeACVoltage     byte = 0x10 // float32 BE, volts
	TypeACCurrent     byte = 0x11 // int32 BE, milliamps
	TypeACFrequency   byte = 0x12 // float32 BE, hertz
	TypeACPower       byte = 0x13 // int32 BE, milliwatts
	TypeACPowerFactor byte = 0x14 // float32 BE

	TypeStatusFlags byte = 0x50 // u16 BE bitfield
	TypeErrorCode   byte = 0x51 // u16 BE enum

	TypeTemperature byte = 0x70 // float32 BE, celsius

	TypeCustomBase byte = 0xF0
)

// Category groups entry types by their numeric range.
type Category int

const (
	CategoryBasic Category = iota
	CategoryElectrical
	CategoryEnergy
	CategoryStatus
	CategoryEnvironmental
	CategoryCustom
)

// CategoryOf returns the category a type falls into by numeric range.
func CategoryOf(typ byte) Category {
	switch {
	case typ >= TypeCustomBase:
		return CategoryCustom
	case typ >= 0x70:
		return CategoryEnvironmental
	case typ >= 0x50:
		return CategoryStatus
	case typ >= 0x30:
		return CategoryEnergy
	case typ >= 0x10:
		return CategoryElectrical
	default:
		return CategoryBasic
	}
}

// MaxParseEntries caps a full-buffer parse so malformed or adversarial input
// cannot cause unbounded iteration.
const MaxParseEntries = 100

var (
	// ErrTruncatedHeader is returned when fewer than two bytes remain for a
	// type+length header.
	ErrTruncatedHeader = errors.New("tlv: truncated entry header")
	// ErrBoundsExceeded is returned when a declared length would overrun the
	// enclosing buffer.
	ErrBoundsExceeded = errors.New("tlv: entry length exceeds buffer")
	// ErrBadLength is returned when a value has the wrong wire size for the
	// decode requested.
	ErrBadLength = errors.New("tlv: unexpected value length")
)

// Entry is a single decoded record. Value aliases the buffer it was decoded
// from; callers that retain an Entry past the buffer's lifetime must copy it.
type Entry struct {
	Type  byte
	Value []byte
}

// DecodeNext decodes one entry starting at off and returns the entry together
// with the offset just past it. The returned value is a view into buf.
func DecodeNext(buf []byte, off int) (Entry, int, error) {
	if off < 0 || off+2 > len(buf) {
		return Entry{}, off, ErrTruncatedHeader
	}
	typ := buf[off]
	length := int(buf[off+1])
	end := off + 2 + length
	if end > len(buf) {
		return Entry{}, off, fmt.Errorf("%w: type 0x%02X wants %d bytes, %d remain",
			ErrBoundsExceeded, typ, length, len(buf)-off-2)
	}
	return Entry{Type: typ, Value: buf[off+2 : end]}, end, nil
}

// Parse decodes entries until the buffer is exhausted, capped at
// MaxParseEntries. If a malformed entry is hit, the entries decoded so far are
// returned together with the error; a trailing partial header is an error too.
func Parse(buf []byte) ([]Entry, error) {
	var out []Entry
	off := 0
	for off < len(buf) && len(out) < MaxParseEntries {
		e, next, err := DecodeNext(buf, off)
		if err != nil {
			return out, err
		}
		out = append(out, e)
		off = next
	}
	return out, nil
}

// Append serializes one entry onto dst. The value must fit the u8 length
// field.
func Append(dst []byte, e Entry) ([]byte, error) {
	if len(e.Value) > math.MaxUint8 {
		return dst, fmt.Errorf("%w: value is %d bytes", ErrBadLength, len(e.Value))
	}
	dst = append(dst, e.Type, byte(len(e.Value)))
	return append(dst, e.Value...), nil
}

// Uint32 encodes a type with a big-endian u32 value.
func Uint32(typ byte, v uint32) Entry {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return Entry{Type: typ, Value: b[:]}
}

// Uint16 encodes a type with a big-endian u16 value.
func Uint16(typ byte, v uint16) Entry {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return Entry{Type: typ, Value: b[:]}
}

// Int32 encodes a type with a big-endian signed 32-bit value.
func Int32(typ byte, v int32) Entry {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return Entry{Type: typ, Value: b[:]}
}

// Float32 encodes a type with a big-endian IEEE-754 single-precision value.
// The exact bit pattern round-trips through Entry.Float32.
func Float32(typ byte, v float32) Entry {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
	return Entry{Type: typ, Value: b[:]}
}

// Text encodes a type with raw UTF-8 bytes, no terminator.
func Text(typ byte, s string) Entry {
	return Entry{Type: typ, Value: []byte(s)}
}

// Uint32 decodes the value as big-endian u32.
func (e Entry) Uint32() (uint32, error) {
	if len(e.Value) != 4 {
		return 0, fmt.Errorf("%w: got %d, want 4", ErrBadLength, len(e.Value))
	}
	return binary.BigEndian.Uint32(e.Value), nil
}

// Uint16 decodes the value as big-endian u16.
func (e Entry) Uint16() (uint16, error) {
	if len(e.Value) != 2 {
		return 0, fmt.Errorf("%w: got %d, want 2", ErrBadLength, len(e.Value))
	}
	return binary.BigEndian.Uint16(e.Value), nil
}

// Int32 decodes the value as big-endian signed 32-bit.
func (e Entry) Int32() (int32, error) {
	u, err := e.Uint32()
	return int32(u), err
}

// Float32 decodes the value as a big-endian IEEE-754 single-precision float,
// bit-for-bit.
func (e Entry) Float32() (float32, error) {
	if len(e.Value) != 4 {
		return 0, fmt.Errorf("%w: got %d, want 4", ErrBadLength, len(e.Value))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(e.Value)), nil
}

// Text returns the value as a UTF-8 string.
func (e Entry) Text() string { return string(e.Value) }

// Milli converts a fixed-point x1000 wire integer to its unit value, e.g.
// TypeACCurrent milliamps to amps.
func Milli(v int32) float64 { return float64(v) / 1000 }
