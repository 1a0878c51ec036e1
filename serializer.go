package stasis

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// FloatEpsilon is the default precision threshold used when deciding whether
// a floating point value changed for incremental saves. Two floats within
// this distance are treated as equal.
const FloatEpsilon = 1e-4

// Float64Equal reports whether two float64 values are equal within FloatEpsilon.
func Float64Equal(a, b float64) bool {
	return math.Abs(a-b) < FloatEpsilon
}

// Float32Equal reports whether two float32 values are equal within FloatEpsilon.
func Float32Equal(a, b float32) bool {
	return math.Abs(float64(a)-float64(b)) < FloatEpsilon
}

// Mode selects how a Serializer treats each symmetric call.
type Mode uint8

const (
	// ModeWrite appends the binary representation of each value.
	ModeWrite Mode = iota
	// ModeRead overwrites each value from the backing input.
	ModeRead
	// ModeProbe counts the bytes a write would produce without writing or
	// allocating. Used to answer "would this participant produce any data".
	ModeProbe
)

// Serializer is a symmetric binary codec: the same sequence of calls either
// writes values out or reads them back, selected by the mode. Listing fields
// once for both directions keeps read and write layouts from drifting apart.
//
// All operations are sticky on error: after the first failure every call is
// a no-op and Err returns the failure. Read failures are *DecodeError;
// callers recover by repositioning with a record's declared length, never by
// trusting the reader's final position.
type Serializer struct {
	mode    Mode
	version uint16
	out     bytes.Buffer
	in      []byte
	pos     int
	probed  int
	err     error

	onVarStart func(name string)
	onVarEnd   func(name string, wrote bool)
}

// NewWriter returns a Serializer that appends values, producing a payload
// readable by any consumer whose format version is >= version.
func NewWriter(version uint16) *Serializer {
	return &Serializer{mode: ModeWrite, version: version}
}

// NewReader returns a Serializer that reads values from data. The version is
// the producer's format version as declared in the surrounding record;
// participants branch on it to skip fields absent from older layouts.
func NewReader(data []byte, version uint16) *Serializer {
	return &Serializer{mode: ModeRead, version: version, in: data}
}

// NewProbe returns a Serializer in probe mode.
func NewProbe(version uint16) *Serializer {
	return &Serializer{mode: ModeProbe, version: version}
}

// IsReading reports whether symmetric calls consume input rather than
// produce output.
func (s *Serializer) IsReading() bool { return s.mode == ModeRead }

// Version returns the format version in effect.
func (s *Serializer) Version() uint16 { return s.version }

// Err returns the first error encountered, or nil.
func (s *Serializer) Err() error { return s.err }

// Bytes returns the written payload. Only meaningful in write mode.
func (s *Serializer) Bytes() []byte { return s.out.Bytes() }

// Len returns the number of bytes written or probed so far.
func (s *Serializer) Len() int {
	if s.mode == ModeProbe {
		return s.probed
	}
	return s.out.Len()
}

// WroteData reports whether any symmetric call produced (or would produce)
// at least one byte.
func (s *Serializer) WroteData() bool { return s.Len() > 0 }

// Remaining returns the number of unread input bytes. Only meaningful in
// read mode.
func (s *Serializer) Remaining() int { return len(s.in) - s.pos }

func (s *Serializer) fail(op string, err error) {
	if s.err == nil {
		s.err = &DecodeError{Op: op, Err: err}
	}
}

func (s *Serializer) emit(b []byte) {
	if s.err != nil {
		return
	}
	if s.mode == ModeProbe {
		s.probed += len(b)
		return
	}
	s.out.Write(b)
}

func (s *Serializer) take(op string, n int) []byte {
	if s.err != nil {
		return nil
	}
	if s.pos+n > len(s.in) {
		s.fail(op, io.ErrUnexpectedEOF)
		return nil
	}
	b := s.in[s.pos : s.pos+n]
	s.pos += n
	return b
}

// Bool serializes a single boolean as one byte.
func (s *Serializer) Bool(v *bool) {
	if s.mode == ModeRead {
		b := s.take("bool", 1)
		if b != nil {
			*v = b[0] != 0
		}
		return
	}
	var b [1]byte
	if *v {
		b[0] = 1
	}
	s.emit(b[:])
}

// Uint8 serializes a single byte.
func (s *Serializer) Uint8(v *uint8) {
	if s.mode == ModeRead {
		b := s.take("uint8", 1)
		if b != nil {
			*v = b[0]
		}
		return
	}
	s.emit([]byte{*v})
}

// Uint16 serializes a fixed-width little-endian uint16.
func (s *Serializer) Uint16(v *uint16) {
	if s.mode == ModeRead {
		b := s.take("uint16", 2)
		if b != nil {
			*v = binary.LittleEndian.Uint16(b)
		}
		return
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], *v)
	s.emit(b[:])
}

// Uint32 serializes a fixed-width little-endian uint32.
func (s *Serializer) Uint32(v *uint32) {
	if s.mode == ModeRead {
		b := s.take("uint32", 4)
		if b != nil {
			*v = binary.LittleEndian.Uint32(b)
		}
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], *v)
	s.emit(b[:])
}

// Uint64 serializes a fixed-width little-endian uint64.
func (s *Serializer) Uint64(v *uint64) {
	if s.mode == ModeRead {
		b := s.take("uint64", 8)
		if b != nil {
			*v = binary.LittleEndian.Uint64(b)
		}
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], *v)
	s.emit(b[:])
}

// Uvarint serializes an unsigned integer with variable-length encoding.
func (s *Serializer) Uvarint(v *uint64) {
	if s.mode == ModeRead {
		u, n := binary.Uvarint(s.in[s.pos:])
		if n <= 0 {
			s.fail("uvarint", io.ErrUnexpectedEOF)
			return
		}
		s.pos += n
		*v = u
		return
	}
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], *v)
	s.emit(b[:n])
}

// Varint serializes a signed integer with zig-zag variable-length encoding.
func (s *Serializer) Varint(v *int64) {
	if s.mode == ModeRead {
		i, n := binary.Varint(s.in[s.pos:])
		if n <= 0 {
			s.fail("varint", io.ErrUnexpectedEOF)
			return
		}
		s.pos += n
		*v = i
		return
	}
	var b [binary.MaxVarintLen64]byte
	n := binary.PutVarint(b[:], *v)
	s.emit(b[:n])
}

// Int serializes a signed integer as a zig-zag varint.
func (s *Serializer) Int(v *int) {
	i := int64(*v)
	s.Varint(&i)
	if s.mode == ModeRead {
		*v = int(i)
	}
}

// Float32 serializes a float32 as its IEEE-754 bits, little-endian.
func (s *Serializer) Float32(v *float32) {
	u := math.Float32bits(*v)
	s.Uint32(&u)
	if s.mode == ModeRead {
		*v = math.Float32frombits(u)
	}
}

// Float64 serializes a float64 as its IEEE-754 bits, little-endian.
func (s *Serializer) Float64(v *float64) {
	u := math.Float64bits(*v)
	s.Uint64(&u)
	if s.mode == ModeRead {
		*v = math.Float64frombits(u)
	}
}

// String serializes a string with a uvarint length prefix.
func (s *Serializer) String(v *string) {
	if s.mode == ModeRead {
		var n uint64
		s.Uvarint(&n)
		if s.err != nil {
			return
		}
		if n > uint64(s.Remaining()) {
			s.fail("string", fmt.Errorf("declared length %d exceeds %d remaining bytes", n, s.Remaining()))
			return
		}
		b := s.take("string", int(n))
		if b != nil {
			*v = string(b)
		}
		return
	}
	n := uint64(len(*v))
	s.Uvarint(&n)
	s.emit([]byte(*v))
}

// ByteSlice serializes a byte slice with a uvarint length prefix.
func (s *Serializer) ByteSlice(v *[]byte) {
	if s.mode == ModeRead {
		var n uint64
		s.Uvarint(&n)
		if s.err != nil {
			return
		}
		if n > uint64(s.Remaining()) {
			s.fail("bytes", fmt.Errorf("declared length %d exceeds %d remaining bytes", n, s.Remaining()))
			return
		}
		b := s.take("bytes", int(n))
		if b != nil {
			*v = append([]byte(nil), b...)
		}
		return
	}
	n := uint64(len(*v))
	s.Uvarint(&n)
	s.emit(*v)
}

// UUID serializes a unique identifier as 16 raw bytes.
func (s *Serializer) UUID(v *uuid.UUID) {
	if s.mode == ModeRead {
		b := s.take("uuid", 16)
		if b != nil {
			copy(v[:], b)
		}
		return
	}
	s.emit(v[:])
}

// Enum serializes any integer-kinded value (enums included) as a uvarint.
func Enum[T ~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64](s *Serializer, v *T) {
	u := uint64(*v)
	s.Uvarint(&u)
	if s.IsReading() {
		*v = T(u)
	}
}
