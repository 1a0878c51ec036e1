package stasis

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/uuid"
)

func TestSerializerRoundTrip(t *testing.T) {
	wBool := true
	wU8 := uint8(0xAB)
	wU16 := uint16(0xBEEF)
	wU32 := uint32(0xDEADBEEF)
	wU64 := uint64(0x0123456789ABCDEF)
	wUvar := uint64(300)
	wVar := int64(-12345)
	wInt := -7
	wF32 := float32(3.25)
	wF64 := 2.718281828
	wStr := "hello, world"
	wBytes := []byte{0, 1, 2, 255}
	wID := uuid.New()

	w := NewWriter(1)
	w.Bool(&wBool)
	w.Uint8(&wU8)
	w.Uint16(&wU16)
	w.Uint32(&wU32)
	w.Uint64(&wU64)
	w.Uvarint(&wUvar)
	w.Varint(&wVar)
	w.Int(&wInt)
	w.Float32(&wF32)
	w.Float64(&wF64)
	w.String(&wStr)
	w.ByteSlice(&wBytes)
	w.UUID(&wID)
	if err := w.Err(); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if !w.WroteData() {
		t.Error("WroteData() = false after writes")
	}

	var rBool bool
	var rU8 uint8
	var rU16 uint16
	var rU32 uint32
	var rU64 uint64
	var rUvar uint64
	var rVar int64
	var rInt int
	var rF32 float32
	var rF64 float64
	var rStr string
	var rBytes []byte
	var rID uuid.UUID

	r := NewReader(w.Bytes(), 1)
	if !r.IsReading() {
		t.Error("IsReading() = false for reader")
	}
	r.Bool(&rBool)
	r.Uint8(&rU8)
	r.Uint16(&rU16)
	r.Uint32(&rU32)
	r.Uint64(&rU64)
	r.Uvarint(&rUvar)
	r.Varint(&rVar)
	r.Int(&rInt)
	r.Float32(&rF32)
	r.Float64(&rF64)
	r.String(&rStr)
	r.ByteSlice(&rBytes)
	r.UUID(&rID)
	if err := r.Err(); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", r.Remaining())
	}

	if rBool != wBool || rU8 != wU8 || rU16 != wU16 || rU32 != wU32 || rU64 != wU64 {
		t.Error("fixed-width values did not round trip")
	}
	if rUvar != wUvar || rVar != wVar || rInt != wInt {
		t.Error("varint values did not round trip")
	}
	if rF32 != wF32 || rF64 != wF64 {
		t.Error("float values did not round trip")
	}
	if rStr != wStr {
		t.Errorf("string = %q, want %q", rStr, wStr)
	}
	if string(rBytes) != string(wBytes) {
		t.Errorf("bytes = %v, want %v", rBytes, wBytes)
	}
	if rID != wID {
		t.Errorf("uuid = %s, want %s", rID, wID)
	}
}

func TestSerializerProbeCountsBytes(t *testing.T) {
	write := func(s *Serializer) {
		v := uint64(70000)
		str := "probe"
		f := 1.5
		s.Uvarint(&v)
		s.String(&str)
		s.Float64(&f)
	}

	w := NewWriter(1)
	write(w)
	p := NewProbe(1)
	write(p)

	if p.Len() != w.Len() {
		t.Errorf("probe Len() = %d, want %d", p.Len(), w.Len())
	}
	if len(p.Bytes()) != 0 {
		t.Error("probe must not allocate output")
	}
	if !p.WroteData() {
		t.Error("probe WroteData() = false")
	}
}

func TestSerializerTruncatedInput(t *testing.T) {
	w := NewWriter(1)
	v := uint32(42)
	w.Uint32(&v)

	r := NewReader(w.Bytes()[:2], 1)
	var got uint32
	r.Uint32(&got)

	err := r.Err()
	if err == nil {
		t.Fatal("expected error reading truncated input")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error = %T, want *DecodeError", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("error should wrap io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestSerializerStickyError(t *testing.T) {
	r := NewReader(nil, 1)
	var v uint8
	r.Uint8(&v)
	first := r.Err()
	if first == nil {
		t.Fatal("expected error on empty input")
	}

	// Subsequent calls are no-ops and keep the first error.
	var str string
	r.String(&str)
	if r.Err() != first {
		t.Error("sticky error was replaced")
	}
}

func TestSerializerStringLengthSanity(t *testing.T) {
	// Declared length far beyond the actual data.
	w := NewWriter(1)
	n := uint64(1 << 20)
	w.Uvarint(&n)

	r := NewReader(w.Bytes(), 1)
	var s string
	r.String(&s)
	if r.Err() == nil {
		t.Fatal("expected error for oversized declared length")
	}
}

func TestSerializerUvarintTruncated(t *testing.T) {
	// A continuation bit with no following byte.
	r := NewReader([]byte{0x80}, 1)
	var v uint64
	r.Uvarint(&v)
	if r.Err() == nil {
		t.Fatal("expected error for truncated uvarint")
	}
}

func TestEnum(t *testing.T) {
	type color int
	const blue color = 7

	w := NewWriter(1)
	c := blue
	Enum(w, &c)

	r := NewReader(w.Bytes(), 1)
	var got color
	Enum(r, &got)
	if got != blue {
		t.Errorf("Enum round trip = %d, want %d", got, blue)
	}
}

func TestFloatEqual(t *testing.T) {
	if !Float64Equal(1.0, 1.0+FloatEpsilon/2) {
		t.Error("values within epsilon should be equal")
	}
	if Float64Equal(1.0, 1.0+FloatEpsilon*2) {
		t.Error("values beyond epsilon should differ")
	}
	if !Float32Equal(2.5, 2.5) {
		t.Error("identical float32 values should be equal")
	}
	if Float32Equal(0, float32(math.Inf(1))) {
		t.Error("infinity should not equal zero")
	}
}

func TestSerializerVersion(t *testing.T) {
	r := NewReader(nil, 3)
	if r.Version() != 3 {
		t.Errorf("Version() = %d, want 3", r.Version())
	}
}
