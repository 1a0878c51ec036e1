package stasis

import (
	"fmt"

	"github.com/google/uuid"
)

// SyncEvent is a captured state-mutating method call: target identity,
// method selector, and the positional arguments needed to replay the call on
// a remote copy of the target.
type SyncEvent struct {
	Target uuid.UUID
	Method string
	Args   []any
}

// EventFlags modify how a single sync event propagates.
type EventFlags uint8

const (
	// BypassNesting propagates the event even when raised inside another
	// already-synchronizing call, for nested changes that are independently
	// meaningful.
	BypassNesting EventFlags = 1 << iota
)

// Has reports whether all bits in flag are set.
func (f EventFlags) Has(flag EventFlags) bool { return f&flag == flag }

// EncodeEvent serializes an event to its wire form: target id, method
// selector, argument count, then each argument as a type tag plus encoded
// value. Custom argument types must be registered in the variant table.
func EncodeEvent(ev *SyncEvent, version uint16, variants *VariantRegistry) ([]byte, error) {
	s := NewWriter(version)
	s.UUID(&ev.Target)
	s.String(&ev.Method)
	n := uint64(len(ev.Args))
	s.Uvarint(&n)

	for i, arg := range ev.Args {
		if err := encodeArg(s, arg, variants); err != nil {
			return nil, fmt.Errorf("stasis: encode arg %d of %s: %w", i, ev.Method, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.Bytes(), nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte, version uint16, variants *VariantRegistry) (*SyncEvent, error) {
	s := NewReader(data, version)
	ev := &SyncEvent{}
	s.UUID(&ev.Target)
	s.String(&ev.Method)
	var n uint64
	s.Uvarint(&n)
	if err := s.Err(); err != nil {
		return nil, err
	}
	if n > uint64(s.Remaining()) {
		return nil, &DecodeError{Op: "event args", Err: fmt.Errorf("declared %d args with %d bytes remaining", n, s.Remaining())}
	}

	ev.Args = make([]any, 0, n)
	for i := uint64(0); i < n; i++ {
		arg, err := decodeArg(s, variants)
		if err != nil {
			return nil, fmt.Errorf("stasis: decode arg %d of %s: %w", i, ev.Method, err)
		}
		ev.Args = append(ev.Args, arg)
	}
	return ev, nil
}

func encodeArg(s *Serializer, arg any, variants *VariantRegistry) error {
	writeTag := func(t uint8) { s.Uint8(&t) }

	switch v := arg.(type) {
	case bool:
		writeTag(tagBool)
		s.Bool(&v)
	case int:
		writeTag(tagInt64)
		i := int64(v)
		s.Varint(&i)
	case int32:
		writeTag(tagInt64)
		i := int64(v)
		s.Varint(&i)
	case int64:
		writeTag(tagInt64)
		s.Varint(&v)
	case uint32:
		writeTag(tagUint64)
		u := uint64(v)
		s.Uvarint(&u)
	case uint64:
		writeTag(tagUint64)
		s.Uvarint(&v)
	case float32:
		writeTag(tagFloat32)
		s.Float32(&v)
	case float64:
		writeTag(tagFloat64)
		s.Float64(&v)
	case string:
		writeTag(tagString)
		s.String(&v)
	case []byte:
		writeTag(tagBytes)
		s.ByteSlice(&v)
	case uuid.UUID:
		writeTag(tagUUID)
		s.UUID(&v)
	default:
		if variants == nil {
			return fmt.Errorf("%w: no table for %T", ErrUnknownVariant, arg)
		}
		tag, ok := variants.tagFor(fmt.Sprintf("%T", arg))
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnknownVariant, arg)
		}
		codec, err := variants.lookup(tag)
		if err != nil {
			return err
		}
		writeTag(tag)
		return codec.Encode(s, arg)
	}
	return s.Err()
}

func decodeArg(s *Serializer, variants *VariantRegistry) (any, error) {
	var tag uint8
	s.Uint8(&tag)
	if err := s.Err(); err != nil {
		return nil, err
	}

	switch tag {
	case tagBool:
		var v bool
		s.Bool(&v)
		return v, s.Err()
	case tagInt64:
		var v int64
		s.Varint(&v)
		return v, s.Err()
	case tagUint64:
		var v uint64
		s.Uvarint(&v)
		return v, s.Err()
	case tagFloat32:
		var v float32
		s.Float32(&v)
		return v, s.Err()
	case tagFloat64:
		var v float64
		s.Float64(&v)
		return v, s.Err()
	case tagString:
		var v string
		s.String(&v)
		return v, s.Err()
	case tagBytes:
		var v []byte
		s.ByteSlice(&v)
		return v, s.Err()
	case tagUUID:
		var v uuid.UUID
		s.UUID(&v)
		return v, s.Err()
	default:
		if variants == nil {
			return nil, fmt.Errorf("%w: tag %#x", ErrUnknownVariant, tag)
		}
		codec, err := variants.lookup(tag)
		if err != nil {
			return nil, err
		}
		return codec.Decode(s)
	}
}
