package stasis

import (
	"fmt"
	"sync"
)

// Argument type tags. Events carry each argument as a tag byte followed by
// the encoded value. Tags below customTagBase are the closed built-in set;
// tags at or above it are an explicitly-registered variant table resolved at
// startup, replacing any runtime lookup of types by name.
const (
	tagBool uint8 = iota + 1
	tagInt64
	tagUint64
	tagFloat32
	tagFloat64
	tagString
	tagBytes
	tagUUID
)

// CustomTagBase is the first tag value available to registered variants.
const CustomTagBase uint8 = 0x80

// VariantCodec encodes and decodes one registered argument type.
type VariantCodec struct {
	Encode func(s *Serializer, v any) error
	Decode func(s *Serializer) (any, error)
}

// VariantRegistry maps custom argument type tags to their codecs. Lookup of
// an unregistered tag yields ErrUnknownVariant.
type VariantRegistry struct {
	mu     sync.RWMutex
	codecs map[uint8]VariantCodec
	tags   map[string]uint8 // Go type name -> tag, for encoding
}

// NewVariantRegistry creates an empty variant table.
func NewVariantRegistry() *VariantRegistry {
	return &VariantRegistry{
		codecs: make(map[uint8]VariantCodec),
		tags:   make(map[string]uint8),
	}
}

func (r *VariantRegistry) register(tag uint8, typeName string, codec VariantCodec) error {
	if tag < CustomTagBase {
		return fmt.Errorf("stasis: variant tag %#x collides with built-in tags", tag)
	}
	if codec.Encode == nil || codec.Decode == nil {
		return fmt.Errorf("stasis: variant codec for tag %#x is incomplete", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.codecs[tag]; ok {
		return fmt.Errorf("stasis: variant tag %#x already registered", tag)
	}
	if existing, ok := r.tags[typeName]; ok {
		return fmt.Errorf("stasis: type %s already registered as tag %#x", typeName, existing)
	}
	r.codecs[tag] = codec
	r.tags[typeName] = tag
	return nil
}

func (r *VariantRegistry) lookup(tag uint8) (VariantCodec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, ok := r.codecs[tag]
	if !ok {
		return VariantCodec{}, fmt.Errorf("%w: tag %#x", ErrUnknownVariant, tag)
	}
	return codec, nil
}

func (r *VariantRegistry) tagFor(typeName string) (uint8, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tag, ok := r.tags[typeName]
	return tag, ok
}

// clear removes all registered variants.
func (r *VariantRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs = make(map[uint8]VariantCodec)
	r.tags = make(map[string]uint8)
}

// RegisterVariant binds a custom argument type to a tag using a symmetric
// codec. Registration happens at startup; the tag must be stable across
// processes for events to replay.
func RegisterVariant[T any](r *VariantRegistry, tag uint8, codec func(*Serializer, *T)) error {
	var zero T
	typeName := fmt.Sprintf("%T", zero)

	return r.register(tag, typeName, VariantCodec{
		Encode: func(s *Serializer, v any) error {
			val, ok := v.(T)
			if !ok {
				return fmt.Errorf("stasis: variant tag %#x: expected %s, got %T", tag, typeName, v)
			}
			codec(s, &val)
			return s.Err()
		},
		Decode: func(s *Serializer) (any, error) {
			var val T
			codec(s, &val)
			if err := s.Err(); err != nil {
				return nil, err
			}
			return val, nil
		},
	})
}
