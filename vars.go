package stasis

// committer is the baseline side of a tracked variable.
type committer interface {
	commit()
	changed() bool
}

// Var is a tracked variable: a live value plus the baseline recorded at the
// previous save point, used for changes-only serialization. Equality is the
// == operator by default; floats use the FloatEpsilon rule via Float32Var
// and Float64Var, and arbitrary types can supply their own comparison with
// NewVarFunc.
type Var[T any] struct {
	value     T
	baseline  T
	eq        func(a, b T) bool
	onRestore func(T)
}

// NewVar creates a tracked variable with == equality. The initial value is
// not a baseline yet; baselines are captured in a deferred batch (see
// StateRegistry.CommitBaselines) so all fields observed during the same
// update cycle share one consistent snapshot.
func NewVar[T comparable](v T) *Var[T] {
	return NewVarFunc(v, func(a, b T) bool { return a == b })
}

// NewVarFunc creates a tracked variable with a custom equality function.
func NewVarFunc[T any](v T, eq func(a, b T) bool) *Var[T] {
	return &Var[T]{value: v, eq: eq}
}

// Float64Var creates a tracked float64 compared within FloatEpsilon.
func Float64Var(v float64) *Var[float64] {
	return NewVarFunc(v, Float64Equal)
}

// Float32Var creates a tracked float32 compared within FloatEpsilon.
func Float32Var(v float32) *Var[float32] {
	return NewVarFunc(v, Float32Equal)
}

// Get returns the live value.
func (v *Var[T]) Get() T { return v.value }

// Set replaces the live value. The baseline is untouched, so the variable
// reads as changed until the next baseline commit.
func (v *Var[T]) Set(val T) { v.value = val }

// OnRestore registers a callback fired whenever the variable is overwritten
// from a stream. Fields whose values drive a visible effect re-trigger that
// effect here rather than silently updating the backing value.
func (v *Var[T]) OnRestore(fn func(T)) *Var[T] {
	v.onRestore = fn
	return v
}

// Changed reports whether the live value differs from the baseline.
func (v *Var[T]) Changed() bool { return !v.eq(v.value, v.baseline) }

// Commit records the live value as the new baseline.
func (v *Var[T]) Commit() { v.baseline = v.value }

func (v *Var[T]) commit()       { v.Commit() }
func (v *Var[T]) changed() bool { return v.Changed() }

// SerializeVar runs one tracked field through the symmetric codec.
//
// Writing: the value is emitted when the level is Complete or the variable
// changed since its baseline; at ChangesSincePreviousSave level a one-byte
// presence marker precedes the field. Unless opts carries DontCacheChanges,
// an emitting write also commits the baseline. With DontSerialize all
// change detection still runs but nothing is emitted (pair with a probe
// Serializer to test emptiness).
//
// Reading: the presence marker (or the level) decides whether the live value
// is overwritten from the stream; a restored value fires the OnRestore
// callback and becomes the new baseline unless DontCacheChanges is set.
//
// It reports whether the field was (or would have been) written or restored.
func SerializeVar[T any](s *Serializer, name string, v *Var[T], level Level, opts Options, codec func(*Serializer, *T)) bool {
	if s.err != nil {
		return false
	}
	if s.onVarStart != nil {
		s.onVarStart(name)
	}
	present := level == Complete || v.Changed()
	if s.IsReading() {
		if level == ChangesSincePreviousSave {
			s.Bool(&present)
		}
		if present && s.err == nil {
			codec(s, &v.value)
			if s.err == nil {
				if !opts.Has(DontCacheChanges) {
					v.Commit()
				}
				if v.onRestore != nil {
					v.onRestore(v.value)
				}
			}
		}
	} else {
		// A probe-mode serializer already writes nothing, so the codec runs
		// to count would-be bytes; on a real writer DontSerialize skips it.
		if !opts.Has(DontSerialize) || s.mode == ModeProbe {
			if level == ChangesSincePreviousSave {
				s.Bool(&present)
			}
			if present {
				codec(s, &v.value)
			}
		}
		if present && !opts.Has(DontCacheChanges) {
			v.Commit()
		}
	}
	wrote := present && s.err == nil
	if s.onVarEnd != nil {
		s.onVarEnd(name, wrote)
	}
	return wrote
}

// Codec helpers for SerializeVar.

func BoolCodec(s *Serializer, v *bool)       { s.Bool(v) }
func IntCodec(s *Serializer, v *int)         { s.Int(v) }
func Int64Codec(s *Serializer, v *int64)     { s.Varint(v) }
func Uint64Codec(s *Serializer, v *uint64)   { s.Uvarint(v) }
func Float32Codec(s *Serializer, v *float32) { s.Float32(v) }
func Float64Codec(s *Serializer, v *float64) { s.Float64(v) }
func StringCodec(s *Serializer, v *string)   { s.String(v) }
