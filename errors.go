package stasis

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownTarget is returned when a unique id cannot be resolved to a
// registered object. Callers treat it as a recoverable per-record error.
var ErrUnknownTarget = errors.New("stasis: unknown target")

// ErrUnknownVariant is returned when an event argument carries a type tag
// that has not been registered with the variant table.
var ErrUnknownVariant = errors.New("stasis: unknown argument variant")

// ErrNotSyncTarget is returned when a resolved participant does not accept
// replayed sync events.
var ErrNotSyncTarget = errors.New("stasis: target does not implement SyncTarget")

func errUsage(msg string) error { return errors.New("stasis: " + msg) }

// DecodeError reports malformed input encountered while reading binary
// state. It is recoverable at record granularity: callers skip the affected
// record using its declared length.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stasis: decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HeaderError reports a malformed stream header. Unlike record-level
// failures it aborts the whole load.
type HeaderError struct {
	Reason string
}

func (e *HeaderError) Error() string {
	return "stasis: bad header: " + e.Reason
}

// RecordError describes a single record that failed during save or load.
// The rest of the stream is unaffected.
type RecordError struct {
	Target uuid.UUID
	Index  int
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("stasis: record %d (target %s): %v", e.Index, e.Target, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
