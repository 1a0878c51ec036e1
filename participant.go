package stasis

// Level selects the fidelity of a save.
type Level uint8

const (
	// ChangesSincePreviousSave serializes only fields that differ from the
	// baseline captured at the previous save point.
	ChangesSincePreviousSave Level = 0
	// Complete serializes every tracked field.
	Complete Level = 1
)

func (l Level) String() string {
	switch l {
	case ChangesSincePreviousSave:
		return "changes"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Format selects the stream framing of a save.
type Format uint8

const (
	// FormatUncompressed stores records verbatim after the header.
	FormatUncompressed Format = 0
	// FormatGzip gzip-compresses everything after the 4-byte header. The
	// header itself is always uncompressed so readers can identify the
	// format before decompressing.
	FormatGzip Format = 1
)

func (f Format) String() string {
	switch f {
	case FormatUncompressed:
		return "uncompressed"
	case FormatGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// Options is a bitset modifying a single SerializeState call.
type Options uint8

const (
	// DontSerialize runs all change-detection logic but writes nothing.
	// Combined with a probe-mode Serializer it answers "does this object
	// have anything to save".
	DontSerialize Options = 1 << iota
	// DontCacheChanges leaves the incremental-diff baseline untouched.
	DontCacheChanges
)

// Has reports whether all bits in flag are set.
func (o Options) Has(flag Options) bool { return o&flag == flag }

// Tier fixes the coarse enumeration precedence of a participant. Global
// state objects are always serialized (and therefore deserialized) before
// singleton-like participants, which precede everything else, so dependent
// objects can rely on their prerequisites being restored first.
type Tier uint8

const (
	TierGlobal Tier = iota
	TierSingleton
	TierStandard
)

// Participant is the contract a stateful object implements to take part in
// state save and sync.
//
// SerializeState must be symmetric: the same sequence of tracked-field calls
// either writes the fields out or, when the Serializer is reading, overwrites
// the live fields from the stream. It reports whether it wrote (or would
// write) any data. Implementations branch on version to skip fields that did
// not exist in older formats.
type Participant interface {
	SerializeState(s *Serializer, version uint16, level Level, opts Options) (bool, error)

	// OrderKey defines both save and load order relative to other
	// participants of the same tier. Load order must match save order for
	// relational consistency.
	OrderKey() int

	// Tier returns the participant's enumeration precedence.
	Tier() Tier

	// SaveWhenDisabled reports whether the participant stays in the
	// save-required view while disabled.
	SaveWhenDisabled() bool

	// StateVersion is the participant's own wire version, embedded in each
	// of its records for forward compatibility.
	StateVersion() uint16
}

// SyncTarget is implemented by participants that accept replayed sync
// events. Replaying an event on a target with the same state must produce
// the same state transition as the original call.
type SyncTarget interface {
	InvokeSyncMethod(method string, args []any) error
}

// Relocatable marks participants whose position must be re-applied through
// the normal movement pathway after a load, so dependent observers receive
// the expected movement notification instead of seeing a silent field write.
type Relocatable interface {
	ReapplyPosition()
}

// BaselineCommitter is implemented by participants whose tracked-field
// baselines are captured in a deferred batch (see StateRegistry.CommitBaselines).
type BaselineCommitter interface {
	CommitBaselines()
}

// BaseParticipant carries the common Participant bookkeeping: ordering,
// tiering, the save-when-disabled flag, the wire version, and the set of
// tracked variables whose baselines are committed as one batch. Embed it and
// implement SerializeState.
type BaseParticipant struct {
	Key          int
	Precedence   Tier
	KeepDisabled bool
	WireVersion  uint16
	tracked      []committer
}

func (b *BaseParticipant) OrderKey() int          { return b.Key }
func (b *BaseParticipant) Tier() Tier             { return b.Precedence }
func (b *BaseParticipant) SaveWhenDisabled() bool { return b.KeepDisabled }
func (b *BaseParticipant) StateVersion() uint16   { return b.WireVersion }

// Track registers tracked variables for batch baseline commits. Call it once
// from the constructor; the set of tracked variables must not change
// afterwards (registration probing assumes a fixed shape).
func (b *BaseParticipant) Track(vars ...committer) {
	b.tracked = append(b.tracked, vars...)
}

// CommitBaselines snapshots the current value of every tracked variable as
// the new incremental-diff baseline.
func (b *BaseParticipant) CommitBaselines() {
	for _, v := range b.tracked {
		v.commit()
	}
}
