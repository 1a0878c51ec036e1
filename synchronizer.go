package stasis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CurrentFormatVersion is this producer's binary-format version. It is
// incremented whenever any participant's wire layout changes; consumers
// accept any version less than or equal to their own and branch on it.
const CurrentFormatVersion uint16 = 1

// Logger is the minimal logging interface accepted by this package. It is
// satisfied by slog-style loggers. A nil logger is silent.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// TreeResolver is the collaborator query "all participants under a given
// root", consumed from the excluded scene-graph subsystem for tree-scoped
// saves.
type TreeResolver interface {
	ParticipantsUnder(root any) []Participant
}

// Observability receives lifecycle hooks around save, load, and sync
// dispatch. See the otel subpackage for an OpenTelemetry implementation.
type Observability interface {
	OnSaveStart(ctx context.Context, level Level, format Format) context.Context
	OnSaveComplete(ctx context.Context, duration time.Duration, records, skipped, size int, err error)
	OnLoadStart(ctx context.Context) context.Context
	OnLoadComplete(ctx context.Context, duration time.Duration, loaded, skipped int, err error)
	OnEventEmit(ctx context.Context, method string)
	OnEventReplay(ctx context.Context, method string, err error)
}

// StateSerialization describes one participant passing through the codec,
// delivered by the inspection hooks.
type StateSerialization struct {
	Participant Participant
	ID          uuid.UUID
	Level       Level
	Reading     bool
	Size        int // payload bytes, zero in the "about to" hook
}

// VarSerialization describes one tracked field passing through the codec.
type VarSerialization struct {
	Participant Participant
	Name        string
	Reading     bool
	Wrote       bool // only meaningful in the "serialized" hook
}

// Synchronizer owns the identity registry, the participant registry, and the
// sync-event dispatcher, and orchestrates saves and loads over them. All
// operations execute synchronously on the caller's goroutine; see the
// package documentation for the concurrency model.
type Synchronizer struct {
	identity   *IdentityRegistry
	registry   *StateRegistry
	variants   *VariantRegistry
	dispatcher *Dispatcher

	version  uint16
	logger   Logger
	obs      Observability
	resolver TreeResolver

	snapshots     *SnapshotManager
	snapshotScope string
	eventLog      EventLog
	eventCount    int64

	stateSerializing []func(StateSerialization)
	stateSerialized  []func(StateSerialization)
	varSerializing   []func(VarSerialization)
	varSerialized    []func(VarSerialization)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the diagnostic logger.
func WithLogger(l Logger) Option {
	return func(y *Synchronizer) { y.logger = l }
}

// WithObservability installs lifecycle hooks.
func WithObservability(o Observability) Option {
	return func(y *Synchronizer) { y.obs = o }
}

// WithFormatVersion overrides the produced format version. Intended for
// tests exercising version evolution.
func WithFormatVersion(v uint16) Option {
	return func(y *Synchronizer) { y.version = v }
}

// WithTreeResolver installs the scene-graph query used by tree-scoped saves.
func WithTreeResolver(r TreeResolver) Option {
	return func(y *Synchronizer) { y.resolver = r }
}

// WithSnapshots enables automatic snapshot persistence: after each emitted
// sync event the policy decides whether a Complete save is written to store
// under the given scope.
func WithSnapshots(store SnapshotStore, policy SnapshotPolicy, scope string) Option {
	return func(y *Synchronizer) {
		y.snapshots = NewSnapshotManager(store, policy)
		y.snapshotScope = scope
	}
}

// WithEventLog appends the wire form of every propagated sync event to log,
// for replay and join-in-progress delivery.
func WithEventLog(log EventLog) Option {
	return func(y *Synchronizer) { y.eventLog = log }
}

// WithoutTopLevelRestriction disables the top-level-only propagation rule:
// nested sync brackets emit their own notifications.
func WithoutTopLevelRestriction() Option {
	return func(y *Synchronizer) { y.dispatcher.SetTopLevelOnly(false) }
}

// New creates a Synchronizer.
func New(opts ...Option) *Synchronizer {
	identity := NewIdentityRegistry()
	variants := NewVariantRegistry()

	y := &Synchronizer{
		identity: identity,
		variants: variants,
		version:  CurrentFormatVersion,
	}
	y.dispatcher = NewDispatcher(identity, variants, y.version)

	for _, opt := range opts {
		opt(y)
	}

	y.registry = NewStateRegistry(y.version)
	y.dispatcher.version = y.version
	y.dispatcher.logger = y.logger
	y.dispatcher.onEmit = y.handleEmit

	return y
}

// Identity returns the unique identity registry.
func (y *Synchronizer) Identity() *IdentityRegistry { return y.identity }

// Registry returns the participant registry.
func (y *Synchronizer) Registry() *StateRegistry { return y.registry }

// Dispatcher returns the sync-event dispatcher.
func (y *Synchronizer) Dispatcher() *Dispatcher { return y.dispatcher }

// Variants returns the argument variant table.
func (y *Synchronizer) Variants() *VariantRegistry { return y.variants }

// Version returns the format version produced by this Synchronizer.
func (y *Synchronizer) Version() uint16 { return y.version }

// Register admits p to the participant registry (running the dry-run probe)
// and assigns its unique identity. Identity is assigned even when the probe
// excludes p from saves: excluded participants can still receive sync
// events. Registration is idempotent.
func (y *Synchronizer) Register(p Participant) uuid.UUID {
	y.registry.Register(p)
	return y.identity.Register(p)
}

// RegisterWithID is Register with a caller-chosen identity, for addressing
// the same logical object across processes.
func (y *Synchronizer) RegisterWithID(p Participant, id uuid.UUID) error {
	y.registry.Register(p)
	return y.identity.RegisterWithID(p, id)
}

// Enable marks p active.
func (y *Synchronizer) Enable(p Participant) { y.registry.Enable(p) }

// Disable marks p inactive.
func (y *Synchronizer) Disable(p Participant) { y.registry.Disable(p) }

// Unregister removes p from every registry. Called on destruction.
func (y *Synchronizer) Unregister(p Participant) {
	y.registry.Unregister(p)
	y.identity.Unregister(p)
}

// CommitBaselines captures incremental-diff baselines for participants
// registered since the last call. Invoke once per update cycle.
func (y *Synchronizer) CommitBaselines() int { return y.registry.CommitBaselines() }

// OnStateSerializing subscribes to the "state about to serialize" hook.
func (y *Synchronizer) OnStateSerializing(fn func(StateSerialization)) {
	y.stateSerializing = append(y.stateSerializing, fn)
}

// OnStateSerialized subscribes to the "state serialized" hook.
func (y *Synchronizer) OnStateSerialized(fn func(StateSerialization)) {
	y.stateSerialized = append(y.stateSerialized, fn)
}

// OnVariableSerializing subscribes to the "variable about to serialize" hook.
func (y *Synchronizer) OnVariableSerializing(fn func(VarSerialization)) {
	y.varSerializing = append(y.varSerializing, fn)
}

// OnVariableSerialized subscribes to the "variable serialized" hook.
func (y *Synchronizer) OnVariableSerialized(fn func(VarSerialization)) {
	y.varSerialized = append(y.varSerialized, fn)
}

// hookSerializer installs the variable inspection hooks on s for the
// duration of one participant's pass.
func (y *Synchronizer) hookSerializer(s *Serializer, p Participant) {
	if len(y.varSerializing) == 0 && len(y.varSerialized) == 0 {
		return
	}
	reading := s.IsReading()
	s.onVarStart = func(name string) {
		for _, fn := range y.varSerializing {
			fn(VarSerialization{Participant: p, Name: name, Reading: reading})
		}
	}
	s.onVarEnd = func(name string, wrote bool) {
		for _, fn := range y.varSerialized {
			fn(VarSerialization{Participant: p, Name: name, Reading: reading, Wrote: wrote})
		}
	}
}

func (y *Synchronizer) fireStateSerializing(ev StateSerialization) {
	for _, fn := range y.stateSerializing {
		fn(ev)
	}
}

func (y *Synchronizer) fireStateSerialized(ev StateSerialization) {
	for _, fn := range y.stateSerialized {
		fn(ev)
	}
}

// handleEmit runs once per propagated sync event: event log append,
// snapshot policy evaluation, observability.
func (y *Synchronizer) handleEmit(n ChangeNotification) {
	ctx := context.Background()
	y.eventCount++

	if y.obs != nil {
		y.obs.OnEventEmit(ctx, n.Event.Method)
	}

	if y.eventLog != nil {
		ev := &LoggedEvent{Data: n.Data, Timestamp: time.Now()}
		if err := y.eventLog.Append(ctx, ev); err != nil && y.logger != nil {
			y.logger.Error("append sync event", "method", n.Event.Method, "error", err)
		}
	}

	if y.snapshots != nil {
		err := y.snapshots.MaybeSnapshot(ctx, y.snapshotScope, y.eventCount, func() (*Snapshot, error) {
			res, err := y.SaveStateChanges(ctx, SaveRequest{Level: Complete, Format: FormatUncompressed})
			if err != nil {
				return nil, err
			}
			return &Snapshot{
				Scope:     y.snapshotScope,
				Level:     Complete,
				Format:    FormatUncompressed,
				Version:   y.version,
				Data:      res.Data,
				Timestamp: time.Now(),
			}, nil
		})
		if err != nil && y.logger != nil {
			// Snapshots are an optimization, not required for correctness.
			y.logger.Error("snapshot", "scope", y.snapshotScope, "error", err)
		}
	}
}

// ExecuteStateSyncEvent replays a serialized sync event on its target. It
// never panics; all failures are reported in the result.
func (y *Synchronizer) ExecuteStateSyncEvent(data []byte) ExecResult {
	res := y.dispatcher.ExecuteStateSyncEvent(data)
	if y.obs != nil {
		method := ""
		if res.Event != nil {
			method = res.Event.Method
		}
		y.obs.OnEventReplay(context.Background(), method, res.Err)
	}
	if res.Err != nil && y.logger != nil {
		y.logger.Error("replay sync event", "error", res.Err)
	}
	return res
}

// ReplayResult summarizes an event-log replay.
type ReplayResult struct {
	Applied int
	Failed  []ExecResult
}

// ReplayEvents re-executes logged sync events from position from (exclusive).
// Individual event failures do not stop the replay.
func (y *Synchronizer) ReplayEvents(ctx context.Context, from int64) (*ReplayResult, error) {
	if y.eventLog == nil {
		return nil, errUsage("ReplayEvents requires an event log (use WithEventLog)")
	}

	events, err := y.eventLog.Read(ctx, from, -1)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{}
	for _, ev := range events {
		r := y.ExecuteStateSyncEvent(ev.Data)
		if r.Err != nil {
			res.Failed = append(res.Failed, r)
			continue
		}
		res.Applied++
	}
	return res, nil
}
