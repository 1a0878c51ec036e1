package stasis

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ChangeNotification is delivered to subscribers exactly once per
// externally-visible state change.
type ChangeNotification struct {
	Target   Participant
	TargetID uuid.UUID
	Event    *SyncEvent
	Data     []byte // wire form of Event, ready for transport
}

// ChangeHandler receives change notifications.
type ChangeHandler func(ChangeNotification)

// PanicHandler is called when a subscriber panics.
type PanicHandler func(n ChangeNotification, panicValue any)

// SubscribeOption configures a subscription.
type SubscribeOption func(*changeSubscriber)

type changeSubscriber struct {
	handler  ChangeHandler
	once     bool
	executed int32
}

// Once configures the handler to be called only once.
func Once() SubscribeOption {
	return func(s *changeSubscriber) {
		s.once = true
	}
}

// Dispatcher captures state-mutating method calls as sync events and
// notifies subscribers with at-most-one top-level propagation: a reentrancy
// depth counter tracks nesting, and the notification fires only when the
// depth is exactly 1, unless the event bypasses nesting checks or the
// top-level-only restriction is globally disabled.
//
// Depth, suppression, and replay counters are cooperative state mutated only
// from the main update thread; the handler list itself is lock-protected in
// case subscriptions arrive from elsewhere.
type Dispatcher struct {
	mu           sync.RWMutex
	subscribers  []*changeSubscriber
	panicHandler PanicHandler

	identity *IdentityRegistry
	variants *VariantRegistry
	version  uint16

	topLevelOnly bool
	depth        int
	replayDepth  int
	suppressed   int

	onEmit func(ChangeNotification)
	logger Logger
}

// NewDispatcher creates a dispatcher resolving targets through identity and
// encoding custom arguments through variants.
func NewDispatcher(identity *IdentityRegistry, variants *VariantRegistry, version uint16) *Dispatcher {
	return &Dispatcher{
		identity:     identity,
		variants:     variants,
		version:      version,
		topLevelOnly: true,
	}
}

// Subscribe registers a change handler and returns its unsubscribe function.
func (d *Dispatcher) Subscribe(h ChangeHandler, opts ...SubscribeOption) func() {
	sub := &changeSubscriber{handler: h}
	for _, opt := range opts {
		opt(sub)
	}

	d.mu.Lock()
	d.subscribers = append(d.subscribers, sub)
	d.mu.Unlock()

	return func() { d.remove(sub) }
}

func (d *Dispatcher) remove(sub *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, s := range d.subscribers {
		if s == sub {
			d.subscribers = append(d.subscribers[:i], d.subscribers[i+1:]...)
			return
		}
	}
}

// SetPanicHandler sets a function called when a subscriber panics.
func (d *Dispatcher) SetPanicHandler(h PanicHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panicHandler = h
}

// SetTopLevelOnly globally toggles the top-level-only restriction. It is on
// by default.
func (d *Dispatcher) SetTopLevelOnly(enabled bool) {
	d.topLevelOnly = enabled
}

// Depth returns the current reentrancy depth.
func (d *Dispatcher) Depth() int { return d.depth }

// Suppress opens a suppression scope: no notifications propagate until the
// returned cancel function runs. Scopes nest. The load orchestrator wraps a
// whole load in one so restoring a snapshot generates no outbound events.
func (d *Dispatcher) Suppress() func() {
	d.suppressed++
	var done bool
	return func() {
		if !done {
			done = true
			d.suppressed--
		}
	}
}

// SyncScope brackets one state-mutating method call.
type SyncScope struct {
	d      *Dispatcher
	target Participant
	method string
	flags  EventFlags
	done   bool
}

// BeginSync opens a sync bracket around a mutating method on target. The
// returned scope must be ended on every exit path, which a single deferred
// End call guarantees:
//
//	func (t *Thing) SetSpeed(v float64) {
//	    defer d.BeginSync(t, "SetSpeed").End(v)
//	    t.speed.Set(v)
//	}
//
// The deferred call captures the argument values at method entry, which is
// exactly the invocation the event must replay.
func (d *Dispatcher) BeginSync(target Participant, method string, flags ...EventFlags) *SyncScope {
	d.depth++
	sc := &SyncScope{d: d, target: target, method: method}
	for _, f := range flags {
		sc.flags |= f
	}
	return sc
}

// End closes the bracket, decrementing the depth, and emits the captured
// event when this call is the externally-visible one. End is idempotent.
func (sc *SyncScope) End(args ...any) {
	if sc.done {
		return
	}
	sc.done = true
	d := sc.d
	defer func() { d.depth-- }()

	if d.suppressed > 0 || d.replayDepth > 0 {
		return
	}
	if d.topLevelOnly && d.depth != 1 && !sc.flags.Has(BypassNesting) {
		return
	}
	d.emit(sc.target, sc.method, args)
}

func (d *Dispatcher) emit(target Participant, method string, args []any) {
	id := d.identity.Register(target)
	ev := &SyncEvent{Target: id, Method: method, Args: args}

	data, err := EncodeEvent(ev, d.version, d.variants)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("encode sync event", "method", method, "error", err)
		}
		return
	}

	n := ChangeNotification{Target: target, TargetID: id, Event: ev, Data: data}

	if d.onEmit != nil {
		d.onEmit(n)
	}

	d.mu.RLock()
	subs := make([]*changeSubscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.RUnlock()

	var spent []*changeSubscriber
	for _, sub := range subs {
		if sub.once {
			if !atomic.CompareAndSwapInt32(&sub.executed, 0, 1) {
				continue
			}
			spent = append(spent, sub)
		}
		d.call(sub, n)
	}
	for _, sub := range spent {
		d.remove(sub)
	}
}

func (d *Dispatcher) call(sub *changeSubscriber, n ChangeNotification) {
	defer func() {
		if r := recover(); r != nil {
			if d.panicHandler != nil {
				d.panicHandler(n, r)
			}
		}
	}()
	sub.handler(n)
}

// ExecResult is the outcome of replaying a serialized sync event. It carries
// the decoded event and resolved target when they are recoverable, plus the
// failure if any; ExecuteStateSyncEvent never panics or returns by throwing.
type ExecResult struct {
	Target Participant
	Event  *SyncEvent
	Err    error
}

// ExecuteStateSyncEvent deserializes a captured call and invokes it on the
// resolved target. The invocation runs inside a replay guard so events fired
// during replay are not themselves re-broadcast, avoiding infinite echo in a
// networked setting.
func (d *Dispatcher) ExecuteStateSyncEvent(data []byte) ExecResult {
	ev, err := DecodeEvent(data, d.version, d.variants)
	if err != nil {
		return ExecResult{Err: err}
	}

	target, err := d.identity.Resolve(ev.Target)
	if err != nil {
		return ExecResult{Event: ev, Err: err}
	}

	st, ok := target.(SyncTarget)
	if !ok {
		return ExecResult{Target: target, Event: ev, Err: fmt.Errorf("%w: %s", ErrNotSyncTarget, ev.Method)}
	}

	d.replayDepth++
	defer func() { d.replayDepth-- }()

	res := ExecResult{Target: target, Event: ev}
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = fmt.Errorf("stasis: replay %s panicked: %v", ev.Method, r)
			}
		}()
		if err := st.InvokeSyncMethod(ev.Method, ev.Args); err != nil {
			res.Err = fmt.Errorf("stasis: replay %s: %w", ev.Method, err)
		}
	}()
	return res
}
