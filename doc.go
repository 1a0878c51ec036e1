// Package stasis implements a state synchronization and serialization core:
// a versioned binary format for capturing component state, replaying it
// across processes, and keeping change notifications consistent under
// nested calls.
//
// # Participants
//
// Any stateful object opts in by implementing Participant. Fields are
// declared once through tracked variables and a symmetric codec, so reading
// and writing can never drift apart:
//
//	type Avatar struct {
//	    stasis.BaseParticipant
//	    speed  *stasis.Var[float64]
//	    name   *stasis.Var[string]
//	}
//
//	func NewAvatar() *Avatar {
//	    a := &Avatar{
//	        speed: stasis.Float64Var(0),
//	        name:  stasis.NewVar(""),
//	    }
//	    a.Track(a.speed, a.name)
//	    return a
//	}
//
//	func (a *Avatar) SerializeState(s *stasis.Serializer, version uint16, level stasis.Level, opts stasis.Options) (bool, error) {
//	    wrote := stasis.SerializeVar(s, "speed", a.speed, level, opts, stasis.Float64Codec)
//	    wrote = stasis.SerializeVar(s, "name", a.name, level, opts, stasis.StringCodec) || wrote
//	    return wrote, s.Err()
//	}
//
// # Saving and loading
//
// A Synchronizer enumerates registered participants in serialization order
// and produces one stream per save, at Complete or changes-only fidelity,
// optionally gzip-compressed:
//
//	sync := stasis.New()
//	sync.Register(avatar)
//	sync.Enable(avatar)
//	sync.CommitBaselines()
//
//	res, err := sync.SaveStateChanges(ctx, stasis.SaveRequest{
//	    Level:  stasis.Complete,
//	    Format: stasis.FormatGzip,
//	})
//
//	// elsewhere, or later
//	report, err := sync.LoadStateChanges(ctx, res.Data)
//
// Each record carries its own length, so one corrupt or unknown record is
// skipped and the rest of the stream still loads.
//
// # Sync events
//
// A mutating method brackets itself with the dispatcher; only the top-level
// bracket emits a notification, no matter how deeply calls nest:
//
//	func (a *Avatar) SetSpeed(v float64) {
//	    defer sync.Dispatcher().BeginSync(a, "SetSpeed").End(v)
//	    a.speed.Set(v)
//	}
//
// The emitted event's wire form replays on a remote copy with
// ExecuteStateSyncEvent, which resolves the target by its unique id and
// invokes the captured call under a replay guard.
//
// # Concurrency
//
// Save, load, and sync dispatch execute synchronously on the caller's
// goroutine; the intended model is a single main update thread. Registries
// are internally locked so registration may arrive from elsewhere, but depth
// counting and baselines assume cooperative, ordered calls.
package stasis
