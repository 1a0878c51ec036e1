package stasis

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const headerSize = 4

// SaveRequest selects what to save and how.
type SaveRequest struct {
	// Roots restricts the save to participants under these roots, resolved
	// through the TreeResolver. Nil means the whole save-required view.
	Roots []any
	// IgnoreRoots excludes participants under these roots.
	IgnoreRoots []any

	Level  Level
	Format Format
}

// SaveResult is the best-effort outcome of a save. Skipped lists
// participants whose records were omitted; the rest of the stream is intact.
type SaveResult struct {
	Data    []byte
	Records int
	Skipped []*RecordError
}

// SaveStateChanges serializes the selected participants into one stream.
//
// Participants are enumerated in serialization order (tier, then order key).
// Each one is first probed with a dry run; participants with nothing to
// write produce no record at all. The real pass serializes into a scratch
// buffer so the record length is known before anything reaches the
// authoritative stream, then appends [length][id][version][payload].
//
// A participant whose serialization fails is skipped with a diagnostic; no
// single bad component prevents the rest of the save.
func (y *Synchronizer) SaveStateChanges(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	start := time.Now()
	if y.obs != nil {
		ctx = y.obs.OnSaveStart(ctx, req.Level, req.Format)
	}

	res := &SaveResult{}
	var err error
	defer func() {
		if y.obs != nil {
			y.obs.OnSaveComplete(ctx, time.Since(start), res.Records, len(res.Skipped), len(res.Data), err)
		}
	}()

	participants, err := y.selectParticipants(req)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	for i, p := range participants {
		id := y.identity.Register(p)

		probe := NewProbe(y.version)
		wrote, perr := p.SerializeState(probe, p.StateVersion(), req.Level, DontSerialize|DontCacheChanges)
		if perr != nil {
			res.Skipped = append(res.Skipped, &RecordError{Target: id, Index: i, Err: perr})
			y.logSkip("save probe", id, perr)
			continue
		}
		if !wrote {
			continue
		}

		y.fireStateSerializing(StateSerialization{Participant: p, ID: id, Level: req.Level})

		scratch := NewWriter(y.version)
		y.hookSerializer(scratch, p)
		payload, perr := serializeGuarded(p, scratch, req.Level)
		if perr != nil {
			res.Skipped = append(res.Skipped, &RecordError{Target: id, Index: i, Err: perr})
			y.logSkip("save", id, perr)
			continue
		}

		writeRecord(&body, id[:], uint64(p.StateVersion()), payload)
		res.Records++

		y.fireStateSerialized(StateSerialization{Participant: p, ID: id, Level: req.Level, Size: len(payload)})
	}

	res.Data, err = frame(req.Format, req.Level, y.version, body.Bytes())
	if err != nil {
		return nil, err
	}

	if y.logger != nil {
		y.logger.Debug("saved state", "records", res.Records, "skipped", len(res.Skipped),
			"level", req.Level.String(), "format", req.Format.String(), "bytes", len(res.Data))
	}
	return res, nil
}

// serializeGuarded runs one participant's real serialization pass, turning
// panics from field logic into per-record errors.
func serializeGuarded(p Participant, s *Serializer, level Level) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stasis: participant panicked: %v", r)
		}
	}()
	if _, serr := p.SerializeState(s, p.StateVersion(), level, 0); serr != nil {
		return nil, serr
	}
	if serr := s.Err(); serr != nil {
		return nil, serr
	}
	return s.Bytes(), nil
}

// writeRecord appends one length-prefixed record. The length covers
// everything after itself through the end of the payload, enabling
// skip-on-error during load.
func writeRecord(body *bytes.Buffer, id []byte, version uint64, payload []byte) {
	var tmp [binary.MaxVarintLen64]byte
	vn := binary.PutUvarint(tmp[:], version)

	length := uint64(len(id) + vn + len(payload))
	var ln [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(ln[:], length)

	body.Write(ln[:n])
	body.Write(id)
	body.Write(tmp[:vn])
	body.Write(payload)
}

// frame prepends the 4-byte header and applies compression. The header is
// always stored uncompressed so a reader can identify the format before
// decompressing.
func frame(format Format, level Level, version uint16, body []byte) ([]byte, error) {
	var out bytes.Buffer
	header := [headerSize]byte{byte(format), byte(level)}
	binary.LittleEndian.PutUint16(header[2:], version)
	out.Write(header[:])

	switch format {
	case FormatUncompressed:
		out.Write(body)
	case FormatGzip:
		zw := gzip.NewWriter(&out)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("stasis: compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("stasis: compress: %w", err)
		}
	default:
		return nil, fmt.Errorf("stasis: unknown format %d", format)
	}
	return out.Bytes(), nil
}

// selectParticipants picks and orders the participant set for a save.
func (y *Synchronizer) selectParticipants(req SaveRequest) ([]Participant, error) {
	if req.Roots == nil {
		return y.registry.SaveRequired(), nil
	}
	if y.resolver == nil {
		return nil, errUsage("tree-scoped save requires a TreeResolver (use WithTreeResolver)")
	}

	ignored := make(map[Participant]struct{})
	for _, root := range req.IgnoreRoots {
		for _, p := range y.resolver.ParticipantsUnder(root) {
			ignored[p] = struct{}{}
		}
	}

	seen := make(map[Participant]struct{})
	var out []Participant
	for _, root := range req.Roots {
		for _, p := range y.resolver.ParticipantsUnder(root) {
			if _, dup := seen[p]; dup {
				continue
			}
			if _, skip := ignored[p]; skip {
				continue
			}
			if y.registry.IsExcluded(p) {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	SortParticipants(out, nil)
	return out, nil
}

func (y *Synchronizer) logSkip(op string, id uuid.UUID, err error) {
	if y.logger != nil {
		y.logger.Error(op+" skipped record", "target", id.String(), "error", err)
	}
}
