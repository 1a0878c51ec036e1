package stasis

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// LoadResult is the best-effort outcome of a load. Skipped lists records
// that failed to apply; all other records were restored.
type LoadResult struct {
	Records int
	Loaded  int
	Skipped []*RecordError
}

// LoadStateChanges restores participant state from a stream produced by
// SaveStateChanges.
//
// Only a malformed header aborts the load. Each record declares its own
// length, so when identity resolution, deserialization, or the participant's
// own field logic fails, exactly that record is skipped by seeking to the
// declared end; sibling records are unaffected. The whole load runs inside a
// sync-suppression scope so restoring a snapshot emits no outbound events.
// Participants implementing Relocatable have their position re-applied
// through the normal movement pathway afterwards.
func (y *Synchronizer) LoadStateChanges(ctx context.Context, data []byte) (*LoadResult, error) {
	start := time.Now()
	if y.obs != nil {
		ctx = y.obs.OnLoadStart(ctx)
	}

	res := &LoadResult{}
	var err error
	defer func() {
		if y.obs != nil {
			y.obs.OnLoadComplete(ctx, time.Since(start), res.Loaded, len(res.Skipped), err)
		}
	}()

	var body []byte
	var level Level
	body, level, err = parseStream(data, y.version)
	if err != nil {
		return nil, err
	}

	cancel := y.dispatcher.Suppress()
	defer cancel()

	var restored []Participant
	pos := 0
	for pos < len(body) {
		res.Records++

		length, n := binary.Uvarint(body[pos:])
		if n <= 0 {
			res.Skipped = append(res.Skipped, &RecordError{Index: res.Records - 1,
				Err: &DecodeError{Op: "record length", Err: io.ErrUnexpectedEOF}})
			break
		}
		recStart := pos + n
		recEnd := recStart + int(length)
		if length > uint64(len(body)-recStart) {
			res.Skipped = append(res.Skipped, &RecordError{Index: res.Records - 1,
				Err: &DecodeError{Op: "record", Err: fmt.Errorf("declared length %d exceeds %d remaining bytes", length, len(body)-recStart)}})
			break
		}

		p, rerr := y.loadRecord(body[recStart:recEnd], level)
		if rerr != nil {
			rerr.Index = res.Records - 1
			res.Skipped = append(res.Skipped, rerr)
			if y.logger != nil {
				y.logger.Error("load skipped record", "index", rerr.Index, "target", rerr.Target.String(), "error", rerr.Err)
			}
		} else {
			res.Loaded++
			restored = append(restored, p)
		}

		// Resume at the declared record boundary regardless of where the
		// inner reader stopped.
		pos = recEnd
	}

	for _, p := range restored {
		if r, ok := p.(Relocatable); ok {
			r.ReapplyPosition()
		}
	}

	if y.logger != nil {
		y.logger.Debug("loaded state", "records", res.Records, "loaded", res.Loaded, "skipped", len(res.Skipped))
	}
	return res, nil
}

// loadRecord applies a single [id][version][payload] record.
func (y *Synchronizer) loadRecord(record []byte, level Level) (Participant, *RecordError) {
	s := NewReader(record, 0)

	var id uuid.UUID
	s.UUID(&id)
	var declared uint64
	s.Uvarint(&declared)
	if err := s.Err(); err != nil {
		return nil, &RecordError{Target: id, Err: err}
	}
	if declared > uint64(^uint16(0)) {
		return nil, &RecordError{Target: id, Err: &DecodeError{Op: "record version", Err: fmt.Errorf("%d out of range", declared)}}
	}

	p, err := y.identity.Resolve(id)
	if err != nil {
		return nil, &RecordError{Target: id, Err: err}
	}

	payload := record[len(record)-s.Remaining():]
	r := NewReader(payload, uint16(declared))
	y.hookSerializer(r, p)

	if err := deserializeGuarded(p, r, uint16(declared), level); err != nil {
		return nil, &RecordError{Target: id, Err: err}
	}
	return p, nil
}

// deserializeGuarded runs one participant's read pass, turning panics from
// field logic into per-record errors.
func deserializeGuarded(p Participant, s *Serializer, version uint16, level Level) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stasis: participant panicked: %v", r)
		}
	}()
	if _, serr := p.SerializeState(s, version, level, 0); serr != nil {
		return serr
	}
	return s.Err()
}

// parseStream validates the header and returns the decompressed record body
// and the stream's level. A malformed header is the only hard stop; a
// corrupt compressed body is likewise unusable as a whole.
func parseStream(data []byte, ownVersion uint16) ([]byte, Level, error) {
	if len(data) < headerSize {
		return nil, 0, &HeaderError{Reason: fmt.Sprintf("%d bytes, want at least %d", len(data), headerSize)}
	}

	format := Format(data[0])
	level := Level(data[1])
	version := binary.LittleEndian.Uint16(data[2:4])

	if format != FormatUncompressed && format != FormatGzip {
		return nil, 0, &HeaderError{Reason: fmt.Sprintf("unknown format byte %#x", data[0])}
	}
	if level != ChangesSincePreviousSave && level != Complete {
		return nil, 0, &HeaderError{Reason: fmt.Sprintf("unknown level byte %#x", data[1])}
	}
	if version > ownVersion {
		return nil, 0, &HeaderError{Reason: fmt.Sprintf("stream version %d newer than supported %d", version, ownVersion)}
	}

	body := data[headerSize:]
	if format == FormatGzip {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, 0, fmt.Errorf("stasis: decompress: %w", err)
		}
		defer zr.Close()
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, 0, fmt.Errorf("stasis: decompress: %w", err)
		}
	}
	return body, level, nil
}
