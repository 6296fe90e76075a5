package recovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
)

// LogReader sequentially decodes the length-prefixed frames logrecord.Serialize
// produces, starting at a given stream position (spec.md §4.L "reads the
// log from the last known safe position").
type LogReader struct {
	stream logstream.Stream
	pos    uint64
}

// NewLogReader returns a reader positioned at startPosition.
func NewLogReader(stream logstream.Stream, startPosition uint64) *LogReader {
	return &LogReader{stream: stream, pos: startPosition}
}

// Position returns the reader's current stream offset.
func (r *LogReader) Position() uint64 { return r.pos }

// Next decodes the record at the reader's current position and advances
// past it. It returns io.EOF once the reader has reached the stream's
// write position.
func (r *LogReader) Next(ctx context.Context) (logrecord.Record, error) {
	if r.pos >= r.stream.WritePosition() {
		return nil, io.EOF
	}
	lenBuf, err := r.stream.ReadAt(ctx, r.pos, 4)
	if err != nil {
		return nil, fmt.Errorf("recovery: read frame length at %d: %w", r.pos, err)
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf)
	if frameLen < 4 {
		return nil, fmt.Errorf("recovery: implausible frame length %d at %d", frameLen, r.pos)
	}
	frame, err := r.stream.ReadAt(ctx, r.pos, int(frameLen))
	if err != nil {
		return nil, fmt.Errorf("recovery: read frame body at %d (len %d): %w", r.pos, frameLen, err)
	}
	rec, err := logrecord.Deserialize(frame)
	if err != nil {
		return nil, fmt.Errorf("recovery: deserialize frame at %d: %w", r.pos, err)
	}
	r.pos += uint64(frameLen)
	return rec, nil
}

// ErrStop is a sentinel a Dispatch callback may return. Nothing in this
// package treats it specially: Manager.Recover aborts and returns it
// wrapped, like any other dispatch error.
var ErrStop = errors.New("recovery: stop reading")
