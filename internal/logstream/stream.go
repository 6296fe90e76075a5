// Package logstream implements the append-only byte stream abstraction
// (spec.md §4.A) that the physical log writer serialises records onto. Two
// interchangeable implementations are provided: FileStream (sparse-file
// backed, for a real log directory) and ChunkedStream (in-memory, fixed
// 64 KiB chunks, for tests and for a host with no log directory). See DESIGN.md's Open Question #1 for the selection rule.
package logstream

import (
	"context"
	"fmt"

	"github.com/leengari/logreplicator/internal/replicaerr"
)

// ChunkSize is the fixed chunk granularity of the in-memory implementation.
const ChunkSize = 64 * 1024

// Stream is the contract both implementations satisfy.
type Stream interface {
	// Append writes p at the current write position and advances it.
	// Buffering/ordering is the caller's (writer's) responsibility; Append
	// itself preserves call order.
	Append(ctx context.Context, p []byte) error

	// Flush makes every byte written before this call durable. For
	// ChunkedStream this is a no-op (already "durable" in memory).
	Flush(ctx context.Context) error

	// TruncateHead forgets bytes before offset. Idempotent for any
	// offset <= current head.
	TruncateHead(ctx context.Context, offset uint64) error

	// TruncateTail shrinks the stream to offset. Idempotent if
	// head <= offset <= tail.
	TruncateTail(ctx context.Context, offset uint64) error

	// ReadAt reads length bytes starting at the given absolute offset from
	// a snapshot of currently-valid bytes. Returns replicaerr.ErrCorruption
	// if the read spans before head or past the current tail.
	ReadAt(ctx context.Context, at uint64, length int) ([]byte, error)

	// WritePosition returns the current tail (next-append) offset.
	WritePosition() uint64

	// HeadPosition returns the current head (oldest readable) offset.
	HeadPosition() uint64

	// Length returns WritePosition() - HeadPosition(), the live byte range.
	Length() uint64

	Close() error
}

// validateRange reports the two out-of-range read conditions both
// implementations surface as replicaerr.ErrCorruption (spec.md §4.A): a read
// starting before the current head, or one extending past the current tail.
func validateRange(head, tail, at uint64, length int) error {
	if at < head {
		return fmt.Errorf("logstream: read offset %d before head %d: %w", at, head, replicaerr.ErrCorruption)
	}
	if at+uint64(length) > tail {
		return fmt.Errorf("logstream: read [%d,%d) past tail %d: %w", at, at+uint64(length), tail, replicaerr.ErrCorruption)
	}
	return nil
}
