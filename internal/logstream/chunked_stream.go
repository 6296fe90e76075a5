package logstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/leengari/logreplicator/internal/replicaerr"
)

// ChunkedStream is an in-memory Stream made of fixed ChunkSize chunks. It
// backs unit tests and the host's log when no log directory is configured.
// A roaring bitmap tracks which chunk indices
// are currently live; TruncateHead evicts and clears bits for chunks that
// fall entirely below the new head, reclaiming their memory immediately.
type ChunkedStream struct {
	mu       sync.Mutex
	chunks   map[int][]byte
	live     *roaring.Bitmap
	head     uint64
	tail     uint64
	capacity uint64 // 0 = unbounded
}

// NewChunkedStream returns an empty stream. capacity, if non-zero, bounds the
// total byte length Append will accept before returning an OutOfCapacity
// error (spec.md §7).
func NewChunkedStream(capacity uint64) *ChunkedStream {
	return &ChunkedStream{
		chunks:   make(map[int][]byte),
		live:     roaring.New(),
		capacity: capacity,
	}
}

func chunkIndex(offset uint64) int { return int(offset / ChunkSize) }

func (s *ChunkedStream) Append(_ context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && s.tail-s.head+uint64(len(p)) > s.capacity {
		return fmt.Errorf("logstream: append would exceed capacity %d: %w", s.capacity, replicaerr.ErrOutOfCapacity)
	}

	written := 0
	for written < len(p) {
		idx := chunkIndex(s.tail)
		offsetInChunk := int(s.tail % ChunkSize)
		chunk, ok := s.chunks[idx]
		if !ok {
			chunk = make([]byte, ChunkSize)
			s.chunks[idx] = chunk
			s.live.Add(uint32(idx))
		}
		n := copy(chunk[offsetInChunk:], p[written:])
		written += n
		s.tail += uint64(n)
	}
	return nil
}

func (s *ChunkedStream) Flush(_ context.Context) error { return nil }

func (s *ChunkedStream) TruncateHead(_ context.Context, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset <= s.head {
		return nil
	}
	lastFullyStale := chunkIndex(offset) // chunk containing offset may still hold live bytes, keep it
	it := s.live.Iterator()
	var toRemove []uint32
	for it.HasNext() {
		idx := it.Next()
		if int(idx) < lastFullyStale {
			toRemove = append(toRemove, idx)
		}
	}
	for _, idx := range toRemove {
		delete(s.chunks, int(idx))
		s.live.Remove(idx)
	}
	s.head = offset
	return nil
}

func (s *ChunkedStream) TruncateTail(_ context.Context, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < s.head || offset > s.tail {
		return fmt.Errorf("logstream: truncate-tail offset %d outside [%d,%d]", offset, s.head, s.tail)
	}
	firstDead := chunkIndex(offset)
	if offset%ChunkSize != 0 {
		firstDead++ // keep the chunk offset lands inside
	}
	it := s.live.Iterator()
	var toRemove []uint32
	for it.HasNext() {
		idx := it.Next()
		if int(idx) >= firstDead {
			toRemove = append(toRemove, idx)
		}
	}
	for _, idx := range toRemove {
		delete(s.chunks, int(idx))
		s.live.Remove(idx)
	}
	s.tail = offset
	return nil
}

func (s *ChunkedStream) ReadAt(_ context.Context, at uint64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateRange(s.head, s.tail, at, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	out := make([]byte, length)
	read := 0
	pos := at
	for read < length {
		idx := chunkIndex(pos)
		offsetInChunk := int(pos % ChunkSize)
		chunk, ok := s.chunks[idx]
		if !ok {
			return nil, fmt.Errorf("logstream: missing chunk %d for offset %d: %w", idx, pos, replicaerr.ErrCorruption)
		}
		n := copy(out[read:], chunk[offsetInChunk:])
		read += n
		pos += uint64(n)
	}
	return out, nil
}

func (s *ChunkedStream) WritePosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

func (s *ChunkedStream) HeadPosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

func (s *ChunkedStream) Length() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail - s.head
}

func (s *ChunkedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
	s.live = roaring.New()
	return nil
}

var _ Stream = (*ChunkedStream)(nil)
