package logstream

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/leengari/logreplicator/internal/replicaerr"
)

// FileStream is a Stream backed by a single on-disk file. Head truncation is
// logical-only: bytes below head are no longer readable, but the file is not
// physically shrunk from the front (true hole-punching is filesystem- and
// platform-specific and is out of scope; see DESIGN.md). Tail truncation
// does physically truncate the file, since os.File.Truncate is portable.
type FileStream struct {
	mu   sync.Mutex
	file *os.File
	head uint64
	tail uint64
}

// OpenFileStream opens (creating if absent) the log stream at path. An
// existing file resumes at its current length as the tail; head starts at 0
// (the caller, typically the recovery manager, repositions head once it has
// determined the true log-head offset from the persisted TruncateHead record).
func OpenFileStream(path string) (*FileStream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logstream: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("logstream: stat %s: %w", path, err)
	}
	return &FileStream{file: f, tail: uint64(info.Size())}, nil
}

func (s *FileStream) Append(_ context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.file.WriteAt(p, int64(s.tail))
	if err != nil {
		return fmt.Errorf("logstream: append: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("logstream: short append: wrote %d of %d bytes", n, len(p))
	}
	s.tail += uint64(n)
	return nil
}

func (s *FileStream) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("logstream: flush: %w", err)
	}
	return nil
}

func (s *FileStream) TruncateHead(_ context.Context, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.head {
		s.head = offset
	}
	return nil
}

func (s *FileStream) TruncateTail(_ context.Context, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < s.head || offset > s.tail {
		return fmt.Errorf("logstream: truncate-tail offset %d outside [%d,%d]", offset, s.head, s.tail)
	}
	if err := s.file.Truncate(int64(offset)); err != nil {
		return fmt.Errorf("logstream: truncate-tail: %w", err)
	}
	s.tail = offset
	return nil
}

// ReadAt maps a read-only snapshot of the file and copies length bytes
// starting at at. Mapping per call (rather than keeping a long-lived
// mapping) keeps the view consistent with concurrent Append/TruncateTail
// calls without needing to invalidate a cached mapping.
func (s *FileStream) ReadAt(_ context.Context, at uint64, length int) ([]byte, error) {
	s.mu.Lock()
	head, tail := s.head, s.tail
	s.mu.Unlock()

	if err := validateRange(head, tail, at, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	m, err := mmap.MapRegion(s.file, int(tail), mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("logstream: mmap: %w", err)
	}
	defer m.Unmap()

	if at+uint64(length) > uint64(len(m)) {
		return nil, fmt.Errorf("logstream: read [%d,%d) exceeds mapped region %d: %w",
			at, at+uint64(length), len(m), replicaerr.ErrCorruption)
	}
	out := make([]byte, length)
	copy(out, m[at:at+uint64(length)])
	return out, nil
}

func (s *FileStream) WritePosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

func (s *FileStream) HeadPosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

func (s *FileStream) Length() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail - s.head
}

func (s *FileStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ Stream = (*FileStream)(nil)
