package logstream

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/leengari/logreplicator/internal/replicaerr"
	"gotest.tools/v3/assert"
)

func streamImpls(t *testing.T) map[string]Stream {
	t.Helper()
	file, err := OpenFileStream(filepath.Join(t.TempDir(), "stream.log"))
	assert.NilError(t, err)
	t.Cleanup(func() { file.Close() })

	return map[string]Stream{
		"file":    file,
		"chunked": NewChunkedStream(0),
	}
}

func TestAppendAdvancesWritePosition(t *testing.T) {
	ctx := context.Background()
	for name, s := range streamImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert.NilError(t, s.Append(ctx, []byte("hello")))
			assert.NilError(t, s.Append(ctx, []byte(" world")))
			assert.Equal(t, s.WritePosition(), uint64(11))

			got, err := s.ReadAt(ctx, 0, 11)
			assert.NilError(t, err)
			assert.Equal(t, string(got), "hello world")
		})
	}
}

func TestReadPastTailIsCorruption(t *testing.T) {
	ctx := context.Background()
	for name, s := range streamImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert.NilError(t, s.Append(ctx, []byte("abc")))
			_, err := s.ReadAt(ctx, 0, 10)
			assert.Assert(t, err != nil)
			assert.ErrorIs(t, err, replicaerr.ErrCorruption)
		})
	}
}

func TestTruncateHeadRejectsEarlierReads(t *testing.T) {
	ctx := context.Background()
	for name, s := range streamImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert.NilError(t, s.Append(ctx, make([]byte, ChunkSize*3)))
			assert.NilError(t, s.TruncateHead(ctx, ChunkSize*2))
			assert.Equal(t, s.HeadPosition(), uint64(ChunkSize*2))

			_, err := s.ReadAt(ctx, 10, 1)
			assert.ErrorIs(t, err, replicaerr.ErrCorruption)

			_, err = s.ReadAt(ctx, ChunkSize*2, 1)
			assert.NilError(t, err)
		})
	}
}

func TestTruncateTailShrinksWritePosition(t *testing.T) {
	ctx := context.Background()
	for name, s := range streamImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert.NilError(t, s.Append(ctx, []byte("0123456789")))
			assert.NilError(t, s.TruncateTail(ctx, 4))
			assert.Equal(t, s.WritePosition(), uint64(4))

			_, err := s.ReadAt(ctx, 0, 10)
			assert.ErrorIs(t, err, replicaerr.ErrCorruption)

			got, err := s.ReadAt(ctx, 0, 4)
			assert.NilError(t, err)
			assert.Equal(t, string(got), "0123")
		})
	}
}

func TestChunkedStreamOutOfCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewChunkedStream(8)
	assert.NilError(t, s.Append(ctx, make([]byte, 8)))
	err := s.Append(ctx, []byte("x"))
	assert.ErrorIs(t, err, replicaerr.ErrOutOfCapacity)
}
