package recovery

import (
	"context"
	"testing"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/writer"
	"gotest.tools/v3/assert"
)

func writeRecords(t *testing.T, stream *logstream.ChunkedStream, recs []logrecord.Record) {
	t.Helper()
	cb := writer.NewCallbackManager(nil)
	t.Cleanup(cb.Close)
	w := writer.New(stream, cb, writer.Config{MaxWriteCacheSize: 1 << 20})
	for _, r := range recs {
		_, _, err := w.InsertBuffered(r)
		assert.NilError(t, err)
	}
	assert.NilError(t, w.Flush(context.Background(), "test"))
}

func TestManagerRecoverReplaysAndDispatches(t *testing.T) {
	stream := logstream.NewChunkedStream(0)
	recs := []logrecord.Record{
		&logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx, LSN: 1}, TxID: 1},
		&logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation, LSN: 2}, TxID: 1, Redo: []byte("r")},
		&logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx, LSN: 3}, TxID: 1, Committed: true},
	}
	writeRecords(t, stream, recs)

	var dispatched []logrecord.Record
	dispatcher := DispatcherFunc(func(_ context.Context, rec logrecord.Record) error {
		dispatched = append(dispatched, rec)
		return nil
	})

	mgr := New(stream, dispatcher, nil)
	replayMap := NewFromSeed(nil)
	info, err := mgr.Recover(context.Background(), 0, replayMap, false)
	assert.NilError(t, err)
	assert.Equal(t, info.RecoveredLSN, uint64(3))
	assert.Equal(t, len(dispatched), 3)
}
