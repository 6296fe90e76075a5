package writer

import (
	"context"
	"sync"
	"testing"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/replicaerr"
	"gotest.tools/v3/assert"
)

func newTestWriter(t *testing.T) (*Writer, *CallbackManager) {
	t.Helper()
	cb := NewCallbackManager(nil)
	t.Cleanup(cb.Close)
	w := New(logstream.NewChunkedStream(0), cb, Config{MaxWriteCacheSize: 1 << 20})
	return w, cb
}

func barrier(lsn uint64) *logrecord.BarrierRecord {
	return &logrecord.BarrierRecord{Header: logrecord.Header{Kind: logrecord.KindBarrier, LSN: lsn}, LastStableLSN: lsn}
}

func TestInsertBufferedAssignsPSNChain(t *testing.T) {
	w, _ := newTestWriter(t)

	lr1, size1, err := w.InsertBuffered(barrier(1))
	assert.NilError(t, err)
	assert.Assert(t, size1 > 0)
	assert.Equal(t, lr1.Record.GetHeader().PSN, uint64(1))
	assert.Equal(t, lr1.Record.GetHeader().PreviousPhysicalRecordPSN, uint64(0))

	lr2, _, err := w.InsertBuffered(barrier(2))
	assert.NilError(t, err)
	assert.Equal(t, lr2.Record.GetHeader().PSN, uint64(2))
	assert.Equal(t, lr2.Record.GetHeader().PreviousPhysicalRecordPSN, uint64(1))
}

func TestFlushCompletesAllBufferedRecords(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	lr1, _, err := w.InsertBuffered(barrier(1))
	assert.NilError(t, err)
	lr2, _, err := w.InsertBuffered(barrier(2))
	assert.NilError(t, err)

	assert.NilError(t, w.Flush(ctx, "test"))

	<-lr1.Done()
	<-lr2.Done()
	assert.NilError(t, lr1.Err())
	assert.NilError(t, lr2.Err())
	assert.Equal(t, w.TailPSN(), uint64(2))
}

func TestConcurrentFlushesQueueIntoPending(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		lr, _, err := w.InsertBuffered(barrier(uint64(i+1)))
		assert.NilError(t, err)
		wg.Add(1)
		go func(lr *LoggedRecord) {
			defer wg.Done()
			assert.NilError(t, w.Flush(ctx, "concurrent"))
			<-lr.Done()
			assert.NilError(t, lr.Err())
		}(lr)
	}
	wg.Wait()
	assert.Equal(t, w.TailPSN(), uint64(20))
}

func TestInsertBufferedAfterCloseFailsImmediately(t *testing.T) {
	w, _ := newTestWriter(t)
	w.Close(nil)

	lr, _, err := w.InsertBuffered(barrier(1))
	assert.ErrorIs(t, err, replicaerr.ErrClosed)
	<-lr.Done()
	assert.ErrorIs(t, lr.Err(), replicaerr.ErrClosed)
}

func TestInsertBufferedRejectedAfterRemovingState(t *testing.T) {
	w, _ := newTestWriter(t)
	_, _, err := w.InsertBuffered(&logrecord.InformationRecord{
		Header: logrecord.Header{Kind: logrecord.KindInformation},
		Event:  logrecord.EventRemovingState,
	})
	assert.NilError(t, err)

	_, _, err = w.InsertBuffered(barrier(1))
	assert.ErrorIs(t, err, replicaerr.ErrInvalidOperation)
}

func TestShouldThrottleWrites(t *testing.T) {
	w, _ := newTestWriter(t)
	w.cfg.MaxWriteCacheSize = 1
	w.mu.Lock()
	w.pendingFlushBytes = 2
	w.mu.Unlock()
	assert.Assert(t, w.ShouldThrottleWrites())
}
