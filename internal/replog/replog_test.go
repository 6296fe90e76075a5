package replog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/transport"
	"github.com/leengari/logreplicator/internal/writer"
	"gotest.tools/v3/assert"
)

func newTestManager(t *testing.T) (*Manager, *transport.Fake, *writer.Writer) {
	t.Helper()
	cb := writer.NewCallbackManager(nil)
	t.Cleanup(cb.Close)
	w := writer.New(logstream.NewChunkedStream(0), cb, writer.Config{MaxWriteCacheSize: 1 << 20})
	tp := transport.NewFake(1)
	m := New(w, tp, nil, 0, epoch.Invalid, nil)
	return m, tp, w
}

func opRecord() *logrecord.OperationRecord {
	return &logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation}, Redo: []byte("redo")}
}

func TestAppendLogicalInOrderInsertsImmediately(t *testing.T) {
	m, tp, w := newTestManager(t)
	ctx := context.Background()

	var lr *writer.LoggedRecord
	var err error
	done := make(chan struct{})
	go func() {
		lr, err = m.AppendLogical(ctx, opRecord(), []byte("data"))
		close(done)
	}()

	tp.Complete(1, nil)
	<-done
	assert.NilError(t, err)
	assert.Equal(t, lr.Record.GetHeader().LSN, uint64(1))
	assert.NilError(t, w.Flush(ctx, "test"))
	<-lr.Done()
	assert.NilError(t, lr.Err())
}

func TestAppendLogicalParksOutOfOrderCompletion(t *testing.T) {
	m, tp, w := newTestManager(t)
	ctx := context.Background()

	results := make([]*writer.LoggedRecord, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lr, err := m.AppendLogical(ctx, opRecord(), []byte("data"))
			results[i] = lr
			errs[i] = err
		}(i)
	}

	// Let all three ReplicateAsync calls register before completing out of order.
	time.Sleep(20 * time.Millisecond)
	tp.Complete(3, nil)
	tp.Complete(2, nil)

	// LSN 1 is still outstanding: nothing should have been inserted yet.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, m.TailLSN(), uint64(0))

	tp.Complete(1, nil)
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.NilError(t, errs[i])
	}
	assert.Equal(t, m.TailLSN(), uint64(3))

	assert.NilError(t, w.Flush(ctx, "test"))
	for i := 0; i < 3; i++ {
		<-results[i].Done()
		assert.NilError(t, results[i].Err())
	}
}

func TestUpdateEpochRecordAdvancesProgressVector(t *testing.T) {
	m, _, w := newTestManager(t)
	ctx := context.Background()

	lr, err := m.UpdateEpochRecord(epoch.Epoch{DataLossVersion: 1, ConfigurationVersion: 1})
	assert.NilError(t, err)
	assert.NilError(t, w.Flush(ctx, "test"))
	<-lr.Done()

	assert.Equal(t, m.TailEpoch(), epoch.Epoch{DataLossVersion: 1, ConfigurationVersion: 1})
	assert.Equal(t, m.ProgressVector().Len(), 1)
}

func TestFlushInformationRecordCloseLogRejectsFurtherInserts(t *testing.T) {
	m, _, w := newTestManager(t)
	ctx := context.Background()

	assert.NilError(t, m.FlushInformationRecord(ctx, logrecord.EventRemovingState, true))

	_, _, err := w.InsertBuffered(opRecord())
	assert.Assert(t, err != nil)
}
