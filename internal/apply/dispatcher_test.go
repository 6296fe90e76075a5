package apply

import (
	"context"
	"testing"
	"time"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/roledrain"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/txmap"
	"github.com/leengari/logreplicator/internal/writer"
	"gotest.tools/v3/assert"
)

func TestDispatcherHandleBatchSkipsFailedBatch(t *testing.T) {
	p := New(stateprovider.NewFake(), txmap.New(), roledrain.New(), nil)
	d := NewDispatcher(p)

	d.HandleBatch(&writer.LoggedBatch{Err: context.DeadlineExceeded})
	// no panic, no hooks invoked: nothing to assert beyond "did not crash".
}

func TestDispatcherGroupsByTransactionAndHandlesBarrier(t *testing.T) {
	p := New(stateprovider.NewFake(), txmap.New(), roledrain.New(), nil)
	d := NewDispatcher(p)

	op1 := &logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation, LSN: 1}, TxID: 1}
	op2 := &logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation, LSN: 2}, TxID: 2}
	barrier := &logrecord.BarrierRecord{Header: logrecord.Header{Kind: logrecord.KindBarrier, LSN: 3}, LastStableLSN: 2}

	batch := &writer.LoggedBatch{Records: []*writer.LoggedRecord{
		{Record: op1}, {Record: op2}, {Record: barrier},
	}}

	waitCh := d.DrainAndPauseAsync()
	d.ContinueDispatch()
	d.HandleBatch(batch)

	select {
	case <-waitCh:
	case <-time.After(time.Second):
		t.Fatal("barrier wait did not resolve")
	}
}

func TestDispatcherPauseBlocksNextGroup(t *testing.T) {
	p := New(stateprovider.NewFake(), txmap.New(), roledrain.New(), nil)
	d := NewDispatcher(p)

	waitCh := d.DrainAndPauseAsync()

	done := make(chan struct{})
	go func() {
		op := &logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation, LSN: 1}, TxID: 1}
		d.HandleBatch(&writer.LoggedBatch{Records: []*writer.LoggedRecord{{Record: op}}})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("dispatch proceeded while paused")
	case <-time.After(50 * time.Millisecond):
	}

	d.ContinueDispatch()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not resume after ContinueDispatch")
	}
	_ = waitCh // never closes here: no barrier was dispatched in this test
}
