package apply

import (
	"context"
	"sync"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/writer"
	"golang.org/x/sync/errgroup"
)

// Dispatcher consumes flushed batches from the writer's callback manager
// and forms barrier-bounded concurrent groups over them (spec.md §4.K).
// Use Dispatcher.HandleBatch as a writer.FlushCallbackProcessor.
type Dispatcher struct {
	processor *OperationProcessor

	mu             sync.Mutex
	pauseCh        chan struct{} // non-nil while drain-and-pause is active
	lastBarrier    *logrecord.BarrierRecord
	barrierWaiters []chan struct{}
}

// NewDispatcher constructs a dispatcher bound to processor.
func NewDispatcher(processor *OperationProcessor) *Dispatcher {
	return &Dispatcher{processor: processor}
}

// HandleBatch implements writer.FlushCallbackProcessor. Failed batches
// (batch.Err != nil) are skipped: their records already carry the flush
// error via LoggedRecord.Err and any awaiting caller observes it directly.
func (d *Dispatcher) HandleBatch(batch *writer.LoggedBatch) {
	if batch.Err != nil {
		return
	}
	var group []logrecord.Record
	flush := func() {
		if len(group) > 0 {
			d.applyGroup(context.Background(), group)
			group = nil
		}
	}
	for _, lr := range batch.Records {
		if b, ok := lr.Record.(*logrecord.BarrierRecord); ok {
			flush()
			d.handleBarrier(b)
			continue
		}
		group = append(group, lr.Record)
	}
	flush()
}

// awaitPauseIfNeeded blocks the calling (single-worker callback) goroutine
// while a drain-and-pause is outstanding (spec.md §4.K step 2
// "pause_dispatching_if_needed").
func (d *Dispatcher) awaitPauseIfNeeded() {
	d.mu.Lock()
	ch := d.pauseCh
	d.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// applyGroup partitions a barrier-bounded group of records by transaction
// id and processes each transaction's records in order, concurrently
// across transactions when there is more than one (spec.md §4.K steps
// 4-5).
func (d *Dispatcher) applyGroup(ctx context.Context, records []logrecord.Record) {
	d.awaitPauseIfNeeded()

	var nonTx []logrecord.Record
	buckets := make(map[uint64][]logrecord.Record)
	var order []uint64
	for _, rec := range records {
		txID, ok := logrecord.TxID(rec)
		if !ok {
			nonTx = append(nonTx, rec)
			continue
		}
		if _, seen := buckets[txID]; !seen {
			order = append(order, txID)
		}
		buckets[txID] = append(buckets[txID], rec)
	}

	for _, rec := range nonTx {
		d.processPhysical(ctx, rec)
	}

	if len(order) <= 1 {
		for _, txID := range order {
			d.processTxBucket(txID, buckets[txID])
		}
		return
	}

	var g errgroup.Group
	for _, txID := range order {
		txID, recs := txID, buckets[txID]
		g.Go(func() error {
			d.processTxBucket(txID, recs)
			return nil
		})
	}
	_ = g.Wait()
}

// processTxBucket just tracks the logical-record counter: apply has
// already happened synchronously via internal/txmanager's awaitOutcome
// (see OperationProcessor's doc comment).
func (d *Dispatcher) processTxBucket(_ uint64, recs []logrecord.Record) {
	for range recs {
		d.processor.PrepareToProcessLogicalRecord()
		d.processor.logical.Decrement()
	}
}

func (d *Dispatcher) processPhysical(ctx context.Context, rec logrecord.Record) {
	d.processor.PrepareToProcessPhysicalRecord()
	defer d.processor.physical.Decrement()

	if d.processor.hooks == nil {
		return
	}
	switch v := rec.(type) {
	case *logrecord.BeginCheckpointRecord:
		_ = d.processor.hooks.ApplyCheckpointIfPermitted(ctx, v)
	case *logrecord.TruncateHeadRecord:
		_ = d.processor.hooks.ApplyLogHeadTruncationIfPermitted(ctx, v)
	}
}

func (d *Dispatcher) handleBarrier(rec *logrecord.BarrierRecord) {
	d.processor.PrepareToProcessPhysicalRecord()
	if d.processor.hooks != nil {
		earliestPendingTxPSN, _ := d.processor.EarliestPendingBeginTxPSN()
		_ = d.processor.hooks.OnBarrier(context.Background(), rec, earliestPendingTxPSN)
	}
	d.processor.physical.Decrement()

	d.mu.Lock()
	d.lastBarrier = rec
	waiters := d.barrierWaiters
	d.barrierWaiters = nil
	d.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// DrainAndPauseAsync returns a channel that closes once the next barrier
// dispatched after this call has been applied, and begins pausing future
// groups until ContinueDispatch is called (spec.md §4.K
// "drain_and_pause_async"). A barrier dispatched before the call does not
// close the channel; if no later barrier is dispatched it never closes.
func (d *Dispatcher) DrainAndPauseAsync() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pauseCh == nil {
		d.pauseCh = make(chan struct{})
	}
	ch := make(chan struct{})
	d.barrierWaiters = append(d.barrierWaiters, ch)
	return ch
}

// ContinueDispatch releases a pause previously started by
// DrainAndPauseAsync.
func (d *Dispatcher) ContinueDispatch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pauseCh != nil {
		close(d.pauseCh)
		d.pauseCh = nil
	}
}
