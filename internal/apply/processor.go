// Package apply implements the operation processor (spec.md §4.J) and the
// dispatcher that feeds it flushed batches in barrier-bounded concurrent
// groups (§4.K), grounded on the teacher's internal/engine/observer.go
// apply-and-unlock shape and internal/network/server.go's
// goroutine-per-unit concurrency style.
package apply

import (
	"context"
	"fmt"
	"sync"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/roledrain"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/txmap"
)

// ProcessingMode classifies how a flushed record is handled (spec.md §4.J).
type ProcessingMode int

const (
	Normal ProcessingMode = iota
	ApplyImmediately
	ProcessImmediately
)

// Classify returns rec's processing mode given the replica's current role.
func Classify(rec logrecord.Record, role stateprovider.Role) ProcessingMode {
	switch rec.(type) {
	case *logrecord.BeginTxRecord, *logrecord.OperationRecord, *logrecord.EndTxRecord:
		return Normal
	case *logrecord.BeginCheckpointRecord, *logrecord.TruncateHeadRecord:
		return ApplyImmediately
	case *logrecord.BarrierRecord:
		if role != stateprovider.RoleUnknown {
			return ApplyImmediately
		}
		return ProcessImmediately
	default:
		return ProcessImmediately
	}
}

// CheckpointHooks lets the checkpoint manager react to ApplyImmediately
// physical records as they flush, without the operation processor needing
// to import the checkpoint package (spec.md §4.H / §4.J boundary).
type CheckpointHooks interface {
	ApplyCheckpointIfPermitted(ctx context.Context, rec *logrecord.BeginCheckpointRecord) error
	ApplyLogHeadTruncationIfPermitted(ctx context.Context, rec *logrecord.TruncateHeadRecord) error
	// OnBarrier is called for every applied Barrier; earliestPendingTxPSN is
	// the oldest pending transaction's BeginTx PSN (0 if none), forwarded
	// from OperationProcessor.EarliestPendingBeginTxPSN so the checkpoint
	// manager can re-evaluate checkpoint_if_necessary (spec.md §4.H).
	OnBarrier(ctx context.Context, rec *logrecord.BarrierRecord, earliestPendingTxPSN uint64) error
}

// CommitNotifier is invoked once a committed transaction's chain has been
// fully applied and unlocked.
type CommitNotifier func(txID uint64)

// OperationProcessor applies flushed logical records to the state provider
// and tracks in-flight logical/physical record counts (spec.md §4.J).
//
// Note on this architecture's apply timing: internal/txmanager already
// awaits the applier outcome synchronously for every entry point (begin,
// atomic operation, commit, abort) before returning to its caller, so by
// the time a batch reaches the dispatcher every Normal record has already
// been applied. The dispatcher's per-record work for Normal records is
// therefore limited to counter bookkeeping; ApplyImmediately/
// ProcessImmediately physical records (which never pass through
// txmanager) are the ones that still need dispatch-time handling.
type OperationProcessor struct {
	sp       stateprovider.StateProvider
	txMap    *txmap.Map
	role     *roledrain.State
	hooks    CheckpointHooks
	notifier CommitNotifier

	mu       sync.Mutex
	logical  *refCounter
	physical *refCounter

	unlockMu sync.Mutex
	unlocked map[notificationKey]struct{}
}

// notificationKey dedupes unlock notifications by (lsn, psn), matching the
// original's NotificationKey/NotificationKeyComparer (SPEC_FULL.md §3
// supplemented feature) so a retried flush callback cannot unlock twice.
type notificationKey struct {
	lsn uint64
	psn uint64
}

// EarliestPendingBeginTxPSN reports the PSN of the oldest pending
// transaction's BeginTx record, for the checkpoint manager's
// earliest-pending-tx cutoff (spec.md §4.I).
func (p *OperationProcessor) EarliestPendingBeginTxPSN() (uint64, bool) {
	begin, ok := p.txMap.EarliestPending()
	if !ok {
		return 0, false
	}
	return begin.Header.PSN, true
}

// New constructs an operation processor. notifier may be nil.
func New(sp stateprovider.StateProvider, txMap *txmap.Map, role *roledrain.State, notifier CommitNotifier) *OperationProcessor {
	return &OperationProcessor{
		sp:       sp,
		txMap:    txMap,
		role:     role,
		notifier: notifier,
		logical:  newRefCounter(),
		physical: newRefCounter(),
		unlocked: make(map[notificationKey]struct{}),
	}
}

// SetHooks installs the checkpoint manager's hooks; nil disables them.
func (p *OperationProcessor) SetHooks(h CheckpointHooks) { p.hooks = h }

// PrepareToProcessLogicalRecord/PrepareToProcessPhysicalRecord increment the
// corresponding in-flight counter (spec.md §4.J).
func (p *OperationProcessor) PrepareToProcessLogicalRecord()  { p.logical.Increment() }
func (p *OperationProcessor) PrepareToProcessPhysicalRecord() { p.physical.Increment() }

// WaitForLogicalRecordsProcessing/WaitForPhysicalRecordsProcessing block
// until every prepared record of that family has finished processing.
func (p *OperationProcessor) WaitForLogicalRecordsProcessing()  { p.logical.Wait() }
func (p *OperationProcessor) WaitForPhysicalRecordsProcessing() { p.physical.Wait() }

func (p *OperationProcessor) applyContext() stateprovider.ApplyContext {
	if p.role == nil {
		return stateprovider.SecondaryRedo
	}
	return p.role.ApplyRedoContext()
}

// Apply implements txmanager.Applier. It is called directly by the
// transaction manager for every logical record it logs.
func (p *OperationProcessor) Apply(ctx context.Context, rec logrecord.Record) error {
	switch v := rec.(type) {
	case *logrecord.OperationRecord:
		return p.applyStandaloneOperation(ctx, v)
	case *logrecord.EndTxRecord:
		return p.applyEndTx(ctx, v)
	default:
		return nil
	}
}

// applyStandaloneOperation handles atomic / atomic-redo operations and
// single-operation (begin_transaction_async) commits: apply runs once,
// immediately, with no separate end-transaction record.
func (p *OperationProcessor) applyStandaloneOperation(ctx context.Context, rec *logrecord.OperationRecord) error {
	opCtx, err := p.sp.Apply(ctx, rec.Header.LSN, rec.TxID, p.applyContext(), rec.Metadata, rec.Redo)
	if err != nil {
		if p.role != nil {
			p.role.ReportFault(fmt.Errorf("apply: standalone operation tx %d lsn %d: %w", rec.TxID, rec.Header.LSN, err))
		}
		return err
	}
	return p.unlockOnce(ctx, rec.Header.LSN, rec.Header.PSN, opCtx)
}

// applyEndTx walks the transaction's chain and applies the begin record and
// every buffered operation in order, per spec.md §4.J "for multi-op
// transactions, apply is invoked for the begin and each contained
// operation at commit time". Aborted transactions are never applied.
func (p *OperationProcessor) applyEndTx(ctx context.Context, end *logrecord.EndTxRecord) error {
	begin, ops, _, ok := p.txMap.Chain(end.TxID)
	if !ok {
		return fmt.Errorf("apply: end tx %d has no tracked chain", end.TxID)
	}
	if !end.Committed {
		return nil
	}

	applyCtx := p.applyContext()
	if begin != nil {
		opCtx, err := p.sp.Apply(ctx, begin.Header.LSN, begin.TxID, applyCtx, begin.Metadata, nil)
		if err != nil {
			p.reportApplyFault(end.TxID, begin.Header.LSN, err)
			return err
		}
		if err := p.unlockOnce(ctx, begin.Header.LSN, begin.Header.PSN, opCtx); err != nil {
			return err
		}
	}
	for _, op := range ops {
		opCtx, err := p.sp.Apply(ctx, op.Header.LSN, op.TxID, applyCtx, op.Metadata, op.Redo)
		if err != nil {
			p.reportApplyFault(end.TxID, op.Header.LSN, err)
			return err
		}
		if err := p.unlockOnce(ctx, op.Header.LSN, op.Header.PSN, opCtx); err != nil {
			return err
		}
	}
	if p.notifier != nil {
		p.notifier(end.TxID)
	}
	return nil
}

func (p *OperationProcessor) reportApplyFault(txID, lsn uint64, err error) {
	if p.role != nil {
		p.role.ReportFault(fmt.Errorf("apply: tx %d lsn %d: %w", txID, lsn, err))
	}
}

func (p *OperationProcessor) unlockOnce(ctx context.Context, lsn, psn uint64, opCtx stateprovider.OperationContext) error {
	key := notificationKey{lsn: lsn, psn: psn}
	p.unlockMu.Lock()
	_, already := p.unlocked[key]
	if !already {
		p.unlocked[key] = struct{}{}
	}
	p.unlockMu.Unlock()
	if already {
		return nil
	}
	return p.sp.Unlock(ctx, opCtx)
}
