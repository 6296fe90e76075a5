// Package txmanager implements the transaction manager (spec.md §4.G): the
// entry points transactions call to begin, add operations to, and commit or
// abort a transaction, each of which logs a record through the replicated
// log manager and awaits both the apply and the durability outcome before
// returning.
package txmanager

import (
	"context"
	"fmt"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/replicaerr"
	"github.com/leengari/logreplicator/internal/replog"
	"github.com/leengari/logreplicator/internal/writer"
)

// ThrottleChecker is consulted before every replicate call; the checkpoint
// manager's log-truncation policy implements it (spec.md §4.G/§4.H).
type ThrottleChecker interface {
	ErrorIfThrottled(rec logrecord.Record) error
}

// GroupCommitRequester is consulted after a latency-sensitive record
// (currently: a transaction's commit/abort, or BeginTransactionAsync's
// single-operation commit) logs, so it becomes durable
// without waiting for the next periodic flush. The checkpoint manager
// implements it (spec.md §4.H request_group_commit, spec.md §4.G).
type GroupCommitRequester interface {
	RequestGroupCommit()
}

// Applier applies a just-logged record to the state provider and releases
// whatever lock its operation context holds. The operation processor
// (§4.J) implements it; on commit/abort it is responsible for unlocking
// every operation context buffered for that transaction.
type Applier interface {
	Apply(ctx context.Context, rec logrecord.Record) error
}

// Manager is the transaction manager.
type Manager struct {
	replog      *replog.Manager
	throttle    ThrottleChecker
	applier     Applier
	groupCommit GroupCommitRequester
}

// New constructs a transaction manager. throttle, applier, and groupCommit
// may be nil in tests that don't exercise throttling, apply, or group-commit
// semantics.
func New(rl *replog.Manager, throttle ThrottleChecker, applier Applier, groupCommit GroupCommitRequester) *Manager {
	return &Manager{replog: rl, throttle: throttle, applier: applier, groupCommit: groupCommit}
}

func (m *Manager) requestGroupCommit() {
	if m.groupCommit != nil {
		m.groupCommit.RequestGroupCommit()
	}
}

func (m *Manager) checkThrottle(rec logrecord.Record) error {
	if m.throttle == nil {
		return nil
	}
	return m.throttle.ErrorIfThrottled(rec)
}

// awaitOutcome blocks until rec's batch has flushed and, concurrently, the
// applier has applied it; a failure on either side surfaces as
// TransactionAborted (spec.md §4.G), except the pre-replicate throttle
// check, which callers apply separately before this is ever reached.
func (m *Manager) awaitOutcome(ctx context.Context, rec logrecord.Record, lr *writer.LoggedRecord, txID uint64) error {
	appliedCh := make(chan error, 1)
	go func() {
		if m.applier == nil {
			appliedCh <- nil
			return
		}
		appliedCh <- m.applier.Apply(ctx, rec)
	}()

	<-lr.Done()
	loggedErr := lr.Err()
	appliedErr := <-appliedCh

	if loggedErr != nil || appliedErr != nil {
		return fmt.Errorf("txmanager: tx %d aborted (logged=%v, applied=%v): %w", txID, loggedErr, appliedErr, replicaerr.ErrTransactionAborted)
	}
	return nil
}

// BeginTransaction opens a multi-operation transaction: it logs a BeginTx
// record and returns once it is replicated and durable. The transaction
// stays open for AddOperation calls; apply/unlock happens at commit.
func (m *Manager) BeginTransaction(ctx context.Context, txID uint64, metadata []byte) (*writer.LoggedRecord, error) {
	rec := &logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx}, TxID: txID, Metadata: metadata}
	if err := m.checkThrottle(rec); err != nil {
		return nil, err
	}
	data, err := logrecord.Serialize(rec)
	if err != nil {
		return nil, fmt.Errorf("txmanager: serialize begin tx %d: %w", txID, err)
	}
	lr, err := m.replog.AppendLogical(ctx, rec, data)
	if err != nil {
		return nil, err
	}
	<-lr.Done()
	return lr, lr.Err()
}

// BeginTransactionAsync logs a single-operation transaction that commits at
// begin: one OperationRecord, flagged atomic-redo when undo is nil, with no
// separate EndTx. It returns
// once the record is replicated, logged, and applied. The returned commit
// LSN is the record's assigned LSN.
func (m *Manager) BeginTransactionAsync(ctx context.Context, txID uint64, metadata, undo, redo []byte) (commitLSN uint64, err error) {
	rec := &logrecord.OperationRecord{
		Header:     logrecord.Header{Kind: logrecord.KindOperation},
		TxID:       txID,
		Metadata:   metadata,
		Undo:       undo,
		Redo:       redo,
		AtomicRedo: undo == nil,
	}
	if err := m.checkThrottle(rec); err != nil {
		return 0, err
	}
	data, err := logrecord.Serialize(rec)
	if err != nil {
		return 0, fmt.Errorf("txmanager: serialize begin-async tx %d: %w", txID, err)
	}
	lr, err := m.replog.AppendLogical(ctx, rec, data)
	if err != nil {
		return 0, err
	}
	if err := m.awaitOutcome(ctx, rec, lr, txID); err != nil {
		return 0, err
	}
	m.requestGroupCommit()
	return rec.LSN, nil
}

// AddOperation appends an OperationRecord to an open transaction's chain
// and returns once it is replicated and logged. It is not applied until
// the transaction commits.
func (m *Manager) AddOperation(ctx context.Context, txID uint64, metadata, undo, redo []byte) (*writer.LoggedRecord, error) {
	rec := &logrecord.OperationRecord{
		Header:   logrecord.Header{Kind: logrecord.KindOperation},
		TxID:     txID,
		Metadata: metadata,
		Undo:     undo,
		Redo:     redo,
	}
	if err := m.checkThrottle(rec); err != nil {
		return nil, err
	}
	data, err := logrecord.Serialize(rec)
	if err != nil {
		return nil, fmt.Errorf("txmanager: serialize op tx %d: %w", txID, err)
	}
	lr, err := m.replog.AppendLogical(ctx, rec, data)
	if err != nil {
		return nil, err
	}
	<-lr.Done()
	return lr, lr.Err()
}

// AddOperationAtomic appends an undoable OperationRecord and applies it
// immediately (without waiting for the enclosing transaction to commit).
func (m *Manager) AddOperationAtomic(ctx context.Context, txID uint64, metadata, undo, redo []byte) error {
	rec := &logrecord.OperationRecord{
		Header:   logrecord.Header{Kind: logrecord.KindOperation},
		TxID:     txID,
		Metadata: metadata,
		Undo:     undo,
		Redo:     redo,
	}
	return m.addAtomic(ctx, rec, txID)
}

// AddOperationAtomicRedo is AddOperationAtomic for a redo-only operation:
// it cannot be undone if the transaction later aborts.
func (m *Manager) AddOperationAtomicRedo(ctx context.Context, txID uint64, metadata, redo []byte) error {
	rec := &logrecord.OperationRecord{
		Header:     logrecord.Header{Kind: logrecord.KindOperation},
		TxID:       txID,
		Metadata:   metadata,
		Redo:       redo,
		AtomicRedo: true,
	}
	return m.addAtomic(ctx, rec, txID)
}

func (m *Manager) addAtomic(ctx context.Context, rec *logrecord.OperationRecord, txID uint64) error {
	if err := m.checkThrottle(rec); err != nil {
		return err
	}
	data, err := logrecord.Serialize(rec)
	if err != nil {
		return fmt.Errorf("txmanager: serialize atomic op tx %d: %w", txID, err)
	}
	lr, err := m.replog.AppendLogical(ctx, rec, data)
	if err != nil {
		return err
	}
	return m.awaitOutcome(ctx, rec, lr, txID)
}

// CommitTransactionAsync appends an EndTx(committed) record, then awaits
// both the apply (which unlocks every operation context buffered for this
// transaction) and durability outcomes.
func (m *Manager) CommitTransactionAsync(ctx context.Context, txID uint64) error {
	return m.endTransaction(ctx, txID, true)
}

// AbortTransactionAsync appends an EndTx(aborted) record and awaits the
// same outcomes as commit.
func (m *Manager) AbortTransactionAsync(ctx context.Context, txID uint64) error {
	return m.endTransaction(ctx, txID, false)
}

func (m *Manager) endTransaction(ctx context.Context, txID uint64, committed bool) error {
	rec := &logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx}, TxID: txID, Committed: committed}
	if err := m.checkThrottle(rec); err != nil {
		return err
	}
	data, err := logrecord.Serialize(rec)
	if err != nil {
		return fmt.Errorf("txmanager: serialize end tx %d: %w", txID, err)
	}
	lr, err := m.replog.AppendLogical(ctx, rec, data)
	if err != nil {
		return err
	}
	if err := m.awaitOutcome(ctx, rec, lr, txID); err != nil {
		return err
	}
	m.requestGroupCommit()
	return nil
}
