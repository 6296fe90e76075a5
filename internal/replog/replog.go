// Package replog implements the replicated log manager (spec.md §4.F): it
// replicates logical records through the transport and inserts them into
// the physical log writer in LSN order, parking records whose replicate
// call completes out of turn until the gap closes.
package replog

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/replicaerr"
	"github.com/leengari/logreplicator/internal/transport"
	"github.com/leengari/logreplicator/internal/writer"
)

const btreeDegree = 32

// FaultReporter receives unexpected (non-replicate-surfaced) errors. The
// role-context implements this; a nil FaultReporter is a valid no-op.
type FaultReporter interface {
	ReportFault(err error)
}

type parkedEntry struct {
	rec  logrecord.Record
	done chan insertResult
}

type insertResult struct {
	lr  *writer.LoggedRecord
	err error
}

type parkItem struct {
	lsn   uint64
	entry *parkedEntry
}

func (a parkItem) Less(than btree.Item) bool { return a.lsn < than.(parkItem).lsn }

// Manager is the replicated log manager. Safe for concurrent use: multiple
// goroutines may call AppendLogical concurrently, as the transaction
// manager does when firing several transactions in parallel.
type Manager struct {
	w         *writer.Writer
	transport transport.Transport
	faults    FaultReporter

	orderMu sync.Mutex
	tailLSN uint64
	park    *btree.BTree

	pvMu           sync.Mutex
	tailEpoch      epoch.Epoch
	progressVector *epoch.ProgressVector

	goodLogHeadCandidate func(logrecord.Record) bool
}

// New constructs a manager resuming at tailLSN/tailEpoch (0/epoch.Invalid
// for a brand new log).
func New(w *writer.Writer, tp transport.Transport, faults FaultReporter, tailLSN uint64, tailEpoch epoch.Epoch, pv *epoch.ProgressVector) *Manager {
	if pv == nil {
		pv = epoch.NewProgressVector()
	}
	return &Manager{
		w:              w,
		transport:      tp,
		faults:         faults,
		tailLSN:        tailLSN,
		park:           btree.New(btreeDegree),
		tailEpoch:      tailEpoch,
		progressVector: pv,
	}
}

// SetGoodLogHeadCandidate installs the truncation manager's predicate used
// by TruncateHead to pick a safe candidate among physical records.
func (m *Manager) SetGoodLogHeadCandidate(fn func(logrecord.Record) bool) {
	m.goodLogHeadCandidate = fn
}

func (m *Manager) TailLSN() uint64 {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()
	return m.tailLSN
}

func (m *Manager) TailEpoch() epoch.Epoch {
	m.pvMu.Lock()
	defer m.pvMu.Unlock()
	return m.tailEpoch
}

func (m *Manager) ProgressVector() *epoch.ProgressVector {
	m.pvMu.Lock()
	defer m.pvMu.Unlock()
	return m.progressVector
}

// AppendLogical replicates rec's payload, waits for the replicate call to
// complete, and inserts rec into the writer once every lower LSN has been
// inserted. The returned LoggedRecord completes when rec's batch flushes.
func (m *Manager) AppendLogical(ctx context.Context, rec logrecord.Record, operationData []byte) (*writer.LoggedRecord, error) {
	lsn, task, err := m.transport.ReplicateAsync(ctx, operationData)
	if err != nil {
		m.handleReplicateError(err)
		return nil, err
	}
	rec.GetHeader().LSN = lsn

	if err := task.Wait(ctx); err != nil {
		m.handleReplicateError(err)
		return nil, err
	}
	return m.insertOrdered(rec)
}

func (m *Manager) handleReplicateError(err error) {
	if m.faults != nil && !replicaerr.IsExpectedReplicateError(err) {
		m.faults.ReportFault(err)
	}
}

// AppendWithoutReplication inserts a logical record that already carries
// its LSN (stamped by the primary) without calling the transport, used by
// the secondary drain manager's copy-log/replication pumps (spec.md §4.M
// "log locally via the replicated log manager's append_without_replication").
func (m *Manager) AppendWithoutReplication(rec logrecord.Record) (*writer.LoggedRecord, error) {
	return m.insertOrdered(rec)
}

// insertOrdered is the LSN-ordering buffer described in spec.md §4.F: if
// rec is the next contiguous LSN it (and any now-contiguous parked
// records) are inserted immediately; otherwise rec parks until its turn.
func (m *Manager) insertOrdered(rec logrecord.Record) (*writer.LoggedRecord, error) {
	lsn := rec.GetHeader().LSN

	m.orderMu.Lock()
	if lsn != m.tailLSN+1 {
		entry := &parkedEntry{rec: rec, done: make(chan insertResult, 1)}
		m.park.ReplaceOrInsert(parkItem{lsn: lsn, entry: entry})
		m.orderMu.Unlock()
		res := <-entry.done
		return res.lr, res.err
	}

	lr, _, err := m.w.InsertBuffered(rec)
	m.tailLSN = lsn
	m.drainParkedLocked()
	m.orderMu.Unlock()
	return lr, err
}

// drainParkedLocked inserts every now-contiguous parked record. Caller
// holds orderMu.
func (m *Manager) drainParkedLocked() {
	for {
		item := m.park.Min()
		if item == nil {
			return
		}
		pi := item.(parkItem)
		if pi.lsn != m.tailLSN+1 {
			return
		}
		m.park.Delete(item)
		lr, _, err := m.w.InsertBuffered(pi.entry.rec)
		m.tailLSN = pi.lsn
		pi.entry.done <- insertResult{lr: lr, err: err}
	}
}

// appendPhysical inserts a physical record inheriting the current tail LSN,
// always under the ordering lock (spec.md §4.F).
func (m *Manager) appendPhysical(rec logrecord.Record) (*writer.LoggedRecord, error) {
	m.orderMu.Lock()
	rec.GetHeader().LSN = m.tailLSN
	lr, _, err := m.w.InsertBuffered(rec)
	m.orderMu.Unlock()
	return lr, err
}

func (m *Manager) InsertBeginCheckpoint(earliestPendingTxPSN uint64) (*writer.LoggedRecord, error) {
	return m.appendPhysical(&logrecord.BeginCheckpointRecord{
		Header:               logrecord.Header{Kind: logrecord.KindBeginCheckpoint},
		EarliestPendingTxPSN: earliestPendingTxPSN,
	})
}

func (m *Manager) EndCheckpoint(beginCheckpointPSN uint64) (*writer.LoggedRecord, error) {
	return m.appendPhysical(&logrecord.EndCheckpointRecord{
		Header:             logrecord.Header{Kind: logrecord.KindEndCheckpoint},
		BeginCheckpointPSN: beginCheckpointPSN,
	})
}

func (m *Manager) CompleteCheckpoint() (*writer.LoggedRecord, error) {
	return m.appendPhysical(&logrecord.CompleteCheckpointRecord{Header: logrecord.Header{Kind: logrecord.KindCompleteCheckpoint}})
}

func (m *Manager) Index() (*writer.LoggedRecord, error) {
	m.pvMu.Lock()
	e := m.tailEpoch
	m.pvMu.Unlock()
	m.orderMu.Lock()
	lsn := m.tailLSN
	m.orderMu.Unlock()
	return m.appendPhysical(&logrecord.IndexingRecord{
		Header:       logrecord.Header{Kind: logrecord.KindIndexing},
		IndexedEpoch: e,
		IndexedLSN:   lsn,
	})
}

// TruncateHead picks the most advanced candidate satisfying the injected
// IsGoodLogHeadCandidate predicate and appends a TruncateHead record
// pointing at it. ok=false if no candidate qualifies.
func (m *Manager) TruncateHead(candidates []logrecord.Record) (lr *writer.LoggedRecord, chosen logrecord.Record, ok bool, err error) {
	if m.goodLogHeadCandidate == nil {
		return nil, nil, false, nil
	}
	for _, c := range candidates {
		if m.goodLogHeadCandidate(c) {
			chosen = c
		}
	}
	if chosen == nil {
		return nil, nil, false, nil
	}
	lr, err = m.appendPhysical(&logrecord.TruncateHeadRecord{
		Header:                 logrecord.Header{Kind: logrecord.KindTruncateHead},
		HeadIndexingRecordPSN:  chosen.GetHeader().PSN,
		PeriodicTruncationTime: time.Now(),
	})
	return lr, chosen, true, err
}

// TruncateTail resets the writer's tail to newTail and appends no record of
// its own. The secondary drain manager calls it for false-progress tail
// truncation during copy.
func (m *Manager) TruncateTail(ctx context.Context, newTail logrecord.Record) error {
	m.orderMu.Lock()
	m.tailLSN = newTail.GetHeader().LSN
	m.park = btree.New(btreeDegree)
	m.orderMu.Unlock()
	return m.w.TruncateLogTail(ctx, newTail)
}

// TruncateLogHeadPhysically drives the stream's physical head truncation
// once a TruncateHead record has been safely flushed (spec.md §4.H
// apply_log_head_truncation_if_permitted's "drives the physical truncate").
func (m *Manager) TruncateLogHeadPhysically(ctx context.Context, pos uint64) error {
	return m.w.TruncateLogHead(ctx, pos)
}

// HeadPosition returns the stream's current head offset, the basis
// is_good_log_head_candidate measures truncation-worthiness against
// (spec.md §4.I).
func (m *Manager) HeadPosition() uint64 {
	return m.w.Stream().HeadPosition()
}

func (m *Manager) Information(event logrecord.InformationEvent) (*writer.LoggedRecord, error) {
	return m.appendPhysical(&logrecord.InformationRecord{
		Header: logrecord.Header{Kind: logrecord.KindInformation},
		Event:  event,
	})
}

// Flush forces the writer to flush its buffered batch now, tagged with
// initiator for diagnostics; generalized from FlushInformationRecord's
// append-then-flush pairing for callers (group commit) that already hold
// their own record to append (spec.md §4.H group-commit).
func (m *Manager) Flush(ctx context.Context, initiator string) error {
	return m.w.Flush(ctx, initiator)
}

// FlushInformationRecord appends an Information record then flushes it
// (spec.md §4.F "Barrier flush"). closeLog transitions the writer into a
// closed state once the flush completes, so no further inserts succeed.
func (m *Manager) FlushInformationRecord(ctx context.Context, event logrecord.InformationEvent, closeLog bool) error {
	lr, err := m.Information(event)
	if err != nil {
		return err
	}
	if err := m.w.Flush(ctx, "information-record"); err != nil {
		return err
	}
	<-lr.Done()
	if closeLog {
		m.w.Close(nil)
	}
	return lr.Err()
}

// UpdateEpochRecord appends an UpdateEpoch record and, on success, advances
// the tail epoch and inserts a progress-vector entry under the separate
// progress-vector lock.
func (m *Manager) UpdateEpochRecord(newEpoch epoch.Epoch) (*writer.LoggedRecord, error) {
	lr, err := m.appendPhysical(&logrecord.UpdateEpochRecord{
		Header:   logrecord.Header{Kind: logrecord.KindUpdateEpoch},
		NewEpoch: newEpoch,
	})
	if err != nil {
		return lr, err
	}
	m.pvMu.Lock()
	m.tailEpoch = newEpoch
	m.progressVector.Insert(epoch.Entry{Epoch: newEpoch, StartingLSN: lr.Record.GetHeader().LSN})
	m.pvMu.Unlock()
	return lr, nil
}
