// Package recovery implements the log-records replay reducer (spec.md
// §4.D) and the recovery manager that drives it at open (§4.L), grounded
// on the teacher's internal/wal/recovery.go scan-and-replay shape.
package recovery

import (
	"fmt"
	"time"

	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/txmap"
)

// LogRecordsMap consumes log records in order and reconstructs the
// in-memory state a replica needs before it can resume operating: the
// transaction map, progress vector, tail LSN/epoch, last-stable LSN, and
// checkpoint bookkeeping (spec.md §4.D).
type LogRecordsMap struct {
	TxMap          *txmap.Map
	TailLSN        uint64
	TailEpoch      epoch.Epoch
	ProgressVector *epoch.ProgressVector
	LastStableLSN  uint64

	LastInProgressCheckpoint     *logrecord.BeginCheckpointRecord
	LastCompletedEndCheckpoint   *logrecord.EndCheckpointRecord
	LastCompletedBeginCheckpoint *logrecord.BeginCheckpointRecord
	LastPeriodicTruncationTime   time.Time

	// RecoveredBeginCheckpointPSN, when non-zero, is the PSN this replay is
	// recovering (as opposed to a from-scratch restore): a BeginCheckpoint
	// only becomes LastInProgressCheckpoint when its PSN matches.
	RecoveredBeginCheckpointPSN uint64
	// Restoring, when true, installs every BeginCheckpoint encountered as
	// the in-progress checkpoint unconditionally (spec.md §4.D "or always,
	// in restore").
	Restoring bool

	// LastRecoveredAtomicRedoOperationLSN is the LSN of the most recent
	// redo-only (atomic-redo) operation record seen.
	LastRecoveredAtomicRedoOperationLSN uint64

	lastPhysicalPSN uint64
}

// NewFromSeed starts a replay from a bare indexing record with empty maps,
// used by the restore path (spec.md §4.N step 4 "open and recover").
func NewFromSeed(seed *logrecord.IndexingRecord) *LogRecordsMap {
	m := &LogRecordsMap{
		TxMap:          txmap.New(),
		ProgressVector: epoch.NewProgressVector(),
		Restoring:      true,
	}
	if seed != nil {
		m.TailLSN = seed.IndexedLSN
		m.TailEpoch = seed.IndexedEpoch
	} else {
		m.TailEpoch = epoch.Invalid
	}
	return m
}

// NewFromRecovered starts a replay from a previously-recovered checkpoint
// position, used by the ordinary open-time recovery path (spec.md §4.L).
func NewFromRecovered(recoveredBeginCheckpointPSN uint64, initialLSN uint64, pv *epoch.ProgressVector, txMap *txmap.Map, lastStableLSN uint64, tailEpoch epoch.Epoch) *LogRecordsMap {
	if pv == nil {
		pv = epoch.NewProgressVector()
	}
	if txMap == nil {
		txMap = txmap.New()
	}
	return &LogRecordsMap{
		TxMap:                       txMap,
		TailLSN:                     initialLSN,
		TailEpoch:                   tailEpoch,
		ProgressVector:              pv,
		LastStableLSN:               lastStableLSN,
		RecoveredBeginCheckpointPSN: recoveredBeginCheckpointPSN,
	}
}

// Process folds one record into the replay state and reports whether it is
// a recoverable record the caller should dispatch to the state provider
// (spec.md §4.D output: "a boolean is_recoverable_record per processed
// record").
func (m *LogRecordsMap) Process(rec logrecord.Record) (isRecoverable bool, err error) {
	h := rec.GetHeader()
	if h.Kind.IsPhysical() {
		if h.PreviousPhysicalRecordPSN == 0 && m.lastPhysicalPSN != 0 {
			h.PreviousPhysicalRecordPSN = m.lastPhysicalPSN
		}
		m.lastPhysicalPSN = h.PSN
	}
	if h.Kind.IsLogical() && h.LSN > m.TailLSN {
		m.TailLSN = h.LSN
	}

	switch v := rec.(type) {
	case *logrecord.BeginTxRecord:
		if err := m.TxMap.Create(v); err != nil {
			return false, fmt.Errorf("recovery: replay begin tx %d: %w", v.TxID, err)
		}
		if m.RecoveredBeginCheckpointPSN != 0 && v.PSN <= m.RecoveredBeginCheckpointPSN {
			m.TxMap.MarkEnlisted(v.TxID)
		}
		return true, nil

	case *logrecord.OperationRecord:
		if err := m.TxMap.AddOperation(v); err != nil {
			return false, fmt.Errorf("recovery: replay operation tx %d: %w", v.TxID, err)
		}
		if v.AtomicRedo {
			m.LastRecoveredAtomicRedoOperationLSN = v.LSN
		}
		return true, nil

	case *logrecord.EndTxRecord:
		if err := m.TxMap.Complete(v); err != nil {
			return false, fmt.Errorf("recovery: replay end tx %d: %w", v.TxID, err)
		}
		return true, nil

	case *logrecord.BarrierRecord:
		if v.LastStableLSN > m.LastStableLSN {
			m.LastStableLSN = v.LastStableLSN
		}
		m.TxMap.RemoveStable(m.LastStableLSN)
		return false, nil

	case *logrecord.BeginCheckpointRecord:
		if m.Restoring || v.PSN == m.RecoveredBeginCheckpointPSN {
			m.LastInProgressCheckpoint = v
		}
		return false, nil

	case *logrecord.EndCheckpointRecord:
		if m.LastInProgressCheckpoint != nil && m.LastInProgressCheckpoint.PSN == v.BeginCheckpointPSN {
			if m.LastStableLSN < m.LastInProgressCheckpoint.Header.LSN {
				return false, fmt.Errorf("recovery: end checkpoint at psn %d observed before its begin (lsn %d) was stable: %w", v.PSN, m.LastInProgressCheckpoint.Header.LSN, errOutOfOrderCheckpoint)
			}
			m.LastCompletedBeginCheckpoint = m.LastInProgressCheckpoint
			m.LastInProgressCheckpoint = nil
		}
		m.LastCompletedEndCheckpoint = v
		return false, nil

	case *logrecord.TruncateHeadRecord:
		m.LastPeriodicTruncationTime = v.PeriodicTruncationTime
		return false, nil

	case *logrecord.UpdateEpochRecord:
		if m.TailEpoch.Less(v.NewEpoch) {
			m.TailEpoch = v.NewEpoch
		}
		m.ProgressVector.Insert(epoch.Entry{Epoch: v.NewEpoch, StartingLSN: v.Header.LSN})
		return false, nil

	default:
		return false, nil
	}
}
