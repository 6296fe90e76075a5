// Package logrecord defines the tagged-union log record family (spec.md
// §3): the shared physical header every record carries, and the
// kind-specific logical/physical payload types. Dispatch over Kind is by
// exhaustive switch, per SPEC_FULL.md's "deep polymorphism" design note.
package logrecord

import (
	"fmt"
	"time"

	"github.com/leengari/logreplicator/internal/epoch"
)

// Kind tags a log record's variant.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBeginTx
	KindOperation
	KindEndTx
	KindBarrier
	KindBackup
	KindUpdateEpoch
	KindBeginCheckpoint
	KindEndCheckpoint
	KindCompleteCheckpoint
	KindTruncateHead
	KindTruncateTail
	KindIndexing
	KindInformation
)

func (k Kind) String() string {
	switch k {
	case KindBeginTx:
		return "BeginTx"
	case KindOperation:
		return "Operation"
	case KindEndTx:
		return "EndTx"
	case KindBarrier:
		return "Barrier"
	case KindBackup:
		return "Backup"
	case KindUpdateEpoch:
		return "UpdateEpoch"
	case KindBeginCheckpoint:
		return "BeginCheckpoint"
	case KindEndCheckpoint:
		return "EndCheckpoint"
	case KindCompleteCheckpoint:
		return "CompleteCheckpoint"
	case KindTruncateHead:
		return "TruncateHead"
	case KindTruncateTail:
		return "TruncateTail"
	case KindIndexing:
		return "Indexing"
	case KindInformation:
		return "Information"
	default:
		return "Invalid"
	}
}

// IsLogical reports whether records of this kind carry a transport-assigned
// LSN (spec.md §3: BeginTx/Operation/EndTx/Barrier/Backup/UpdateEpoch).
func (k Kind) IsLogical() bool {
	switch k {
	case KindBeginTx, KindOperation, KindEndTx, KindBarrier, KindBackup, KindUpdateEpoch:
		return true
	default:
		return false
	}
}

// IsPhysical is the complement of IsLogical (excluding KindInvalid).
func (k Kind) IsPhysical() bool {
	return k != KindInvalid && !k.IsLogical()
}

// InformationEvent tags the sub-event carried by an Information record.
type InformationEvent uint8

const (
	EventUnknown InformationEvent = iota
	EventRemovingState
	EventCopyFinished
	EventReplicationFinished
)

func (e InformationEvent) String() string {
	switch e {
	case EventRemovingState:
		return "RemovingState"
	case EventCopyFinished:
		return "CopyFinished"
	case EventReplicationFinished:
		return "ReplicationFinished"
	default:
		return "Unknown"
	}
}

// Header is embedded in every concrete record. PSN is assigned by the
// physical log writer on insert_buffered (spec.md §4.B); LSN is set only on
// logical records (physical records carry the tail LSN they were appended
// under, set by replog's appendPhysical, never a fresh one — invariant 1 in spec.md §3).
type Header struct {
	Kind                      Kind
	PSN                       uint64
	LSN                       uint64
	Position                  uint64 // byte offset within the log stream
	Size                      uint32 // approximate on-disk size
	PreviousPhysicalRecordPSN uint64 // 0 = none
	LinkedPhysicalRecordPSN   uint64 // 0 = none; checkpoint/truncate-head skip-list
}

func (h *Header) GetHeader() *Header { return h }

// Record is implemented by every concrete log record type.
type Record interface {
	GetHeader() *Header
}

// TxLink carries the doubly-linked sibling pointers within a transaction's
// record chain (begin -> ops -> end), addressed by PSN since PSNs are
// assigned before a record is ever observed by a reader.
type TxLink struct {
	PreviousInTxPSN uint64 // 0 = this is the BeginTx record
	NextInTxPSN     uint64 // 0 = not yet linked (tail of chain so far)
}

// BeginTxRecord marks the start of a transaction.
type BeginTxRecord struct {
	Header
	TxID     uint64
	Link     TxLink
	Metadata []byte
}

// OperationRecord logs a single operation within a transaction (or, for
// atomic/atomic-redo operations, a whole one-operation transaction with no
// separate EndTx). Undo/redo payloads are opaque per spec.md §1.
type OperationRecord struct {
	Header
	TxID       uint64
	Link       TxLink
	Metadata   []byte
	Undo       []byte
	Redo       []byte
	AtomicRedo bool // true for atomic_redo operations (redo-only, no undo applied on abort)
}

// EndTxRecord marks a transaction as committed or aborted.
type EndTxRecord struct {
	Header
	TxID      uint64
	Link      TxLink
	Committed bool
}

// BarrierRecord is a fence carrying the stable LSN at the moment it was
// appended (spec.md §3/§8).
type BarrierRecord struct {
	Header
	LastStableLSN uint64
}

// BackupRecord carries the highest epoch/LSN included in a backup.
type BackupRecord struct {
	Header
	HighestBackedUpEpoch epoch.Epoch
	HighestBackedUpLSN   uint64
}

// UpdateEpochRecord advances the tail epoch; it shares the current tail LSN
// rather than being assigned a fresh one.
type UpdateEpochRecord struct {
	Header
	NewEpoch epoch.Epoch
}

// IndexingRecord is a physical resync point: a snapshot of the current
// epoch and LSN at the position it was appended.
type IndexingRecord struct {
	Header
	IndexedEpoch epoch.Epoch
	IndexedLSN   uint64
}

// BeginCheckpointRecord opens a checkpoint; EarliestPendingTxPSN is the PSN
// of the oldest pending transaction's BeginTx record at or before this
// record's LSN (0 if none pending).
type BeginCheckpointRecord struct {
	Header
	EarliestPendingTxPSN uint64
}

// EndCheckpointRecord closes a checkpoint, pointing back at its begin.
type EndCheckpointRecord struct {
	Header
	BeginCheckpointPSN uint64
}

// CompleteCheckpointRecord is written by the primary once a checkpoint's
// copy-log rotation (if any) has finished.
type CompleteCheckpointRecord struct {
	Header
}

// TruncateHeadRecord carries the new head indexing record and the instant
// this periodic truncation happened, so recovery can carry the
// last-periodic-truncation timestamp forward across a restart (spec.md
// §4.D, mirroring the original's LogRecordsMap PeriodicTruncationTimeStampTicks).
type TruncateHeadRecord struct {
	Header
	HeadIndexingRecordPSN  uint64
	PeriodicTruncationTime time.Time
}

// TruncateTailRecord marks a tail truncation back to NewTailPSN.
type TruncateTailRecord struct {
	Header
	NewTailPSN uint64
}

// InformationRecord carries a sub-event with no apply semantics of its own.
type InformationRecord struct {
	Header
	Event InformationEvent
}

// TxID returns the owning transaction id for transaction-family records,
// and ok=false for every other kind.
func TxID(r Record) (uint64, bool) {
	switch v := r.(type) {
	case *BeginTxRecord:
		return v.TxID, true
	case *OperationRecord:
		return v.TxID, true
	case *EndTxRecord:
		return v.TxID, true
	default:
		return 0, false
	}
}

// Link returns the sibling-pointer block for transaction-family records.
func Link(r Record) (*TxLink, bool) {
	switch v := r.(type) {
	case *BeginTxRecord:
		return &v.Link, true
	case *OperationRecord:
		return &v.Link, true
	case *EndTxRecord:
		return &v.Link, true
	default:
		return nil, false
	}
}

// errUnknownKind builds the error codec helpers return for an
// unrecognised Kind byte.
func errUnknownKind(k Kind) error {
	return fmt.Errorf("logrecord: unknown kind %d", k)
}
