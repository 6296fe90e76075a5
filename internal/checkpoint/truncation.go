// Package checkpoint implements the log truncation manager's decision
// policy (spec.md §4.I) and the checkpoint manager state machine (§4.H),
// grounded on the teacher's internal/storage/manager/wal_manager.go
// WriteCheckpoint/Recover flow.
package checkpoint

import (
	"time"

	"github.com/leengari/logreplicator/internal/config"
	"github.com/leengari/logreplicator/internal/logrecord"
)

// Counters is the live byte/time state the truncation manager's decisions
// are pure functions of (spec.md §4.I).
type Counters struct {
	BytesUsedFromHead         uint64
	BytesUsedSinceLastIndex   uint64
	BytesSinceLastCheckpoint  uint64
	HasLastIndex              bool
	TruncateInFlight          bool
	CheckpointInFlight        bool
	CompletedCheckpointCount  int
	PeriodicTruncationReady   bool
	PeriodicCheckpointReady   bool
	// PeriodicTruncationForced is not read by any TruncationManager
	// decision; the CheckpointCompleted override reaches
	// IsGoodLogHeadCandidate through its periodicTruncationActive argument.
	PeriodicTruncationForced bool

	CurrentTailPosition    uint64
	EarliestPendingPositon uint64
	HasEarliestPending     bool
}

// TruncationManager evaluates spec.md §4.I's pure decision functions
// against a refreshable policy snapshot and the live Counters the
// checkpoint manager maintains.
type TruncationManager struct {
	policy *config.RefreshablePolicy
}

// NewTruncationManager wraps a refreshable policy.
func NewTruncationManager(policy *config.RefreshablePolicy) *TruncationManager {
	return &TruncationManager{policy: policy}
}

// ShouldBlockOperationsOnPrimary is should_block_operations_on_primary.
func (t *TruncationManager) ShouldBlockOperationsOnPrimary(c Counters) bool {
	p := t.policy.Snapshot()
	return c.BytesUsedFromHead > p.ThrottleAtLogUsageBytes
}

// ShouldIndex is should_index.
func (t *TruncationManager) ShouldIndex(c Counters) bool {
	p := t.policy.Snapshot()
	return !c.HasLastIndex || c.BytesUsedSinceLastIndex >= p.IndexIntervalBytes
}

// ShouldTruncateHead is should_truncate_head.
func (t *TruncationManager) ShouldTruncateHead(c Counters) bool {
	p := t.policy.Snapshot()
	if c.TruncateInFlight || c.CompletedCheckpointCount == 0 {
		return false
	}
	return c.PeriodicTruncationReady || c.BytesUsedFromHead >= p.TruncationThresholdBytes
}

// ShouldCheckpointResult is the return of ShouldCheckpoint: whether to
// checkpoint now, and (if deferred due to an old pending transaction) the
// cutoff position past which pending transactions should be aborted.
type ShouldCheckpointResult struct {
	Should           bool
	Deferred         bool
	AbortCutoffBelow uint64
}

// ShouldCheckpoint is should_checkpoint.
func (t *TruncationManager) ShouldCheckpoint(c Counters) ShouldCheckpointResult {
	p := t.policy.Snapshot()
	if c.CheckpointInFlight {
		return ShouldCheckpointResult{}
	}
	want := c.PeriodicCheckpointReady || c.BytesSinceLastCheckpoint > p.CheckpointIntervalBytes
	if !want {
		return ShouldCheckpointResult{}
	}
	if c.HasEarliestPending && c.CurrentTailPosition > p.TxAbortThresholdBytes {
		cutoff := c.CurrentTailPosition - p.TxAbortThresholdBytes
		if c.EarliestPendingPositon < cutoff {
			return ShouldCheckpointResult{Deferred: true, AbortCutoffBelow: cutoff}
		}
	}
	return ShouldCheckpointResult{Should: true}
}

// IsGoodLogHeadCandidate is is_good_log_head_candidate, installed into
// replog.Manager via SetGoodLogHeadCandidate.
func (t *TruncationManager) IsGoodLogHeadCandidate(headPosition uint64, periodicTruncationActive bool) func(logrecord.Record) bool {
	p := t.policy.Snapshot()
	return func(rec logrecord.Record) bool {
		idx, ok := rec.(*logrecord.IndexingRecord)
		if !ok {
			return false
		}
		if periodicTruncationActive {
			return true
		}
		if idx.Header.Position < headPosition {
			return false
		}
		advance := idx.Header.Position - headPosition
		if advance < p.MinTruncationAmountBytes {
			return false
		}
		return true
	}
}

// CheckpointInterval derives the periodic-checkpoint timer duration from
// lastPeriodicCheckpointTime (spec.md §4.H "Arming").
func CheckpointInterval(lastPeriodicCheckpointTime time.Time, interval time.Duration) time.Duration {
	elapsed := time.Since(lastPeriodicCheckpointTime)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}
