package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/replicaerr"
	"github.com/leengari/logreplicator/internal/replog"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/writer"
	"golang.org/x/sync/semaphore"
)

// State is the periodic checkpoint state machine's current phase
// (spec.md §4.H).
type State int

const (
	NotStarted State = iota
	Ready
	CheckpointStarted
	CheckpointCompleted
	TruncationStarted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case CheckpointStarted:
		return "CheckpointStarted"
	case CheckpointCompleted:
		return "CheckpointCompleted"
	case TruncationStarted:
		return "TruncationStarted"
	default:
		return "NotStarted"
	}
}

// Manager is the checkpoint manager (spec.md §4.H): a state machine over
// the periodic checkpoint/truncation cycle, serialising checkpoint,
// truncation, and backup against each other via two named locks.
type Manager struct {
	rl    *replog.Manager
	trunc *TruncationManager
	sp    stateprovider.StateProvider

	mu                         sync.Mutex
	state                      State
	counters                   Counters
	lastStableLSN              uint64
	lastPeriodicCheckpointTime time.Time
	lastPeriodicTruncationTime time.Time
	checkpointInterval         time.Duration
	isPrimary                  bool

	// groupCommitDelay/groupCommitArmed implement request_group_commit's
	// short timer (spec.md §4.H): at most one timer is outstanding at a
	// time; firing appends a Barrier and flushes.
	groupCommitDelay time.Duration
	groupCommitArmed bool

	// headCandidates accumulates indexing records produced by maybeIndex,
	// pruned as truncate-head consumes them; the pool truncate_head picks
	// its is_good_log_head_candidate winner from (spec.md §4.I).
	headCandidates []logrecord.Record

	backupCopyLock *semaphore.Weighted
	smAPILock      *semaphore.Weighted
}

// New constructs a checkpoint manager. groupCommitDelay of 0 falls back to
// a small default so RequestGroupCommit always behaves sanely.
func New(rl *replog.Manager, trunc *TruncationManager, sp stateprovider.StateProvider, checkpointInterval, groupCommitDelay time.Duration) *Manager {
	if groupCommitDelay <= 0 {
		groupCommitDelay = 4 * time.Millisecond
	}
	return &Manager{
		rl:                 rl,
		trunc:              trunc,
		sp:                 sp,
		checkpointInterval: checkpointInterval,
		groupCommitDelay:   groupCommitDelay,
		backupCopyLock:     semaphore.NewWeighted(1),
		smAPILock:          semaphore.NewWeighted(1),
	}
}

// SetIsPrimary toggles whether this replica runs the primary-only parts of
// the checkpoint cycle (copy-log rotation, CompleteCheckpoint).
func (m *Manager) SetIsPrimary(primary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isPrimary = primary
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UpdateCounters installs the latest live byte/time counters the
// truncation manager's decisions consult.
func (m *Manager) UpdateCounters(c Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = c
}

// ErrorIfThrottled implements txmanager.ThrottleChecker.
func (m *Manager) ErrorIfThrottled(rec logrecord.Record) error {
	m.mu.Lock()
	c := m.counters
	m.mu.Unlock()
	if m.trunc.ShouldBlockOperationsOnPrimary(c) {
		return fmt.Errorf("checkpoint: log usage from head exceeds throttle threshold: %w", replicaerr.ErrThrottled)
	}
	return nil
}

// armPeriodicCheckpoint moves NotStarted -> Ready once the periodic
// interval has elapsed, forcing the next barrier to checkpoint (spec.md
// §4.H "Arming").
func (m *Manager) armPeriodicCheckpoint() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != NotStarted {
		return false
	}
	if CheckpointInterval(m.lastPeriodicCheckpointTime, m.checkpointInterval) > 0 {
		return false
	}
	m.state = Ready
	return true
}

// ReplicateBarrier appends a Barrier record carrying the current stable
// LSN through the replicated log manager (primary path).
func (m *Manager) ReplicateBarrier(ctx context.Context) (*writer.LoggedRecord, error) {
	m.mu.Lock()
	stable := m.lastStableLSN
	m.mu.Unlock()
	rec := &logrecord.BarrierRecord{Header: logrecord.Header{Kind: logrecord.KindBarrier}, LastStableLSN: stable}
	data, err := logrecord.Serialize(rec)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: serialize barrier: %w", err)
	}
	return m.rl.AppendLogical(ctx, rec, data)
}

// AppendBarrierOnSecondary appends an already-replicated Barrier record
// locally (secondary path, spec.md §4.H).
func (m *Manager) AppendBarrierOnSecondary(rec *logrecord.BarrierRecord) (*writer.LoggedRecord, error) {
	return m.rl.AppendWithoutReplication(rec)
}

// CheckpointIfNecessary is called on every barrier; if the truncation
// manager decides yes, it emits a BeginCheckpoint record and transitions
// to CheckpointStarted (spec.md §4.H).
func (m *Manager) CheckpointIfNecessary(earliestPendingTxPSN uint64) error {
	m.mu.Lock()
	c := m.counters
	armed := m.state == Ready
	m.mu.Unlock()
	if armed {
		c.PeriodicCheckpointReady = true
	}

	result := m.trunc.ShouldCheckpoint(c)
	if !result.Should {
		return nil
	}

	m.mu.Lock()
	m.state = CheckpointStarted
	m.lastPeriodicCheckpointTime = time.Now()
	m.mu.Unlock()

	_, err := m.rl.InsertBeginCheckpoint(earliestPendingTxPSN)
	return err
}

// ApplyCheckpointIfPermitted implements apply.CheckpointHooks. It waits
// until the begin-checkpoint record is stable, prepares the checkpoint on
// the state provider, then spawns the async perform-checkpoint task.
func (m *Manager) ApplyCheckpointIfPermitted(ctx context.Context, rec *logrecord.BeginCheckpointRecord) error {
	if !m.waitForStable(ctx, rec.Header.LSN) {
		return ctx.Err()
	}
	if err := m.sp.PrepareCheckpoint(ctx, rec.Header.LSN); err != nil {
		return fmt.Errorf("checkpoint: prepare: %w", err)
	}
	go m.performCheckpointAsync(context.Background(), rec.PSN)
	return nil
}

func (m *Manager) waitForStable(ctx context.Context, lsn uint64) bool {
	for {
		m.mu.Lock()
		stable := m.lastStableLSN
		m.mu.Unlock()
		if stable >= lsn {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Manager) performCheckpointAsync(ctx context.Context, beginPSN uint64) {
	if err := m.sp.PerformCheckpointAsync(ctx); err != nil {
		return
	}
	if _, err := m.rl.EndCheckpoint(beginPSN); err != nil {
		return
	}

	m.mu.Lock()
	m.state = CheckpointCompleted
	isPrimary := m.isPrimary
	m.mu.Unlock()

	if isPrimary {
		if _, err := m.rl.CompleteCheckpoint(); err != nil {
			return
		}
		_ = m.sp.CompleteCheckpointAsync(ctx)
		_ = m.maybeTruncateHead()
	}
}

// ApplyLogHeadTruncationIfPermitted implements apply.CheckpointHooks. When
// the machine is in CheckpointCompleted it prepares the state provider,
// moves to TruncationStarted, performs the physical truncate for the
// flushed TruncateHead record, and returns the machine to NotStarted; in
// any other state it does nothing.
func (m *Manager) ApplyLogHeadTruncationIfPermitted(ctx context.Context, rec *logrecord.TruncateHeadRecord) error {
	m.mu.Lock()
	permitted := m.state == CheckpointCompleted
	m.mu.Unlock()
	if !permitted {
		return nil
	}
	if err := m.sp.PrepareCheckpoint(ctx, rec.Header.LSN); err != nil {
		return fmt.Errorf("checkpoint: prepare for truncate-head: %w", err)
	}

	m.mu.Lock()
	m.state = TruncationStarted
	m.lastPeriodicTruncationTime = time.Now()
	m.mu.Unlock()

	if err := m.rl.TruncateLogHeadPhysically(ctx, rec.Header.Position); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = NotStarted
	m.counters.TruncateInFlight = false
	m.mu.Unlock()
	return nil
}

// OnBarrier implements apply.CheckpointHooks: it records the barrier's
// stable LSN, re-evaluates whether to index, and re-evaluates whether to
// checkpoint (spec.md §4.H "checkpoint_if_necessary ... on every barrier").
func (m *Manager) OnBarrier(ctx context.Context, rec *logrecord.BarrierRecord, earliestPendingTxPSN uint64) error {
	m.mu.Lock()
	if rec.LastStableLSN > m.lastStableLSN {
		m.lastStableLSN = rec.LastStableLSN
	}
	m.mu.Unlock()
	m.armPeriodicCheckpoint()

	if err := m.maybeIndex(); err != nil {
		return err
	}
	return m.CheckpointIfNecessary(earliestPendingTxPSN)
}

// maybeIndex appends an Indexing record when the truncation manager's
// should_index fires, and tracks it as a future truncate-head candidate
// (spec.md §4.I should_index, §4.F index).
func (m *Manager) maybeIndex() error {
	m.mu.Lock()
	c := m.counters
	m.mu.Unlock()

	if !m.trunc.ShouldIndex(c) {
		return nil
	}

	lr, err := m.rl.Index()
	if err != nil {
		return fmt.Errorf("checkpoint: index: %w", err)
	}

	m.mu.Lock()
	m.headCandidates = append(m.headCandidates, lr.Record)
	m.counters.HasLastIndex = true
	m.counters.BytesUsedSinceLastIndex = 0
	m.mu.Unlock()
	return nil
}

// maybeTruncateHead appends a TruncateHead record when the truncation
// manager's should_truncate_head fires, choosing among the indexing records
// maybeIndex has accumulated via the truncation manager's
// is_good_log_head_candidate predicate (spec.md §4.I, §4.F truncate_head).
func (m *Manager) maybeTruncateHead() error {
	m.mu.Lock()
	c := m.counters
	candidates := append([]logrecord.Record(nil), m.headCandidates...)
	periodicTruncationActive := m.state == CheckpointCompleted
	m.mu.Unlock()

	if !m.trunc.ShouldTruncateHead(c) {
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	m.rl.SetGoodLogHeadCandidate(m.trunc.IsGoodLogHeadCandidate(m.rl.HeadPosition(), periodicTruncationActive))
	_, chosen, ok, err := m.rl.TruncateHead(candidates)
	if err != nil {
		return fmt.Errorf("checkpoint: truncate head: %w", err)
	}
	if !ok {
		return nil
	}

	m.mu.Lock()
	kept := make([]logrecord.Record, 0, len(m.headCandidates))
	for _, cand := range m.headCandidates {
		if cand.GetHeader().PSN > chosen.GetHeader().PSN {
			kept = append(kept, cand)
		}
	}
	m.headCandidates = kept
	m.counters.TruncateInFlight = true
	m.mu.Unlock()
	m.RequestGroupCommit()
	return nil
}

// RequestGroupCommit arms a short timer if one is not already pending; on
// firing it appends a Barrier carrying the current stable LSN and flushes,
// so a latency-sensitive record (an end-transaction, or one that just added
// a TruncateHead record) does not have to wait for the next periodic flush
// to become durable (spec.md §4.H group-commit; grounded on the original's
// RequestGroupCommit/ArmGroupCommitTimerCallerHoldsLock).
func (m *Manager) RequestGroupCommit() {
	m.mu.Lock()
	if m.groupCommitArmed {
		m.mu.Unlock()
		return
	}
	m.groupCommitArmed = true
	delay := m.groupCommitDelay
	m.mu.Unlock()

	time.AfterFunc(delay, m.fireGroupCommit)
}

func (m *Manager) fireGroupCommit() {
	m.mu.Lock()
	m.groupCommitArmed = false
	m.mu.Unlock()

	ctx := context.Background()
	if _, err := m.ReplicateBarrier(ctx); err != nil {
		return
	}
	_ = m.rl.Flush(ctx, "group-commit")
}

// BlockSecondaryPumpIfNeeded is block_secondary_pump_if_needed: while a
// checkpoint or truncate-head is pending and the log usage from head
// exceeds the throttle threshold, it blocks the caller (the secondary
// drain manager's copy/replication pump loop) until that record's
// processing completes, so a slow secondary stops accepting more of the
// stream instead of piling up unbounded backlog (spec.md §4.H).
func (m *Manager) BlockSecondaryPumpIfNeeded(ctx context.Context) error {
	for {
		m.mu.Lock()
		pending := m.state == CheckpointStarted || m.state == TruncationStarted
		c := m.counters
		m.mu.Unlock()

		if !pending || !m.trunc.ShouldBlockOperationsOnPrimary(c) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// AcquireBackupAndCopyConsistencyLockAsync serialises EndCheckpoint
// logging, CompleteCheckpoint, and backup.
func (m *Manager) AcquireBackupAndCopyConsistencyLockAsync(ctx context.Context) error {
	return m.backupCopyLock.Acquire(ctx, 1)
}

func (m *Manager) ReleaseBackupAndCopyConsistencyLock() { m.backupCopyLock.Release(1) }

// AcquireStateManagerAPILockAsync serialises prepare/perform/backup calls
// into the state provider.
func (m *Manager) AcquireStateManagerAPILockAsync(ctx context.Context) error {
	return m.smAPILock.Acquire(ctx, 1)
}

func (m *Manager) ReleaseStateManagerAPILock() { m.smAPILock.Release(1) }

// AbortPendingCheckpoint/AbortPendingLogHeadTruncation reset the machine,
// used when the replica is closing (spec.md §4.H).
func (m *Manager) AbortPendingCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == CheckpointStarted {
		m.state = NotStarted
	}
}

func (m *Manager) AbortPendingLogHeadTruncation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == TruncationStarted {
		m.state = NotStarted
	}
}

// Recover installs recovered checkpoint/truncation state (spec.md §4.H
// "Recovery"). BeginCheckpointRecord carries no timestamp, so the recovered
// truncation time is compared with the current time: whenever
// lastCompletedBeginCheckpoint is non-nil and that time lies in the past,
// the machine is put in CheckpointCompleted so the next good log-head
// candidate is truncated.
func (m *Manager) Recover(lastCompletedBeginCheckpoint *logrecord.BeginCheckpointRecord, recoveredTruncationTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastCompletedBeginCheckpoint == nil {
		return
	}
	m.lastPeriodicTruncationTime = recoveredTruncationTime
	checkpointTime := time.Now()
	if recoveredTruncationTime.Before(checkpointTime) {
		m.state = CheckpointCompleted
	}
}

