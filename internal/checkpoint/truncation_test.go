package checkpoint

import (
	"testing"

	"github.com/leengari/logreplicator/internal/config"
	"github.com/leengari/logreplicator/internal/logrecord"
	"gotest.tools/v3/assert"
)

func testTruncation() *TruncationManager {
	cfg := config.Default()
	return NewTruncationManager(config.NewRefreshablePolicy(cfg))
}

func TestShouldCheckpointRequiresThresholdOrPeriodic(t *testing.T) {
	tm := testTruncation()
	r := tm.ShouldCheckpoint(Counters{BytesSinceLastCheckpoint: 1})
	assert.Assert(t, !r.Should)

	r = tm.ShouldCheckpoint(Counters{PeriodicCheckpointReady: true})
	assert.Assert(t, r.Should)
}

func TestShouldCheckpointDefersForOldPendingTransaction(t *testing.T) {
	tm := testTruncation()
	policy := tm.policy.Snapshot()
	r := tm.ShouldCheckpoint(Counters{
		PeriodicCheckpointReady: true,
		HasEarliestPending:      true,
		CurrentTailPosition:     policy.TxAbortThresholdBytes * 10,
		EarliestPendingPositon:  0,
	})
	assert.Assert(t, r.Deferred)
	assert.Assert(t, !r.Should)
}

func TestShouldTruncateHeadRequiresCompletedCheckpoint(t *testing.T) {
	tm := testTruncation()
	assert.Assert(t, !tm.ShouldTruncateHead(Counters{BytesUsedFromHead: 1 << 40}))
	assert.Assert(t, tm.ShouldTruncateHead(Counters{BytesUsedFromHead: 1 << 40, CompletedCheckpointCount: 1}))
}

func TestIsGoodLogHeadCandidateRequiresMinAdvance(t *testing.T) {
	tm := testTruncation()
	pred := tm.IsGoodLogHeadCandidate(0, false)
	near := &logrecord.IndexingRecord{Header: logrecord.Header{Position: 10}}
	assert.Assert(t, !pred(near))

	policy := tm.policy.Snapshot()
	far := &logrecord.IndexingRecord{Header: logrecord.Header{Position: policy.MinTruncationAmountBytes + 1}}
	assert.Assert(t, pred(far))
}
