package recovery

import (
	"testing"

	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"gotest.tools/v3/assert"
)

func TestReplayTransactionChain(t *testing.T) {
	m := NewFromSeed(nil)

	begin := &logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx, PSN: 1, LSN: 1}, TxID: 7}
	recoverable, err := m.Process(begin)
	assert.NilError(t, err)
	assert.Assert(t, recoverable)

	op := &logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation, PSN: 2, LSN: 2}, TxID: 7, Redo: []byte("r")}
	recoverable, err = m.Process(op)
	assert.NilError(t, err)
	assert.Assert(t, recoverable)

	end := &logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx, PSN: 3, LSN: 3}, TxID: 7, Committed: true}
	recoverable, err = m.Process(end)
	assert.NilError(t, err)
	assert.Assert(t, recoverable)

	assert.Equal(t, m.TailLSN, uint64(3))
}

func TestReplayBarrierAdvancesStableLSNAndPrunes(t *testing.T) {
	m := NewFromSeed(nil)

	begin := &logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx, PSN: 1, LSN: 1}, TxID: 1}
	_, _ = m.Process(begin)
	end := &logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx, PSN: 2, LSN: 2}, TxID: 1, Committed: true}
	_, _ = m.Process(end)

	barrier := &logrecord.BarrierRecord{Header: logrecord.Header{Kind: logrecord.KindBarrier, PSN: 3, LSN: 3}, LastStableLSN: 2}
	recoverable, err := m.Process(barrier)
	assert.NilError(t, err)
	assert.Assert(t, !recoverable)
	assert.Equal(t, m.LastStableLSN, uint64(2))
	assert.Equal(t, m.TxMap.Len(), 0)
}

func TestReplayUpdateEpochAdvancesTailAndVector(t *testing.T) {
	m := NewFromSeed(nil)
	newEpoch := epoch.Epoch{DataLossVersion: 1, ConfigurationVersion: 1}
	rec := &logrecord.UpdateEpochRecord{Header: logrecord.Header{Kind: logrecord.KindUpdateEpoch, PSN: 1, LSN: 5}, NewEpoch: newEpoch}

	recoverable, err := m.Process(rec)
	assert.NilError(t, err)
	assert.Assert(t, !recoverable)
	assert.Equal(t, m.TailEpoch, newEpoch)
	assert.Equal(t, m.ProgressVector.Len(), 1)
}

func TestReplayCheckpointLinkage(t *testing.T) {
	m := NewFromRecovered(1, 0, nil, nil, 0, epoch.Invalid)

	begin := &logrecord.BeginCheckpointRecord{Header: logrecord.Header{Kind: logrecord.KindBeginCheckpoint, PSN: 1, LSN: 1}}
	_, err := m.Process(begin)
	assert.NilError(t, err)
	assert.Assert(t, m.LastInProgressCheckpoint != nil)

	barrier := &logrecord.BarrierRecord{Header: logrecord.Header{Kind: logrecord.KindBarrier, PSN: 2, LSN: 2}, LastStableLSN: 1}
	_, _ = m.Process(barrier)

	end := &logrecord.EndCheckpointRecord{Header: logrecord.Header{Kind: logrecord.KindEndCheckpoint, PSN: 3, LSN: 3}, BeginCheckpointPSN: 1}
	_, err = m.Process(end)
	assert.NilError(t, err)
	assert.Assert(t, m.LastInProgressCheckpoint == nil)
	assert.Assert(t, m.LastCompletedEndCheckpoint == end)
}
