package txmap

import (
	"testing"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/replicaerr"
	"gotest.tools/v3/assert"
)

func begin(txID, lsn, position uint64) *logrecord.BeginTxRecord {
	return &logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx, LSN: lsn, Position: position}, TxID: txID}
}

func end(txID, lsn uint64, committed bool) *logrecord.EndTxRecord {
	return &logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx, LSN: lsn}, TxID: txID, Committed: committed}
}

func TestCreateAddCompleteChain(t *testing.T) {
	m := New()
	assert.NilError(t, m.Create(begin(1, 10, 100)))
	assert.NilError(t, m.AddOperation(&logrecord.OperationRecord{Header: logrecord.Header{LSN: 11}, TxID: 1}))
	assert.NilError(t, m.Complete(end(1, 12, true)))

	b, ops, e, ok := m.Chain(1)
	assert.Assert(t, ok)
	assert.Equal(t, b.TxID, uint64(1))
	assert.Equal(t, len(ops), 1)
	assert.Assert(t, e.Committed)
}

func TestAddOperationUnknownTxFails(t *testing.T) {
	m := New()
	err := m.AddOperation(&logrecord.OperationRecord{TxID: 99})
	assert.ErrorIs(t, err, replicaerr.ErrInvalidOperation)
}

func TestEarliestPendingExcludesCompleted(t *testing.T) {
	m := New()
	assert.NilError(t, m.Create(begin(1, 10, 100)))
	assert.NilError(t, m.Create(begin(2, 20, 200)))

	b, ok := m.EarliestPending()
	assert.Assert(t, ok)
	assert.Equal(t, b.TxID, uint64(1))

	assert.NilError(t, m.Complete(end(1, 15, true)))
	b, ok = m.EarliestPending()
	assert.Assert(t, ok)
	assert.Equal(t, b.TxID, uint64(2))
}

func TestEarliestPendingAtRespectsBarrier(t *testing.T) {
	m := New()
	assert.NilError(t, m.Create(begin(1, 50, 100)))

	_, ok := m.EarliestPendingAt(10)
	assert.Assert(t, !ok)

	b, ok := m.EarliestPendingAt(50)
	assert.Assert(t, ok)
	assert.Equal(t, b.TxID, uint64(1))
}

func TestRemoveStableDropsOnlyCompletedUpToLSN(t *testing.T) {
	m := New()
	assert.NilError(t, m.Create(begin(1, 10, 100)))
	assert.NilError(t, m.Complete(end(1, 15, true)))
	assert.NilError(t, m.Create(begin(2, 20, 200)))
	assert.NilError(t, m.Complete(end(2, 25, true)))

	removed := m.RemoveStable(15)
	assert.DeepEqual(t, removed, []uint64{1})
	assert.Equal(t, m.Len(), 1)

	removed = m.RemoveStable(25)
	assert.DeepEqual(t, removed, []uint64{2})
	assert.Equal(t, m.Len(), 0)
}

func TestPendingOlderThanPosition(t *testing.T) {
	m := New()
	assert.NilError(t, m.Create(begin(1, 10, 100)))
	assert.NilError(t, m.Create(begin(2, 20, 300)))

	var out []*logrecord.BeginTxRecord
	m.PendingOlderThanPosition(200, &out)
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].TxID, uint64(1))
}
