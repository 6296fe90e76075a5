package apply

import (
	"context"
	"errors"
	"testing"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/roledrain"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/txmap"
	"gotest.tools/v3/assert"
)

func TestApplyStandaloneOperationAppliesAndUnlocksOnce(t *testing.T) {
	sp := stateprovider.NewFake()
	role := roledrain.New()
	p := New(sp, txmap.New(), role, nil)

	rec := &logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation, LSN: 1, PSN: 1}, TxID: 5, Redo: []byte("r")}
	assert.NilError(t, p.Apply(context.Background(), rec))
	assert.Equal(t, len(sp.Applied), 1)
	assert.Equal(t, len(sp.Unlocked), 1)

	// Re-applying the same (lsn, psn) must not unlock twice.
	assert.NilError(t, p.unlockOnce(context.Background(), 1, 1, 0))
	assert.Equal(t, len(sp.Unlocked), 1)
}

func TestApplyEndTxWalksChainOnCommit(t *testing.T) {
	sp := stateprovider.NewFake()
	tm := txmap.New()
	p := New(sp, tm, roledrain.New(), nil)

	begin := &logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx, LSN: 1, PSN: 1}, TxID: 9}
	assert.NilError(t, tm.Create(begin))
	op := &logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation, LSN: 2, PSN: 2}, TxID: 9, Redo: []byte("r")}
	assert.NilError(t, tm.AddOperation(op))
	end := &logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx, LSN: 3, PSN: 3}, TxID: 9, Committed: true}
	assert.NilError(t, tm.Complete(end))

	assert.NilError(t, p.Apply(context.Background(), end))
	assert.Equal(t, len(sp.Applied), 2) // begin + op
	assert.Equal(t, len(sp.Unlocked), 2)
}

func TestApplyEndTxSkipsAbortedTransaction(t *testing.T) {
	sp := stateprovider.NewFake()
	tm := txmap.New()
	p := New(sp, tm, roledrain.New(), nil)

	begin := &logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx, LSN: 1, PSN: 1}, TxID: 1}
	assert.NilError(t, tm.Create(begin))
	end := &logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx, LSN: 2, PSN: 2}, TxID: 1, Committed: false}
	assert.NilError(t, tm.Complete(end))

	assert.NilError(t, p.Apply(context.Background(), end))
	assert.Equal(t, len(sp.Applied), 0)
}

func TestApplyReportsFaultOnError(t *testing.T) {
	sp := stateprovider.NewFake()
	sp.ApplyErr = errors.New("boom")
	role := roledrain.New()
	p := New(sp, txmap.New(), role, nil)

	rec := &logrecord.OperationRecord{Header: logrecord.Header{Kind: logrecord.KindOperation, LSN: 1, PSN: 1}, TxID: 1}
	err := p.Apply(context.Background(), rec)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, len(role.Faults()), 1)
}
