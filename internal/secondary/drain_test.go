package secondary

import (
	"context"
	"testing"
	"time"

	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/replog"
	"github.com/leengari/logreplicator/internal/roledrain"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/transport"
	"github.com/leengari/logreplicator/internal/writer"
	"gotest.tools/v3/assert"
)

func newTestDrainManager(t *testing.T) (*Manager, *transport.Fake, *stateprovider.Fake, *replog.Manager) {
	t.Helper()
	cb := writer.NewCallbackManager(nil)
	t.Cleanup(cb.Close)
	w := writer.New(logstream.NewChunkedStream(0), cb, writer.Config{MaxWriteCacheSize: 1 << 20})
	tp := transport.NewFake(1)
	rl := replog.New(w, tp, nil, 0, epoch.Invalid, nil)
	sp := stateprovider.NewFake()
	role := roledrain.New()

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				w.Flush(context.Background(), "auto")
			}
		}
	}()

	return New(tp, rl, sp, role, w, nil), tp, sp, rl
}

func serializeBatch(t *testing.T, recs ...logrecord.Record) []byte {
	t.Helper()
	var out []byte
	for i, rec := range recs {
		rec.GetHeader().LSN = uint64(i + 1)
		data, err := logrecord.Serialize(rec)
		assert.NilError(t, err)
		out = append(out, data...)
	}
	return out
}

func TestDrainManagerPumpsCopyStateThenLog(t *testing.T) {
	m, tp, sp, rl := newTestDrainManager(t)

	batch := serializeBatch(t,
		&logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx}, TxID: 1},
		&logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx}, TxID: 1, Committed: true},
	)

	acked := make(chan struct{}, 4)
	ack := func() { acked <- struct{}{} }

	cs := tp.CopyStream()
	cs.Push(append([]byte("state-0"), byte(CopyState)), 1, ack)
	cs.Push(append([]byte("state-1"), byte(CopyState)), 2, ack)
	cs.Push(append([]byte(nil), byte(CopyProgressVector)), 3, ack)
	cs.Push(append(batch, byte(CopyLog)), 4, ack)
	cs.Close()

	rs := tp.ReplicationStream()
	rs.Close()

	err := m.BuildSecondaryAsync(context.Background())
	assert.NilError(t, err)

	assert.Assert(t, sp.CurrentStateBegun)
	assert.Assert(t, sp.CurrentStateEnded)
	assert.Equal(t, len(sp.StateRecords), 2)
	assert.Equal(t, string(sp.StateRecords[0]), "state-0")

	for i := 0; i < 4; i++ {
		select {
		case <-acked:
		case <-time.After(time.Second):
			t.Fatalf("frame %d was never acknowledged", i)
		}
	}

	assert.Equal(t, rl.TailLSN(), uint64(2))
}

func TestDrainManagerPumpsReplicationAfterCopy(t *testing.T) {
	m, tp, _, rl := newTestDrainManager(t)

	cs := tp.CopyStream()
	cs.Push(append([]byte(nil), byte(CopyLog)), 1, func() {})
	cs.Close()

	rec := &logrecord.BarrierRecord{Header: logrecord.Header{Kind: logrecord.KindBarrier, LSN: 1}}
	data, err := logrecord.Serialize(rec)
	assert.NilError(t, err)

	acked := make(chan struct{}, 1)
	rs := tp.ReplicationStream()
	rs.Push(data, 1, func() { acked <- struct{}{} })
	rs.Close()

	assert.NilError(t, m.BuildSecondaryAsync(context.Background()))

	select {
	case <-acked:
	case <-time.After(time.Second):
		t.Fatal("replicated record was never acknowledged")
	}
	assert.Equal(t, rl.TailLSN(), uint64(1))
}

func TestDrainManagerAbortsWhenCopyStreamEndsEarly(t *testing.T) {
	m, tp, _, _ := newTestDrainManager(t)

	cs := tp.CopyStream()
	cs.Close() // no CopyProgressVector/CopyLog frame ever arrives

	err := m.BuildSecondaryAsync(context.Background())
	assert.ErrorContains(t, err, "copy stream ended before copy-log completed")
}
