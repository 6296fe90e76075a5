package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/leengari/logreplicator/internal/config"
	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/replog"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/transport"
	"github.com/leengari/logreplicator/internal/writer"
	"gotest.tools/v3/assert"
)

func newTestManager(t *testing.T) (*Manager, *replog.Manager, *stateprovider.Fake) {
	t.Helper()
	cb := writer.NewCallbackManager(nil)
	t.Cleanup(cb.Close)
	w := writer.New(logstream.NewChunkedStream(0), cb, writer.Config{MaxWriteCacheSize: 1 << 20})
	tp := transport.NewFake(1)
	tp.SetAutoComplete(true)
	rl := replog.New(w, tp, nil, 0, epoch.Invalid, nil)
	sp := stateprovider.NewFake()
	trunc := NewTruncationManager(config.NewRefreshablePolicy(config.Default()))
	m := New(rl, trunc, sp, time.Hour, time.Millisecond)

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

	return m, rl, sp
}

func TestCheckpointIfNecessaryEmitsBeginCheckpoint(t *testing.T) {
	m, rl, _ := newTestManager(t)
	m.UpdateCounters(Counters{PeriodicCheckpointReady: true})

	err := m.CheckpointIfNecessary(0)
	assert.NilError(t, err)
	assert.Equal(t, m.State(), CheckpointStarted)
	_ = rl
}

func TestApplyCheckpointIfPermittedWaitsForStableThenCompletes(t *testing.T) {
	m, rl, sp := newTestManager(t)
	m.UpdateCounters(Counters{PeriodicCheckpointReady: true})
	assert.NilError(t, m.CheckpointIfNecessary(0))

	// Append a logical record first so the begin checkpoint inherits LSN 1,
	// above the initial stable LSN of 0.
	_, err := m.ReplicateBarrier(context.Background())
	assert.NilError(t, err)

	lr, err := rl.InsertBeginCheckpoint(0)
	assert.NilError(t, err)
	<-lr.Done()
	begin := lr.Record.(*logrecord.BeginCheckpointRecord)

	done := make(chan error, 1)
	go func() {
		done <- m.ApplyCheckpointIfPermitted(context.Background(), begin)
	}()

	select {
	case <-done:
		t.Fatal("should not have completed before the stable LSN advanced")
	case <-time.After(30 * time.Millisecond):
	}

	barrier := &logrecord.BarrierRecord{Header: logrecord.Header{Kind: logrecord.KindBarrier}, LastStableLSN: begin.Header.LSN}
	assert.NilError(t, m.OnBarrier(context.Background(), barrier, 0))

	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ApplyCheckpointIfPermitted never completed")
	}

	assert.Equal(t, sp.CheckpointLSN, int64(begin.Header.LSN))
}
