package txmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/replicaerr"
	"github.com/leengari/logreplicator/internal/replog"
	"github.com/leengari/logreplicator/internal/transport"
	"github.com/leengari/logreplicator/internal/writer"
	"gotest.tools/v3/assert"
)

type fakeApplier struct {
	applyErr error
	applied  []logrecord.Record
}

func (f *fakeApplier) Apply(_ context.Context, rec logrecord.Record) error {
	f.applied = append(f.applied, rec)
	return f.applyErr
}

type fakeThrottle struct{ throttled bool }

func (f *fakeThrottle) ErrorIfThrottled(logrecord.Record) error {
	if f.throttled {
		return replicaerr.ErrThrottled
	}
	return nil
}

func newTestSetup(t *testing.T) (*Manager, *transport.Fake, *fakeApplier, *fakeThrottle) {
	t.Helper()
	cb := writer.NewCallbackManager(nil)
	t.Cleanup(cb.Close)
	w := writer.New(logstream.NewChunkedStream(0), cb, writer.Config{MaxWriteCacheSize: 1 << 20})
	tp := transport.NewFake(1)
	tp.SetAutoComplete(true)
	rl := replog.New(w, tp, nil, 0, epoch.Invalid, nil)
	applier := &fakeApplier{}
	throttle := &fakeThrottle{}
	mgr := New(rl, throttle, applier, nil)

	// A transaction manager call blocks on its LoggedRecord's Done(), which
	// only closes once someone flushes the writer; run a background flusher
	// so every test doesn't need to call Flush itself after each operation.
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

	return mgr, tp, applier, throttle
}

func TestBeginAddCommitTransaction(t *testing.T) {
	mgr, _, applier, _ := newTestSetup(t)
	ctx := context.Background()

	_, err := mgr.BeginTransaction(ctx, 1, []byte("meta"))
	assert.NilError(t, err)

	_, err = mgr.AddOperation(ctx, 1, nil, []byte("undo"), []byte("redo"))
	assert.NilError(t, err)

	err = mgr.CommitTransactionAsync(ctx, 1)
	assert.NilError(t, err)
	assert.Equal(t, len(applier.applied), 1)
}

func TestThrottleBlocksBeforeReplicate(t *testing.T) {
	mgr, _, _, throttle := newTestSetup(t)
	throttle.throttled = true

	_, err := mgr.BeginTransaction(context.Background(), 1, nil)
	assert.ErrorIs(t, err, replicaerr.ErrThrottled)
}

func TestApplyFailureAbortsTransaction(t *testing.T) {
	mgr, _, applier, _ := newTestSetup(t)
	applier.applyErr = errors.New("boom")

	err := mgr.CommitTransactionAsync(context.Background(), 1)
	assert.ErrorIs(t, err, replicaerr.ErrTransactionAborted)
}

func TestBeginTransactionAsyncSingleOperation(t *testing.T) {
	mgr, _, applier, _ := newTestSetup(t)

	lsn, err := mgr.BeginTransactionAsync(context.Background(), 1, nil, nil, []byte("redo"))
	assert.NilError(t, err)
	assert.Assert(t, lsn > 0)
	assert.Equal(t, len(applier.applied), 1)
}
