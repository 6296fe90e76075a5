package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/leengari/logreplicator/internal/checkpoint"
	"github.com/leengari/logreplicator/internal/config"
	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/replog"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/transport"
	"github.com/leengari/logreplicator/internal/writer"
)

func newTestBackupManager(t *testing.T) (*Manager, *replog.Manager, *writer.Writer, string) {
	t.Helper()
	cb := writer.NewCallbackManager(nil)
	t.Cleanup(cb.Close)
	w := writer.New(logstream.NewChunkedStream(0), cb, writer.Config{MaxWriteCacheSize: 1 << 20})
	tp := transport.NewFake(1)
	tp.SetAutoComplete(true)
	rl := replog.New(w, tp, nil, 0, epoch.Invalid, nil)
	sp := stateprovider.NewFake()
	trunc := checkpoint.NewTruncationManager(config.NewRefreshablePolicy(config.Default()))
	ckpt := checkpoint.New(rl, trunc, sp, time.Hour, time.Millisecond)

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

	lockPath := filepath.Join(t.TempDir(), "backup.lock")
	m := New(rl, w, sp, ckpt, uuid.New(), 1, lockPath)
	return m, rl, w, lockPath
}

func TestFullBackupWritesLogAndMetadata(t *testing.T) {
	m, rl, _, _ := newTestBackupManager(t)

	lr, err := rl.AppendLogical(context.Background(), &logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx}, TxID: 1}, []byte("op1"))
	assert.NilError(t, err)
	<-lr.Done()
	lr, err = rl.AppendLogical(context.Background(), &logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx}, TxID: 1, Committed: true}, []byte("op2"))
	assert.NilError(t, err)
	<-lr.Done()

	dest := filepath.Join(t.TempDir(), "backup1")
	var gotInfo BackupInfo
	md, err := m.FullBackup(context.Background(), dest, func(info BackupInfo) bool {
		gotInfo = info
		return true
	})
	assert.NilError(t, err)
	assert.Equal(t, md.Option, OptionFull)
	assert.Equal(t, gotInfo.HighestBackedUpLSN, md.BackupLSN)

	_, err = os.Stat(filepath.Join(dest, "lr", "backup.log"))
	assert.NilError(t, err)
	_, err = os.Stat(filepath.Join(dest, "backup.metadata"))
	assert.NilError(t, err)

	readMD, err := readMetadataFile(filepath.Join(dest, "backup.metadata"))
	assert.NilError(t, err)
	assert.Equal(t, readMD.BackupID, md.BackupID)
	assert.Equal(t, readMD.BackupLSN, md.BackupLSN)

	result, err := readBackupLog(filepath.Join(dest, "lr", "backup.log"))
	assert.NilError(t, err)
	assert.Assert(t, result.RecordCount >= 2)
}

func TestFullBackupRejectsSecondConcurrentBackup(t *testing.T) {
	m, _, _, lockPath := newTestBackupManager(t)

	// A separate flock.Flock instance on the same path models a second,
	// concurrently-running backup/restore holding the cross-process lock.
	other := flock.New(lockPath)
	ok, err := other.TryLockContext(context.Background(), 10*time.Millisecond)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	defer other.Unlock()

	_, err = m.FullBackup(context.Background(), filepath.Join(t.TempDir(), "backup2"), nil)
	assert.ErrorContains(t, err, "in progress")
}

func TestRestoreRejectsChainNotAheadOfTail(t *testing.T) {
	m, rl, _, _ := newTestBackupManager(t)

	lr, err := rl.AppendLogical(context.Background(), &logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx}, TxID: 1}, []byte("op1"))
	assert.NilError(t, err)
	<-lr.Done()

	dest := filepath.Join(t.TempDir(), "backup3")
	_, err = m.FullBackup(context.Background(), dest, nil)
	assert.NilError(t, err)

	// The replica's tail is already at or past the backup's LSN, so a
	// restore from it must be rejected.
	_, err = m.Restore(context.Background(), dest)
	assert.ErrorContains(t, err, "not ahead of current tail")
}

func TestFilterIncrementalKeepsOnlyNewLogicalRecordsPlusOneUpdateEpoch(t *testing.T) {
	recs := []logrecord.Record{
		&logrecord.BeginTxRecord{Header: logrecord.Header{Kind: logrecord.KindBeginTx, LSN: 1}},
		&logrecord.UpdateEpochRecord{Header: logrecord.Header{Kind: logrecord.KindUpdateEpoch, LSN: 2}},
		&logrecord.IndexingRecord{Header: logrecord.Header{Kind: logrecord.KindIndexing, LSN: 0}},
		&logrecord.EndTxRecord{Header: logrecord.Header{Kind: logrecord.KindEndTx, LSN: 3}},
	}
	out := filterIncremental(recs, 2)
	assert.Equal(t, len(out), 2)
	_, isUpdateEpoch := out[0].(*logrecord.UpdateEpochRecord)
	assert.Assert(t, isUpdateEpoch)
	end, isEnd := out[1].(*logrecord.EndTxRecord)
	assert.Assert(t, isEnd)
	assert.Equal(t, end.Header.LSN, uint64(3))
}
