package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
)

// Dispatcher is the callback recovery hands each recoverable record to, so
// the caller can apply it to the state provider during replay. Errors from
// Dispatch abort recovery.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec logrecord.Record) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, rec logrecord.Record) error

func (f DispatcherFunc) Dispatch(ctx context.Context, rec logrecord.Record) error { return f(ctx, rec) }

// Information is what the recovery manager exposes once replay completes
// (spec.md §4.L "exposes recovery_information").
type Information struct {
	ShouldSkipRecoveryDueToIncompleteChangeRoleNone bool
	RecoveredLSN                                    uint64
}

// Manager drives a LogRecordsMap replay over a stream at open (spec.md
// §4.L), grounded on the teacher's internal/storage/manager/wal_manager.go
// Recover() scan-then-replay shape.
type Manager struct {
	stream     logstream.Stream
	dispatcher Dispatcher
	log        *slog.Logger
}

// New constructs a recovery manager. dispatcher may be nil if the caller
// only wants the reconstructed LogRecordsMap without applying records.
func New(stream logstream.Stream, dispatcher Dispatcher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{stream: stream, dispatcher: dispatcher, log: log.With("component", "recovery")}
}

// Recover replays the stream starting at startPosition into replayMap,
// dispatching every recoverable record, and returns the recovery
// information once the log is exhausted. Information.RecoveredLSN is the
// highest logical LSN seen during replay. Recover does not compare it with
// a recovered end-checkpoint LSN and does not truncate the tail on false
// progress: every record from startPosition to the write position is
// replayed.
func (m *Manager) Recover(ctx context.Context, startPosition uint64, replayMap *LogRecordsMap, roleNoneIncomplete bool) (*Information, error) {
	reader := NewLogReader(m.stream, startPosition)
	count := 0
	for {
		rec, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		isRecoverable, err := replayMap.Process(rec)
		if err != nil {
			return nil, err
		}
		if isRecoverable && m.dispatcher != nil {
			if err := m.dispatcher.Dispatch(ctx, rec); err != nil {
				return nil, fmt.Errorf("recovery: dispatch record at psn %d: %w", rec.GetHeader().PSN, err)
			}
		}
		count++
	}
	m.log.Info("recovery replay complete", "records", count, "tail_lsn", replayMap.TailLSN, "tail_epoch", replayMap.TailEpoch)

	return &Information{
		ShouldSkipRecoveryDueToIncompleteChangeRoleNone: roleNoneIncomplete,
		RecoveredLSN: replayMap.TailLSN,
	}, nil
}
