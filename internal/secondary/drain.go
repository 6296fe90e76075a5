// Package secondary implements the secondary build/drain manager (spec.md
// §4.M): it pumps the copy stream (state, then log) and the replication
// stream in phase order, logging every record locally via the replicated
// log manager's append-without-replication path, grounded on the teacher's
// internal/network/server.go connection-handling loop.
package secondary

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/recovery"
	"github.com/leengari/logreplicator/internal/replicaerr"
	"github.com/leengari/logreplicator/internal/replog"
	"github.com/leengari/logreplicator/internal/roledrain"
	"github.com/leengari/logreplicator/internal/stateprovider"
	"github.com/leengari/logreplicator/internal/transport"
	"github.com/leengari/logreplicator/internal/writer"
)

// CopyStage tags what a copy-stream frame carries (spec.md §4.M).
type CopyStage uint8

const (
	CopyNone CopyStage = iota
	CopyState
	CopyProgressVector
	CopyFalseProgress
	CopyLog
)

func (s CopyStage) String() string {
	switch s {
	case CopyState:
		return "CopyState"
	case CopyProgressVector:
		return "CopyProgressVector"
	case CopyFalseProgress:
		return "CopyFalseProgress"
	case CopyLog:
		return "CopyLog"
	default:
		return "CopyNone"
	}
}

// decodeCopyFrame splits a copy-stream frame into its trailing one-byte
// stage tag and preceding payload.
func decodeCopyFrame(data []byte) (CopyStage, []byte, error) {
	if len(data) < 1 {
		return CopyNone, nil, fmt.Errorf("secondary: empty copy frame")
	}
	return CopyStage(data[len(data)-1]), data[:len(data)-1], nil
}

// decodeFalseProgressPayload reads the 8-byte little-endian source_starting_lsn
// a CopyFalseProgress frame carries (spec.md §4.M scenario 3).
func decodeFalseProgressPayload(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("secondary: malformed false-progress payload (%d bytes): %w", len(payload), replicaerr.ErrCorruption)
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// decodeRecordBatch decodes the concatenated length-prefixed frames
// logrecord.Serialize produces, exactly as recovery.LogReader does but over
// an in-memory buffer rather than a log stream.
func decodeRecordBatch(buf []byte) ([]logrecord.Record, error) {
	var recs []logrecord.Record
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("secondary: truncated record batch: %w", replicaerr.ErrCorruption)
		}
		frameLen := binary.LittleEndian.Uint32(buf[0:4])
		if int(frameLen) < 4 || int(frameLen) > len(buf) {
			return nil, fmt.Errorf("secondary: implausible frame length %d in batch: %w", frameLen, replicaerr.ErrCorruption)
		}
		rec, err := logrecord.Deserialize(buf[:frameLen])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		buf = buf[frameLen:]
	}
	return recs, nil
}

// CheckpointBlocker throttles the secondary pump loops while a checkpoint
// or truncate-head is outstanding past the throttle threshold. The
// checkpoint manager implements it (spec.md §4.H
// block_secondary_pump_if_needed).
type CheckpointBlocker interface {
	BlockSecondaryPumpIfNeeded(ctx context.Context) error
}

// Manager is the secondary drain manager (spec.md §4.M). It owns no state
// beyond what it needs to pump the three phases once; BuildSecondaryAsync
// is meant to be called once per secondary build.
type Manager struct {
	transport transport.Transport
	rl        *replog.Manager
	sp        stateprovider.StateProvider
	role      *roledrain.State
	w         *writer.Writer
	ckpt      CheckpointBlocker
}

// New constructs a drain manager. ckpt may be nil in tests that don't
// exercise checkpoint-driven throttling.
func New(tp transport.Transport, rl *replog.Manager, sp stateprovider.StateProvider, role *roledrain.State, w *writer.Writer, ckpt CheckpointBlocker) *Manager {
	return &Manager{transport: tp, rl: rl, sp: sp, role: role, w: w, ckpt: ckpt}
}

// BuildSecondaryAsync runs the copy-state, copy-log, and replication
// pumps in sequence. On any failure it reports the fault to the role
// context and returns the error (spec.md §4.M "On any failure it completes
// the drain TCS, reports fault, and returns").
func (m *Manager) BuildSecondaryAsync(ctx context.Context) error {
	if err := m.role.BeginDrain(roledrain.DrainDrainingCopy); err != nil {
		m.role.ReportFault(err)
		return err
	}

	copyStream, err := m.transport.GetCopyStream(ctx)
	if err != nil {
		m.role.ReportFault(err)
		return fmt.Errorf("secondary: open copy stream: %w", err)
	}
	if err := m.pumpCopyStateAndLog(ctx, copyStream); err != nil {
		m.role.ReportFault(err)
		return err
	}

	if err := m.role.BeginDrain(roledrain.DrainDrainingReplication); err != nil {
		m.role.ReportFault(err)
		return err
	}

	replStream, err := m.transport.GetReplicationStream(ctx)
	if err != nil {
		m.role.ReportFault(err)
		return fmt.Errorf("secondary: open replication stream: %w", err)
	}
	if err := m.pumpReplication(ctx, replStream); err != nil {
		m.role.ReportFault(err)
		return err
	}

	if err := m.role.BeginDrain(roledrain.DrainDrained); err != nil {
		m.role.ReportFault(err)
		return err
	}
	return nil
}

// pumpCopyStateAndLog drives the single copy stream through its
// CopyState/CopyProgressVector/CopyFalseProgress/CopyLog sub-stages
// (spec.md §4.M phase 1 and 2 are multiplexed onto one stream, matching the
// original's single copy-stream design).
func (m *Manager) pumpCopyStateAndLog(ctx context.Context, stream transport.Stream) error {
	if err := m.sp.BeginSettingCurrentState(ctx); err != nil {
		return fmt.Errorf("secondary: begin setting current state: %w", err)
	}

	var recordNumber int64
	stateEnded := false

	for {
		if err := m.awaitThrottle(ctx); err != nil {
			return err
		}
		op, ok, err := stream.GetOperationAsync(ctx)
		if err != nil {
			return fmt.Errorf("secondary: copy stream read: %w", err)
		}
		if !ok {
			if !stateEnded {
				return fmt.Errorf("secondary: copy stream ended before copy-log completed: %w", replicaerr.ErrCancelled)
			}
			_, err := m.rl.Information(logrecord.EventCopyFinished)
			return err
		}

		stage, payload, err := decodeCopyFrame(op.Data)
		if err != nil {
			return err
		}

		switch stage {
		case CopyState:
			if err := m.sp.SetCurrentState(ctx, recordNumber, [][]byte{payload}); err != nil {
				return fmt.Errorf("secondary: set current state record %d: %w", recordNumber, err)
			}
			recordNumber++
			op.Acknowledge()

		case CopyProgressVector:
			if !stateEnded {
				if err := m.sp.EndSettingCurrentState(ctx); err != nil {
					return fmt.Errorf("secondary: end setting current state: %w", err)
				}
				stateEnded = true
			}
			op.Acknowledge()

		case CopyFalseProgress:
			if !stateEnded {
				if err := m.sp.EndSettingCurrentState(ctx); err != nil {
					return fmt.Errorf("secondary: end setting current state: %w", err)
				}
				stateEnded = true
			}
			sourceStartingLSN, err := decodeFalseProgressPayload(payload)
			if err != nil {
				return err
			}
			if err := m.truncateTailToLSN(ctx, sourceStartingLSN); err != nil {
				return fmt.Errorf("secondary: false-progress tail truncation: %w", err)
			}
			m.role.SetFalseProgress()
			op.Acknowledge()

		case CopyLog:
			if !stateEnded {
				if err := m.sp.EndSettingCurrentState(ctx); err != nil {
					return fmt.Errorf("secondary: end setting current state: %w", err)
				}
				stateEnded = true
			}
			if err := m.applyLogBatch(payload); err != nil {
				return err
			}
			op.Acknowledge()

		default:
			return fmt.Errorf("secondary: unexpected copy stage %s", stage)
		}
	}
}

// applyLogBatch decodes a copy-log frame's record batch and logs every
// record locally, only acknowledging the frame once every record it
// carries has flushed (spec.md §4.M "ack the frame only after every
// record is flushed").
func (m *Manager) applyLogBatch(batch []byte) error {
	recs, err := decodeRecordBatch(batch)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		lr, err := m.rl.AppendWithoutReplication(rec)
		if err != nil {
			return fmt.Errorf("secondary: log copied record: %w", err)
		}
		<-lr.Done()
		if lr.Err() != nil {
			return fmt.Errorf("secondary: flush copied record: %w", lr.Err())
		}
	}
	return nil
}

// truncateTailToLSN rewinds the local log to the last record at or before
// sourceStartingLSN, discarding whatever the primary's false-progress notice
// says never actually made it (spec.md §4.M step 2, scenario 3: tail at LSN
// 30 truncated to 25 before copy-log records 26+ are applied).
func (m *Manager) truncateTailToLSN(ctx context.Context, sourceStartingLSN uint64) error {
	reader := recovery.NewLogReader(m.w.Stream(), 0)
	var newTail logrecord.Record
	for {
		rec, err := reader.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if rec.GetHeader().LSN > sourceStartingLSN {
			break
		}
		newTail = rec
	}
	if newTail == nil {
		return fmt.Errorf("secondary: no record at or before LSN %d to truncate tail to: %w", sourceStartingLSN, replicaerr.ErrCorruption)
	}
	return m.rl.TruncateTail(ctx, newTail)
}

// pumpReplication drives the replication stream, where every frame is a
// single logical record already stamped with its LSN by the primary
// (spec.md §4.M phase 3).
func (m *Manager) pumpReplication(ctx context.Context, stream transport.Stream) error {
	for {
		if err := m.awaitThrottle(ctx); err != nil {
			return err
		}
		op, ok, err := stream.GetOperationAsync(ctx)
		if err != nil {
			return fmt.Errorf("secondary: replication stream read: %w", err)
		}
		if !ok {
			_, err := m.rl.Information(logrecord.EventReplicationFinished)
			return err
		}

		rec, err := logrecord.Deserialize(op.Data)
		if err != nil {
			return fmt.Errorf("secondary: deserialize replicated record: %w", err)
		}
		lr, err := m.rl.AppendWithoutReplication(rec)
		if err != nil {
			return fmt.Errorf("secondary: log replicated record: %w", err)
		}
		<-lr.Done()
		if lr.Err() != nil {
			return fmt.Errorf("secondary: flush replicated record: %w", lr.Err())
		}
		op.Acknowledge()
	}
}

// awaitThrottle blocks on a flush before pumping the next frame when the
// writer is backlogged (spec.md §4.M "Throttling: if
// writer.should_throttle_writes, it awaits a pending flush"), then consults
// the checkpoint manager's block_secondary_pump_if_needed so a slow
// checkpoint/truncate-head cycle throttles the pump too (spec.md §4.H).
func (m *Manager) awaitThrottle(ctx context.Context) error {
	if m.w.ShouldThrottleWrites() {
		if err := m.w.Flush(ctx, "secondary-drain-throttle"); err != nil {
			return fmt.Errorf("secondary: throttle flush: %w", err)
		}
	}
	if m.ckpt == nil {
		return nil
	}
	return m.ckpt.BlockSecondaryPumpIfNeeded(ctx)
}
