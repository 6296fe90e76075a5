package logrecord

import (
	"testing"

	"github.com/leengari/logreplicator/internal/epoch"
	"gotest.tools/v3/assert"
)

// roundTrip serializes rec and asserts Deserialize reproduces an equal
// record. Header.Size is not on the wire, so the cases leave it zero.
func roundTrip(t *testing.T, rec Record) {
	t.Helper()
	frame, err := Serialize(rec)
	assert.NilError(t, err)

	got, err := Deserialize(frame)
	assert.NilError(t, err)
	assert.DeepEqual(t, rec, got)
}

func TestRoundTripAllKinds(t *testing.T) {
	baseHeader := func(k Kind, psn uint64) Header {
		return Header{Kind: k, PSN: psn, LSN: psn, Position: psn * 64, PreviousPhysicalRecordPSN: psn - 1}
	}

	cases := []Record{
		&BeginTxRecord{Header: baseHeader(KindBeginTx, 1), TxID: 7, Metadata: []byte("begin-meta")},
		&OperationRecord{Header: baseHeader(KindOperation, 2), TxID: 7, Link: TxLink{PreviousInTxPSN: 1}, Redo: []byte("redo"), Undo: []byte("undo")},
		&EndTxRecord{Header: baseHeader(KindEndTx, 3), TxID: 7, Link: TxLink{PreviousInTxPSN: 2}, Committed: true},
		&BarrierRecord{Header: baseHeader(KindBarrier, 4), LastStableLSN: 3},
		&BackupRecord{Header: baseHeader(KindBackup, 5), HighestBackedUpEpoch: epoch.Epoch{DataLossVersion: 1, ConfigurationVersion: 2}, HighestBackedUpLSN: 4},
		&UpdateEpochRecord{Header: baseHeader(KindUpdateEpoch, 6), NewEpoch: epoch.Epoch{DataLossVersion: 2, ConfigurationVersion: 0}},
		&IndexingRecord{Header: baseHeader(KindIndexing, 7), IndexedEpoch: epoch.Epoch{DataLossVersion: 1}, IndexedLSN: 6},
		&BeginCheckpointRecord{Header: baseHeader(KindBeginCheckpoint, 8), EarliestPendingTxPSN: 1},
		&EndCheckpointRecord{Header: baseHeader(KindEndCheckpoint, 9), BeginCheckpointPSN: 8},
		&CompleteCheckpointRecord{Header: baseHeader(KindCompleteCheckpoint, 10)},
		&TruncateHeadRecord{Header: baseHeader(KindTruncateHead, 11), HeadIndexingRecordPSN: 7},
		&TruncateTailRecord{Header: baseHeader(KindTruncateTail, 12), NewTailPSN: 5},
		&InformationRecord{Header: baseHeader(KindInformation, 13), Event: EventCopyFinished},
	}

	for _, rec := range cases {
		rec := rec
		t.Run(rec.GetHeader().Kind.String(), func(t *testing.T) {
			roundTrip(t, rec)
		})
	}
}

func TestDeserializeDetectsCorruption(t *testing.T) {
	rec := &BarrierRecord{Header: Header{Kind: KindBarrier, PSN: 1, LSN: 1}, LastStableLSN: 9}
	frame, err := Serialize(rec)
	assert.NilError(t, err)

	corrupted := make([]byte, len(frame))
	copy(corrupted, frame)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err = Deserialize(corrupted)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestDeserializeRejectsTruncatedFrame(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3})
	assert.ErrorContains(t, err, "too short")
}
