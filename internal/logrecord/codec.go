package logrecord

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"time"

	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/replicaerr"
)

// Wire format per spec.md §6.4: a frame is
//
//	[ length:u32 | header:headerSize | body:var | checksum:u64 ]
//
// where checksum is CRC-64 (ISO polynomial, matching the teacher's use of
// the stdlib hash/crc32 for the analogous WAL per-record checksum) over
// everything preceding it in the frame, including the length prefix.
var crcTable = crc64.MakeTable(crc64.ISO)

var byteOrder = binary.LittleEndian

const headerWireSize = 1 /*kind*/ + 1 /*pad*/ + 8*5 /*psn,lsn,position,prevPhys,linkedPhys*/

// Serialize encodes rec into a self-describing frame. The caller (the
// physical log writer) is responsible for filling in rec's Header.Position
// before calling Serialize, since it is derived from the writer's current
// tail position. Header.Size is not part of the frame.
func Serialize(rec Record) ([]byte, error) {
	h := rec.GetHeader()
	body, err := encodeBody(rec)
	if err != nil {
		return nil, err
	}

	frameLen := 4 + headerWireSize + len(body) + 8
	buf := make([]byte, frameLen)
	byteOrder.PutUint32(buf[0:4], uint32(frameLen))
	encodeHeader(buf[4:4+headerWireSize], h)
	copy(buf[4+headerWireSize:], body)

	checksum := crc64.Checksum(buf[:4+headerWireSize+len(body)], crcTable)
	byteOrder.PutUint64(buf[frameLen-8:], checksum)
	return buf, nil
}

// Deserialize decodes a single frame previously produced by Serialize,
// validating its checksum. It returns replicaerr.ErrCorruption wrapped with
// context when the checksum does not match or the frame is malformed.
func Deserialize(frame []byte) (Record, error) {
	if len(frame) < 4+headerWireSize+8 {
		return nil, fmt.Errorf("logrecord: frame too short (%d bytes): %w", len(frame), replicaerr.ErrCorruption)
	}
	frameLen := byteOrder.Uint32(frame[0:4])
	if int(frameLen) != len(frame) {
		return nil, fmt.Errorf("logrecord: frame length mismatch (header says %d, got %d): %w", frameLen, len(frame), replicaerr.ErrCorruption)
	}

	want := byteOrder.Uint64(frame[frameLen-8:])
	got := crc64.Checksum(frame[:frameLen-8], crcTable)
	if want != got {
		return nil, fmt.Errorf("logrecord: checksum mismatch (want %x, got %x): %w", want, got, replicaerr.ErrCorruption)
	}

	h := decodeHeader(frame[4 : 4+headerWireSize])
	body := frame[4+headerWireSize : frameLen-8]
	return decodeBody(h, body)
}

func encodeHeader(buf []byte, h *Header) {
	buf[0] = byte(h.Kind)
	// buf[1] reserved
	byteOrder.PutUint64(buf[2:10], h.PSN)
	byteOrder.PutUint64(buf[10:18], h.LSN)
	byteOrder.PutUint64(buf[18:26], h.Position)
	byteOrder.PutUint64(buf[26:34], h.PreviousPhysicalRecordPSN)
	byteOrder.PutUint64(buf[34:42], h.LinkedPhysicalRecordPSN)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Kind:                      Kind(buf[0]),
		PSN:                       byteOrder.Uint64(buf[2:10]),
		LSN:                       byteOrder.Uint64(buf[10:18]),
		Position:                  byteOrder.Uint64(buf[18:26]),
		PreviousPhysicalRecordPSN: byteOrder.Uint64(buf[26:34]),
		LinkedPhysicalRecordPSN:   byteOrder.Uint64(buf[34:42]),
	}
}

// --- length-prefixed primitive helpers, mirroring internal/wal/writer.go's
// encode*Payload / internal/wal/reader.go's decodeString/decodeBytes style.

func putBytes(dst *[]byte, b []byte) {
	var lenBuf [4]byte
	byteOrder.PutUint32(lenBuf[:], uint32(len(b)))
	*dst = append(*dst, lenBuf[:]...)
	*dst = append(*dst, b...)
}

func putUint64(dst *[]byte, v uint64) {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], v)
	*dst = append(*dst, buf[:]...)
}

func putUint8(dst *[]byte, v uint8) {
	*dst = append(*dst, v)
}

func putBool(dst *[]byte, v bool) {
	if v {
		putUint8(dst, 1)
	} else {
		putUint8(dst, 0)
	}
}

func putLink(dst *[]byte, l TxLink) {
	putUint64(dst, l.PreviousInTxPSN)
	putUint64(dst, l.NextInTxPSN)
}

func putEpoch(dst *[]byte, e epoch.Epoch) {
	putUint64(dst, uint64(e.DataLossVersion))
	putUint64(dst, uint64(e.ConfigurationVersion))
}

func putTime(dst *[]byte, t time.Time) {
	if t.IsZero() {
		putUint64(dst, 0)
		return
	}
	putUint64(dst, uint64(t.UnixNano()))
}

type byteReader struct {
	data []byte
	off  int
}

func (r *byteReader) bytes() ([]byte, error) {
	if r.off+4 > len(r.data) {
		return nil, fmt.Errorf("logrecord: truncated length prefix: %w", replicaerr.ErrCorruption)
	}
	n := int(byteOrder.Uint32(r.data[r.off:]))
	r.off += 4
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("logrecord: truncated payload (want %d bytes): %w", n, replicaerr.ErrCorruption)
	}
	var b []byte
	if n > 0 {
		b = make([]byte, n)
		copy(b, r.data[r.off:r.off+n])
	}
	r.off += n
	return b, nil
}

func (r *byteReader) uint64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("logrecord: truncated uint64: %w", replicaerr.ErrCorruption)
	}
	v := byteOrder.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) uint8() (uint8, error) {
	if r.off+1 > len(r.data) {
		return 0, fmt.Errorf("logrecord: truncated uint8: %w", replicaerr.ErrCorruption)
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) bool() (bool, error) {
	v, err := r.uint8()
	return v != 0, err
}

func (r *byteReader) link() (TxLink, error) {
	prev, err := r.uint64()
	if err != nil {
		return TxLink{}, err
	}
	next, err := r.uint64()
	if err != nil {
		return TxLink{}, err
	}
	return TxLink{PreviousInTxPSN: prev, NextInTxPSN: next}, nil
}

func (r *byteReader) epoch() (epoch.Epoch, error) {
	dl, err := r.uint64()
	if err != nil {
		return epoch.Epoch{}, err
	}
	cv, err := r.uint64()
	if err != nil {
		return epoch.Epoch{}, err
	}
	return epoch.Epoch{DataLossVersion: int64(dl), ConfigurationVersion: int64(cv)}, nil
}

func (r *byteReader) time() (time.Time, error) {
	ns, err := r.uint64()
	if err != nil {
		return time.Time{}, err
	}
	if ns == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(ns)).UTC(), nil
}

func encodeBody(rec Record) ([]byte, error) {
	var buf []byte
	switch v := rec.(type) {
	case *BeginTxRecord:
		putUint64(&buf, v.TxID)
		putLink(&buf, v.Link)
		putBytes(&buf, v.Metadata)
	case *OperationRecord:
		putUint64(&buf, v.TxID)
		putLink(&buf, v.Link)
		putBytes(&buf, v.Metadata)
		putBytes(&buf, v.Undo)
		putBytes(&buf, v.Redo)
		putBool(&buf, v.AtomicRedo)
	case *EndTxRecord:
		putUint64(&buf, v.TxID)
		putLink(&buf, v.Link)
		putBool(&buf, v.Committed)
	case *BarrierRecord:
		putUint64(&buf, v.LastStableLSN)
	case *BackupRecord:
		putEpoch(&buf, v.HighestBackedUpEpoch)
		putUint64(&buf, v.HighestBackedUpLSN)
	case *UpdateEpochRecord:
		putEpoch(&buf, v.NewEpoch)
	case *IndexingRecord:
		putEpoch(&buf, v.IndexedEpoch)
		putUint64(&buf, v.IndexedLSN)
	case *BeginCheckpointRecord:
		putUint64(&buf, v.EarliestPendingTxPSN)
	case *EndCheckpointRecord:
		putUint64(&buf, v.BeginCheckpointPSN)
	case *CompleteCheckpointRecord:
		// no payload
	case *TruncateHeadRecord:
		putUint64(&buf, v.HeadIndexingRecordPSN)
		putTime(&buf, v.PeriodicTruncationTime)
	case *TruncateTailRecord:
		putUint64(&buf, v.NewTailPSN)
	case *InformationRecord:
		putUint8(&buf, uint8(v.Event))
	default:
		return nil, errUnknownKind(rec.GetHeader().Kind)
	}
	return buf, nil
}

func decodeBody(h Header, body []byte) (Record, error) {
	r := &byteReader{data: body}
	switch h.Kind {
	case KindBeginTx:
		txID, err := r.uint64()
		if err != nil {
			return nil, err
		}
		link, err := r.link()
		if err != nil {
			return nil, err
		}
		meta, err := r.bytes()
		if err != nil {
			return nil, err
		}
		return &BeginTxRecord{Header: h, TxID: txID, Link: link, Metadata: meta}, nil
	case KindOperation:
		txID, err := r.uint64()
		if err != nil {
			return nil, err
		}
		link, err := r.link()
		if err != nil {
			return nil, err
		}
		meta, err := r.bytes()
		if err != nil {
			return nil, err
		}
		undo, err := r.bytes()
		if err != nil {
			return nil, err
		}
		redo, err := r.bytes()
		if err != nil {
			return nil, err
		}
		atomicRedo, err := r.bool()
		if err != nil {
			return nil, err
		}
		return &OperationRecord{Header: h, TxID: txID, Link: link, Metadata: meta, Undo: undo, Redo: redo, AtomicRedo: atomicRedo}, nil
	case KindEndTx:
		txID, err := r.uint64()
		if err != nil {
			return nil, err
		}
		link, err := r.link()
		if err != nil {
			return nil, err
		}
		committed, err := r.bool()
		if err != nil {
			return nil, err
		}
		return &EndTxRecord{Header: h, TxID: txID, Link: link, Committed: committed}, nil
	case KindBarrier:
		lsn, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return &BarrierRecord{Header: h, LastStableLSN: lsn}, nil
	case KindBackup:
		e, err := r.epoch()
		if err != nil {
			return nil, err
		}
		lsn, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return &BackupRecord{Header: h, HighestBackedUpEpoch: e, HighestBackedUpLSN: lsn}, nil
	case KindUpdateEpoch:
		e, err := r.epoch()
		if err != nil {
			return nil, err
		}
		return &UpdateEpochRecord{Header: h, NewEpoch: e}, nil
	case KindIndexing:
		e, err := r.epoch()
		if err != nil {
			return nil, err
		}
		lsn, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return &IndexingRecord{Header: h, IndexedEpoch: e, IndexedLSN: lsn}, nil
	case KindBeginCheckpoint:
		psn, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return &BeginCheckpointRecord{Header: h, EarliestPendingTxPSN: psn}, nil
	case KindEndCheckpoint:
		psn, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return &EndCheckpointRecord{Header: h, BeginCheckpointPSN: psn}, nil
	case KindCompleteCheckpoint:
		return &CompleteCheckpointRecord{Header: h}, nil
	case KindTruncateHead:
		psn, err := r.uint64()
		if err != nil {
			return nil, err
		}
		tt, err := r.time()
		if err != nil {
			return nil, err
		}
		return &TruncateHeadRecord{Header: h, HeadIndexingRecordPSN: psn, PeriodicTruncationTime: tt}, nil
	case KindTruncateTail:
		psn, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return &TruncateTailRecord{Header: h, NewTailPSN: psn}, nil
	case KindInformation:
		ev, err := r.uint8()
		if err != nil {
			return nil, err
		}
		return &InformationRecord{Header: h, Event: InformationEvent(ev)}, nil
	default:
		return nil, errUnknownKind(h.Kind)
	}
}
