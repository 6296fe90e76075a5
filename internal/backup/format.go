// Package backup implements the backup manager (spec.md §4.N): full and
// incremental backup, the backup log/metadata file formats, and restore.
// Grounded on the teacher's internal/storage/manager/registry.go folder/
// metadata-file conventions and internal/wal's CRC-guarded block framing.
package backup

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc64"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/leengari/logreplicator/internal/epoch"
	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/replicaerr"
)

var crcTable = crc64.MakeTable(crc64.ISO)

var byteOrder = binary.LittleEndian

// minBlockSize is the minimum amount of buffered record bytes the backup
// log writer accumulates before flushing a block (spec.md §4.N "Backup log
// file format").
const minBlockSize = 32 * 1024

// blockHandle addresses a byte range within the backup log file.
type blockHandle struct {
	Offset uint64
	Length uint64
}

func (h blockHandle) encode() []byte {
	buf := make([]byte, 16)
	byteOrder.PutUint64(buf[0:8], h.Offset)
	byteOrder.PutUint64(buf[8:16], h.Length)
	return buf
}

func decodeBlockHandle(buf []byte) (blockHandle, error) {
	if len(buf) != 16 {
		return blockHandle{}, fmt.Errorf("backup: malformed block handle: %w", replicaerr.ErrCorruption)
	}
	return blockHandle{Offset: byteOrder.Uint64(buf[0:8]), Length: byteOrder.Uint64(buf[8:16])}, nil
}

// Property tags one key in the properties section of either file format.
type propertyKey uint8

const (
	propRecordBlockHandle propertyKey = iota + 1
	propRecordCount
	propIndexingEpochData
	propIndexingEpochConfig
	propIndexingLSN
	propLastBackedUpEpochData
	propLastBackedUpEpochConfig
	propLastBackedUpLSN
)

type properties map[propertyKey][]byte

func (p properties) putUint64(key propertyKey, v uint64) {
	buf := make([]byte, 8)
	byteOrder.PutUint64(buf, v)
	p[key] = buf
}

func (p properties) putInt64(key propertyKey, v int64) { p.putUint64(key, uint64(v)) }

func (p properties) uint64(key propertyKey) (uint64, bool) {
	b, ok := p[key]
	if !ok || len(b) != 8 {
		return 0, false
	}
	return byteOrder.Uint64(b), true
}

func (p properties) int64(key propertyKey) (int64, bool) {
	v, ok := p.uint64(key)
	return int64(v), ok
}

// writeProperties writes the properties section: repeated
// (key:u8, length:varint, value) triples terminated by a zero key byte.
func writeProperties(w io.Writer, props properties) (int64, error) {
	var n int64
	varintBuf := make([]byte, binary.MaxVarintLen64)
	for key, value := range props {
		m, err := w.Write([]byte{byte(key)})
		if err != nil {
			return n, err
		}
		n += int64(m)
		vn := binary.PutUvarint(varintBuf, uint64(len(value)))
		m, err = w.Write(varintBuf[:vn])
		if err != nil {
			return n, err
		}
		n += int64(m)
		m, err = w.Write(value)
		if err != nil {
			return n, err
		}
		n += int64(m)
	}
	m, err := w.Write([]byte{0})
	n += int64(m)
	return n, err
}

func readProperties(r *bufio.Reader) (properties, error) {
	props := make(properties)
	for {
		keyByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if keyByte == 0 {
			return props, nil
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		value := make([]byte, length)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, err
		}
		props[propertyKey(keyByte)] = value
	}
}

// backupLogWriter writes the backup log file format (spec.md §4.N): blocks
// of serialised records, a properties section, and a footer.
type backupLogWriter struct {
	f           *os.File
	buf         []byte
	offset      uint64
	recordCount uint64
}

func createBackupLogWriter(path string) (*backupLogWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("backup: create log file: %w", err)
	}
	return &backupLogWriter{f: f}, nil
}

// WriteRecord buffers rec's wire frame, flushing a block whenever the
// buffer reaches minBlockSize.
func (w *backupLogWriter) WriteRecord(rec logrecord.Record) error {
	data, err := logrecord.Serialize(rec)
	if err != nil {
		return fmt.Errorf("backup: serialize record for backup log: %w", err)
	}
	w.buf = append(w.buf, data...)
	w.recordCount++
	if len(w.buf) >= minBlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *backupLogWriter) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}
	header := make([]byte, 4)
	byteOrder.PutUint32(header, uint32(len(w.buf)))
	checksum := crc64.Checksum(append(append([]byte{}, header...), w.buf...), crcTable)

	if _, err := w.f.Write(header); err != nil {
		return err
	}
	if _, err := w.f.Write(w.buf); err != nil {
		return err
	}
	checksumBuf := make([]byte, 8)
	byteOrder.PutUint64(checksumBuf, checksum)
	if _, err := w.f.Write(checksumBuf); err != nil {
		return err
	}
	w.offset += uint64(4 + len(w.buf) + 8)
	w.buf = w.buf[:0]
	return nil
}

// Finish flushes any remaining buffered records, writes the properties
// section and footer, and closes the file.
func (w *backupLogWriter) Finish(indexedEpoch epoch.Epoch, indexedLSN uint64, lastBackedUpEpoch epoch.Epoch, lastBackedUpLSN uint64) error {
	defer w.f.Close()
	blocksStart := uint64(0)
	if err := w.flushBlock(); err != nil {
		return err
	}
	blocksHandle := blockHandle{Offset: blocksStart, Length: w.offset}

	props := make(properties)
	props[propRecordBlockHandle] = blocksHandle.encode()
	props.putUint64(propRecordCount, w.recordCount)
	props.putInt64(propIndexingEpochData, indexedEpoch.DataLossVersion)
	props.putInt64(propIndexingEpochConfig, indexedEpoch.ConfigurationVersion)
	props.putUint64(propIndexingLSN, indexedLSN)
	props.putInt64(propLastBackedUpEpochData, lastBackedUpEpoch.DataLossVersion)
	props.putInt64(propLastBackedUpEpochConfig, lastBackedUpEpoch.ConfigurationVersion)
	props.putUint64(propLastBackedUpLSN, lastBackedUpLSN)

	propsOffset := w.offset
	propsLen, err := writeProperties(w.f, props)
	if err != nil {
		return fmt.Errorf("backup: write properties: %w", err)
	}
	propsHandle := blockHandle{Offset: propsOffset, Length: uint64(propsLen)}

	const version = 1
	footer := append(propsHandle.encode(), 0, 0, 0, 0)
	byteOrder.PutUint32(footer[16:20], version)
	if _, err := w.f.Write(footer); err != nil {
		return fmt.Errorf("backup: write footer: %w", err)
	}

	checksum := crc64.Checksum(footer, crcTable)
	checksumBuf := make([]byte, 8)
	byteOrder.PutUint64(checksumBuf, checksum)
	_, err = w.f.Write(checksumBuf)
	return err
}

// backupLogResult is what readBackupLog returns: the decoded record stream
// plus the properties recorded alongside it.
type backupLogResult struct {
	Records              []logrecord.Record
	RecordCount          uint64
	IndexedEpoch         epoch.Epoch
	IndexedLSN           uint64
	LastBackedUpEpoch    epoch.Epoch
	LastBackedUpLSN      uint64
}

const footerSize = 16 + 4

// readBackupLog validates and decodes a backup log file written by
// backupLogWriter (spec.md §4.N "Read path").
func readBackupLog(path string) (*backupLogResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: read log file: %w", err)
	}
	if len(data) < footerSize+8 {
		return nil, fmt.Errorf("backup: log file too short: %w", replicaerr.ErrCorruption)
	}

	footerStart := len(data) - footerSize - 8
	footer := data[footerStart : footerStart+footerSize]
	wantChecksum := byteOrder.Uint64(data[footerStart+footerSize:])
	if crc64.Checksum(footer, crcTable) != wantChecksum {
		return nil, fmt.Errorf("backup: footer checksum mismatch: %w", replicaerr.ErrCorruption)
	}

	propsHandle, err := decodeBlockHandle(footer[:16])
	if err != nil {
		return nil, err
	}
	if propsHandle.Offset+propsHandle.Length > uint64(footerStart) {
		return nil, fmt.Errorf("backup: properties handle out of range: %w", replicaerr.ErrCorruption)
	}

	propsReader := bufio.NewReader(newSliceReader(data[propsHandle.Offset : propsHandle.Offset+propsHandle.Length]))
	props, err := readProperties(propsReader)
	if err != nil {
		return nil, fmt.Errorf("backup: read properties: %w", err)
	}

	var recs []logrecord.Record
	offset := uint64(0)
	for offset < propsHandle.Offset {
		if offset+4 > propsHandle.Offset {
			return nil, fmt.Errorf("backup: truncated block header: %w", replicaerr.ErrCorruption)
		}
		blockLen := byteOrder.Uint32(data[offset : offset+4])
		blockEnd := offset + 4 + uint64(blockLen)
		if blockEnd+8 > propsHandle.Offset {
			return nil, fmt.Errorf("backup: block exceeds properties offset: %w", replicaerr.ErrCorruption)
		}
		block := data[offset:blockEnd]
		wantBlockChecksum := byteOrder.Uint64(data[blockEnd : blockEnd+8])
		if crc64.Checksum(block, crcTable) != wantBlockChecksum {
			return nil, fmt.Errorf("backup: block checksum mismatch at offset %d: %w", offset, replicaerr.ErrCorruption)
		}

		body := block[4:]
		for len(body) > 0 {
			if len(body) < 4 {
				return nil, fmt.Errorf("backup: truncated record frame: %w", replicaerr.ErrCorruption)
			}
			frameLen := byteOrder.Uint32(body[0:4])
			if int(frameLen) < 4 || int(frameLen) > len(body) {
				return nil, fmt.Errorf("backup: implausible record frame length %d: %w", frameLen, replicaerr.ErrCorruption)
			}
			rec, err := logrecord.Deserialize(body[:frameLen])
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
			body = body[frameLen:]
		}

		offset = blockEnd + 8
	}

	indexedEpochData, _ := props.int64(propIndexingEpochData)
	indexedEpochConfig, _ := props.int64(propIndexingEpochConfig)
	indexedLSN, _ := props.uint64(propIndexingLSN)
	lastBackedUpEpochData, _ := props.int64(propLastBackedUpEpochData)
	lastBackedUpEpochConfig, _ := props.int64(propLastBackedUpEpochConfig)
	lastBackedUpLSN, _ := props.uint64(propLastBackedUpLSN)
	recordCount, _ := props.uint64(propRecordCount)

	return &backupLogResult{
		Records:           recs,
		RecordCount:       recordCount,
		IndexedEpoch:      epoch.Epoch{DataLossVersion: indexedEpochData, ConfigurationVersion: indexedEpochConfig},
		IndexedLSN:        indexedLSN,
		LastBackedUpEpoch: epoch.Epoch{DataLossVersion: lastBackedUpEpochData, ConfigurationVersion: lastBackedUpEpochConfig},
		LastBackedUpLSN:   lastBackedUpLSN,
	}, nil
}

// sliceReader adapts a byte slice to io.Reader without copying, for
// bufio.NewReader over an in-memory properties section.
type sliceReader struct {
	data []byte
	pos  int
}

func newSliceReader(data []byte) *sliceReader { return &sliceReader{data: data} }

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// Option distinguishes a full backup from an incremental one (spec.md
// §4.N "Backup metadata file"). Encoded on the wire with a +1 offset for
// compatibility with a zero-valued-field detector on read.
type Option int32

const (
	OptionFull Option = iota
	OptionIncremental
)

// Metadata is the backup metadata file's content.
type Metadata struct {
	Option           Option
	ParentBackupID   uuid.UUID
	BackupID         uuid.UUID
	PartitionID      uuid.UUID
	ReplicaID        int64
	StartingEpoch    epoch.Epoch
	StartingLSN      uint64
	BackupEpoch      epoch.Epoch
	BackupLSN        uint64
}

const (
	metaPropOption propertyKey = iota + 1
	metaPropParentBackupID
	metaPropBackupID
	metaPropPartitionID
	metaPropReplicaID
	metaPropStartingEpochData
	metaPropStartingEpochConfig
	metaPropStartingLSN
	metaPropBackupEpochData
	metaPropBackupEpochConfig
	metaPropBackupLSN
)

// writeMetadataFile writes the backup metadata file format (spec.md §4.N).
func writeMetadataFile(path string, md Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("backup: create metadata file: %w", err)
	}
	defer f.Close()

	props := make(properties)
	props.putInt64(metaPropOption, int64(md.Option)+1)
	props[metaPropParentBackupID] = md.ParentBackupID[:]
	props[metaPropBackupID] = md.BackupID[:]
	props[metaPropPartitionID] = md.PartitionID[:]
	props.putInt64(metaPropReplicaID, md.ReplicaID)
	props.putInt64(metaPropStartingEpochData, md.StartingEpoch.DataLossVersion)
	props.putInt64(metaPropStartingEpochConfig, md.StartingEpoch.ConfigurationVersion)
	props.putUint64(metaPropStartingLSN, md.StartingLSN)
	props.putInt64(metaPropBackupEpochData, md.BackupEpoch.DataLossVersion)
	props.putInt64(metaPropBackupEpochConfig, md.BackupEpoch.ConfigurationVersion)
	props.putUint64(metaPropBackupLSN, md.BackupLSN)

	propsOffset := uint64(0)
	propsLen, err := writeProperties(f, props)
	if err != nil {
		return fmt.Errorf("backup: write metadata properties: %w", err)
	}
	propsHandle := blockHandle{Offset: propsOffset, Length: uint64(propsLen)}

	const version = 1
	footer := append(propsHandle.encode(), 0, 0, 0, 0)
	byteOrder.PutUint32(footer[16:20], version)
	if _, err := f.Write(footer); err != nil {
		return fmt.Errorf("backup: write metadata footer: %w", err)
	}

	checksum := crc64.Checksum(footer, crcTable)
	checksumBuf := make([]byte, 8)
	byteOrder.PutUint64(checksumBuf, checksum)
	_, err = f.Write(checksumBuf)
	return err
}

// readMetadataFile validates and decodes a backup metadata file.
func readMetadataFile(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("backup: read metadata file: %w", err)
	}
	if len(data) < footerSize+8 {
		return Metadata{}, fmt.Errorf("backup: metadata file too short: %w", replicaerr.ErrCorruption)
	}
	footerStart := len(data) - footerSize - 8
	footer := data[footerStart : footerStart+footerSize]
	wantChecksum := byteOrder.Uint64(data[footerStart+footerSize:])
	if crc64.Checksum(footer, crcTable) != wantChecksum {
		return Metadata{}, fmt.Errorf("backup: metadata checksum mismatch: %w", replicaerr.ErrCorruption)
	}

	propsHandle, err := decodeBlockHandle(footer[:16])
	if err != nil {
		return Metadata{}, err
	}
	propsReader := bufio.NewReader(newSliceReader(data[propsHandle.Offset : propsHandle.Offset+propsHandle.Length]))
	props, err := readProperties(propsReader)
	if err != nil {
		return Metadata{}, fmt.Errorf("backup: read metadata properties: %w", err)
	}

	option, _ := props.int64(metaPropOption)
	replicaID, _ := props.int64(metaPropReplicaID)
	startingEpochData, _ := props.int64(metaPropStartingEpochData)
	startingEpochConfig, _ := props.int64(metaPropStartingEpochConfig)
	startingLSN, _ := props.uint64(metaPropStartingLSN)
	backupEpochData, _ := props.int64(metaPropBackupEpochData)
	backupEpochConfig, _ := props.int64(metaPropBackupEpochConfig)
	backupLSN, _ := props.uint64(metaPropBackupLSN)

	md := Metadata{
		Option:        Option(option - 1),
		ReplicaID:     replicaID,
		StartingEpoch: epoch.Epoch{DataLossVersion: startingEpochData, ConfigurationVersion: startingEpochConfig},
		StartingLSN:   startingLSN,
		BackupEpoch:   epoch.Epoch{DataLossVersion: backupEpochData, ConfigurationVersion: backupEpochConfig},
		BackupLSN:     backupLSN,
	}
	copy(md.ParentBackupID[:], props[metaPropParentBackupID])
	copy(md.BackupID[:], props[metaPropBackupID])
	copy(md.PartitionID[:], props[metaPropPartitionID])
	return md, nil
}
