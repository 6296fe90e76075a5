// Package config holds the recognised configuration knobs (spec.md §6.5)
// and the refreshable, dirty-overridable derived policy the log truncation
// manager evaluates on every decision (spec.md §4.I).
package config

import (
	"time"

	"github.com/c2h5oh/datasize"
)

// Config is every knob spec.md §6.5 recognises.
type Config struct {
	CheckpointThreshold         datasize.ByteSize
	MinLogSize                  datasize.ByteSize
	TruncationThresholdFactor   float64
	ThrottlingThresholdFactor   float64
	MaxStreamSize               datasize.ByteSize
	MaxAccumulatedBackupLogSize datasize.ByteSize
	MaxRecordSize               datasize.ByteSize
	ReadAheadCacheSize          datasize.ByteSize
	SlowLogIODuration           time.Duration

	// EnableSecondaryCommitApplyAcknowledgement, when set, makes the
	// secondary's copy-log/replication acknowledgement wait for apply in
	// addition to flush — this increases replicated-stream queue depth
	// under a slow applier (spec.md §6.5 calls this trade-off out
	// explicitly; see DESIGN.md Open Question #3).
	EnableSecondaryCommitApplyAcknowledgement bool
	EnableIncrementalBackupsAcrossReplicas    bool
	PeriodicCheckpointTruncationInterval      time.Duration

	// GroupCommitDelay is how long request_group_commit's timer waits
	// before forcing a barrier-and-flush for a latency-sensitive record
	// (spec.md §4.H group-commit).
	GroupCommitDelay time.Duration

	MaxWriteCacheSize       datasize.ByteSize
	HealthReportMinInterval time.Duration

	// LogDirectory selects the sparse-file log stream implementation when
	// non-empty, and the in-memory chunked implementation otherwise
	// (DESIGN.md Open Question #1).
	LogDirectory string

	// SeqEndpoint is the Seq server's ingestion URL for structured logging.
	// Empty disables the Seq handler and logs to the console only.
	SeqEndpoint string
}

// Default returns a reasonably-sized configuration for tests and the
// example host binary.
func Default() Config {
	return Config{
		CheckpointThreshold:         64 * datasize.MB,
		MinLogSize:                  16 * datasize.MB,
		TruncationThresholdFactor:   1.5,
		ThrottlingThresholdFactor:   2.0,
		MaxStreamSize:               1 * datasize.GB,
		MaxAccumulatedBackupLogSize: 512 * datasize.MB,
		MaxRecordSize:               4 * datasize.MB,
		ReadAheadCacheSize:          256 * datasize.KB,
		SlowLogIODuration:           500 * time.Millisecond,

		EnableSecondaryCommitApplyAcknowledgement: false,
		EnableIncrementalBackupsAcrossReplicas:    true,
		PeriodicCheckpointTruncationInterval:      5 * time.Minute,
		GroupCommitDelay:                          4 * time.Millisecond,

		MaxWriteCacheSize:       32 * datasize.MB,
		HealthReportMinInterval: 30 * time.Second,
	}
}
