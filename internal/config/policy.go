package config

import (
	"sync"
	"time"
)

// Policy holds the derived byte thresholds the truncation manager evaluates
// (spec.md §4.I).
type Policy struct {
	CheckpointIntervalBytes  uint64
	MinLogSizeBytes          uint64
	TruncationThresholdBytes uint64
	ThrottleAtLogUsageBytes  uint64
	MinTruncationAmountBytes uint64
	IndexIntervalBytes       uint64
	TxAbortThresholdBytes    uint64
}

func derive(cfg Config) Policy {
	ci := uint64(cfg.CheckpointThreshold.Bytes())
	ml := uint64(cfg.MinLogSize.Bytes())

	truncationThreshold := uint64(float64(ml) * cfg.TruncationThresholdFactor)

	throttleByCheckpoint := uint64(float64(ci) * cfg.ThrottlingThresholdFactor)
	throttleByMinLog := uint64(float64(ml) * cfg.ThrottlingThresholdFactor)
	throttle := throttleByCheckpoint
	if throttleByMinLog > throttle {
		throttle = throttleByMinLog
	}

	return Policy{
		CheckpointIntervalBytes:  ci,
		MinLogSizeBytes:          ml,
		TruncationThresholdBytes: truncationThreshold,
		ThrottleAtLogUsageBytes:  throttle,
		MinTruncationAmountBytes: ci / 2,
		IndexIntervalBytes:       ci / 50,
		TxAbortThresholdBytes:    ci / 2,
	}
}

// RefreshablePolicy snapshots Policy from a Config, re-deriving it at most
// every refreshInterval unless marked dirty by an explicit config update
// (spec.md §4.I "refreshable policy ... with dirty-override").
type RefreshablePolicy struct {
	mu              sync.Mutex
	cfg             Config
	policy          Policy
	lastRefresh     time.Time
	dirty           bool
	refreshInterval time.Duration
}

// NewRefreshablePolicy derives an initial snapshot from cfg.
func NewRefreshablePolicy(cfg Config) *RefreshablePolicy {
	return &RefreshablePolicy{
		cfg:             cfg,
		policy:          derive(cfg),
		lastRefresh:     time.Now(),
		refreshInterval: 30 * time.Second,
	}
}

// UpdateConfig installs a new Config and forces the next Snapshot to
// re-derive immediately, regardless of the refresh interval.
func (rp *RefreshablePolicy) UpdateConfig(cfg Config) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.cfg = cfg
	rp.dirty = true
}

// Snapshot returns the current policy, re-deriving it first if dirty or if
// the refresh interval has elapsed since the last derivation.
func (rp *RefreshablePolicy) Snapshot() Policy {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.dirty || time.Since(rp.lastRefresh) >= rp.refreshInterval {
		rp.policy = derive(rp.cfg)
		rp.lastRefresh = time.Now()
		rp.dirty = false
	}
	return rp.policy
}
