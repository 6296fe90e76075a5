// Package stateprovider declares the external state-provider contract the
// apply/checkpoint/backup layers consume (spec.md §6.1) and a fake
// implementation for tests.
package stateprovider

import "context"

// ApplyContext tags why a record is being applied, mirroring spec.md §6.1.
type ApplyContext uint8

const (
	PrimaryRedo ApplyContext = iota
	SecondaryRedo
	RecoveryRedo
	SecondaryFalseProgress
)

func (c ApplyContext) String() string {
	switch c {
	case PrimaryRedo:
		return "PrimaryRedo"
	case SecondaryRedo:
		return "SecondaryRedo"
	case RecoveryRedo:
		return "RecoveryRedo"
	case SecondaryFalseProgress:
		return "SecondaryFalseProgress"
	default:
		return "Unknown"
	}
}

// Role mirrors the replica role enumeration consumed by ChangeRoleAsync.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleIdle
	RoleActive
	RolePrimary
	RoleNone
)

// OperationContext is an opaque handle the state provider returns from
// Apply; it is later passed back to Unlock exactly once.
type OperationContext any

// StateProvider is the contract the replicated state machine implements.
type StateProvider interface {
	Apply(ctx context.Context, lsn uint64, txID uint64, applyContext ApplyContext, metadata, redo []byte) (OperationContext, error)
	Unlock(ctx context.Context, opCtx OperationContext) error

	PrepareCheckpoint(ctx context.Context, checkpointLSN uint64) error
	PerformCheckpointAsync(ctx context.Context) error
	CompleteCheckpointAsync(ctx context.Context) error

	BackupCheckpointAsync(ctx context.Context, path string) error
	RestoreCheckpointAsync(ctx context.Context, path string) error

	BeginSettingCurrentState(ctx context.Context) error
	SetCurrentState(ctx context.Context, recordNumber int64, buffers [][]byte) error
	EndSettingCurrentState(ctx context.Context) error

	ChangeRoleAsync(ctx context.Context, role Role) error
}
