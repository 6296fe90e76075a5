package stateprovider

import (
	"context"
	"sync"
)

// Fake is an in-memory StateProvider for tests: Apply records every call it
// receives and returns the call's index as its OperationContext; Unlock
// records the contexts it has seen so tests can assert exactly-once unlock.
type Fake struct {
	mu sync.Mutex

	Applied  []AppliedCall
	Unlocked []int

	CheckpointLSN int64
	Role          Role

	ApplyErr error

	StateRecords      [][]byte
	CurrentStateBegun bool
	CurrentStateEnded bool
}

// AppliedCall records one Apply invocation.
type AppliedCall struct {
	LSN          uint64
	TxID         uint64
	ApplyContext ApplyContext
	Metadata     []byte
	Redo         []byte
}

// NewFake returns an empty fake state provider.
func NewFake() *Fake {
	return &Fake{CheckpointLSN: -1}
}

func (f *Fake) Apply(_ context.Context, lsn uint64, txID uint64, applyContext ApplyContext, metadata, redo []byte) (OperationContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApplyErr != nil {
		return nil, f.ApplyErr
	}
	idx := len(f.Applied)
	f.Applied = append(f.Applied, AppliedCall{LSN: lsn, TxID: txID, ApplyContext: applyContext, Metadata: metadata, Redo: redo})
	return idx, nil
}

func (f *Fake) Unlock(_ context.Context, opCtx OperationContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unlocked = append(f.Unlocked, opCtx.(int))
	return nil
}

func (f *Fake) PrepareCheckpoint(_ context.Context, checkpointLSN uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CheckpointLSN = int64(checkpointLSN)
	return nil
}

func (f *Fake) PerformCheckpointAsync(context.Context) error  { return nil }
func (f *Fake) CompleteCheckpointAsync(context.Context) error { return nil }

func (f *Fake) BackupCheckpointAsync(context.Context, string) error  { return nil }
func (f *Fake) RestoreCheckpointAsync(context.Context, string) error { return nil }

func (f *Fake) BeginSettingCurrentState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CurrentStateBegun = true
	return nil
}

func (f *Fake) SetCurrentState(_ context.Context, _ int64, buffers [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StateRecords = append(f.StateRecords, buffers...)
	return nil
}

func (f *Fake) EndSettingCurrentState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CurrentStateEnded = true
	return nil
}

func (f *Fake) ChangeRoleAsync(_ context.Context, role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Role = role
	return nil
}

var _ StateProvider = (*Fake)(nil)
