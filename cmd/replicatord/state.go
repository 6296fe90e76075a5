package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/leengari/logreplicator/internal/stateprovider"
)

// demoState is a trivial in-memory key/value stateprovider.StateProvider:
// Apply decodes a "key=value" redo payload and stores it, standing in for
// the teacher's engine.Row-based table the way this binary's demo plays
// the part of the teacher's main.go insert/select walkthrough.
type demoState struct {
	mu     sync.Mutex
	kv     map[string]string
	logger *slog.Logger
}

func newDemoState(logger *slog.Logger) *demoState {
	return &demoState{kv: make(map[string]string), logger: logger}
}

func (d *demoState) get(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.kv[key]
	return v, ok
}

func (d *demoState) snapshot() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.kv))
	for k, v := range d.kv {
		out[k] = v
	}
	return out
}

func (d *demoState) Apply(_ context.Context, lsn uint64, txID uint64, applyContext stateprovider.ApplyContext, _ []byte, redo []byte) (stateprovider.OperationContext, error) {
	key, value, ok := strings.Cut(string(redo), "=")
	if ok {
		d.mu.Lock()
		d.kv[key] = value
		d.mu.Unlock()
	}
	d.logger.Debug("applied operation", "lsn", lsn, "tx_id", txID, "apply_context", applyContext.String())
	return lsn, nil
}

func (d *demoState) Unlock(context.Context, stateprovider.OperationContext) error { return nil }

func (d *demoState) PrepareCheckpoint(context.Context, uint64) error { return nil }
func (d *demoState) PerformCheckpointAsync(context.Context) error    { return nil }
func (d *demoState) CompleteCheckpointAsync(context.Context) error   { return nil }

func (d *demoState) BackupCheckpointAsync(context.Context, string) error  { return nil }
func (d *demoState) RestoreCheckpointAsync(context.Context, string) error { return nil }

func (d *demoState) BeginSettingCurrentState(context.Context) error { return nil }
func (d *demoState) SetCurrentState(_ context.Context, _ int64, buffers [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, buf := range buffers {
		if key, value, ok := strings.Cut(string(buf), "="); ok {
			d.kv[key] = value
		}
	}
	return nil
}
func (d *demoState) EndSettingCurrentState(context.Context) error { return nil }

func (d *demoState) ChangeRoleAsync(_ context.Context, role stateprovider.Role) error {
	d.logger.Info("role changed", "role", role)
	return nil
}

var _ stateprovider.StateProvider = (*demoState)(nil)
