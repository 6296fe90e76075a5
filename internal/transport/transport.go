// Package transport declares the external transport contract (spec.md
// §6.2) the replicated log manager and secondary drain manager consume,
// plus an in-process fake for tests.
package transport

import "context"

// ReplicateTask is the awaitable returned by ReplicateAsync.
type ReplicateTask interface {
	// Wait blocks until the operation has been replicated (or failed).
	Wait(ctx context.Context) error
}

// Operation is one frame pulled off a copy or replication stream.
type Operation struct {
	Data           []byte
	SequenceNumber uint64
	acknowledge    func()
}

// Acknowledge tells the transport this frame has been applied/persisted
// locally. Safe to call at most once; a nil Acknowledge is a no-op.
func (o Operation) Acknowledge() {
	if o.acknowledge != nil {
		o.acknowledge()
	}
}

// Stream is a pull-based frame source; GetOperationAsync returns ok=false
// at stream end.
type Stream interface {
	GetOperationAsync(ctx context.Context) (op Operation, ok bool, err error)
}

// Transport is the contract consumed by the replicated log manager
// (replicate path) and the secondary drain manager (copy/replication
// stream pumps).
type Transport interface {
	ReplicateAsync(ctx context.Context, operationData []byte) (lsn uint64, task ReplicateTask, err error)
	GetCopyStream(ctx context.Context) (Stream, error)
	GetReplicationStream(ctx context.Context) (Stream, error)
}
