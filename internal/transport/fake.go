package transport

import (
	"context"
	"sync"
)

type fakeTask struct{ ch chan error }

func (t *fakeTask) Wait(ctx context.Context) error {
	select {
	case err := <-t.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake is an in-process Transport whose ReplicateAsync calls assign
// strictly increasing LSNs synchronously but whose completion is driven by
// the test via Complete, independently of assignment order — this is what
// lets tests exercise the replicated log manager's out-of-order-completion
// parking buffer (spec.md §4.F).
type Fake struct {
	mu          sync.Mutex
	nextLSN     uint64
	pending     map[uint64]chan error
	autoComplete bool

	copyStream *FakeStream
	replStream *FakeStream
}

// SetAutoComplete, when enabled, resolves every ReplicateAsync call
// immediately with a nil error — for tests that don't care about
// out-of-order completion and just want replicate calls to succeed inline.
func (f *Fake) SetAutoComplete(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoComplete = enabled
}

// NewFake returns an empty fake transport. startLSN is the first LSN that
// will be assigned (so tests can resume a non-zero tail).
func NewFake(startLSN uint64) *Fake {
	return &Fake{
		nextLSN:    startLSN - 1,
		pending:    make(map[uint64]chan error),
		copyStream: NewFakeStream(),
		replStream: NewFakeStream(),
	}
}

func (f *Fake) ReplicateAsync(_ context.Context, _ []byte) (uint64, ReplicateTask, error) {
	f.mu.Lock()
	f.nextLSN++
	lsn := f.nextLSN
	ch := make(chan error, 1)
	if f.autoComplete {
		ch <- nil
	} else {
		f.pending[lsn] = ch
	}
	f.mu.Unlock()
	return lsn, &fakeTask{ch: ch}, nil
}

// Complete resolves the ReplicateAsync task for lsn with err. Panics if lsn
// was never assigned or was already completed — that is a test-authoring
// bug, not a runtime condition to handle gracefully.
func (f *Fake) Complete(lsn uint64, err error) {
	f.mu.Lock()
	ch, ok := f.pending[lsn]
	delete(f.pending, lsn)
	f.mu.Unlock()
	if !ok {
		panic("transport: Complete called for an LSN with no pending replicate task")
	}
	ch <- err
}

func (f *Fake) GetCopyStream(context.Context) (Stream, error)        { return f.copyStream, nil }
func (f *Fake) GetReplicationStream(context.Context) (Stream, error) { return f.replStream, nil }

// CopyStream and ReplicationStream expose the fake streams directly so
// tests can push frames for the secondary drain manager to pump.
func (f *Fake) CopyStream() *FakeStream        { return f.copyStream }
func (f *Fake) ReplicationStream() *FakeStream { return f.replStream }

var _ Transport = (*Fake)(nil)

// FakeStream is a channel-backed Stream: Push enqueues a frame, Close ends
// the stream (GetOperationAsync then returns ok=false).
type FakeStream struct {
	frames chan Operation
	closed chan struct{}
	once   sync.Once
}

func NewFakeStream() *FakeStream {
	return &FakeStream{frames: make(chan Operation, 64), closed: make(chan struct{})}
}

// Push enqueues a frame with sequence number seq; acknowledge is called
// back when the consumer calls Operation.Acknowledge.
func (s *FakeStream) Push(data []byte, seq uint64, acknowledge func()) {
	s.frames <- Operation{Data: data, SequenceNumber: seq, acknowledge: acknowledge}
}

func (s *FakeStream) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *FakeStream) GetOperationAsync(ctx context.Context) (Operation, bool, error) {
	select {
	case op := <-s.frames:
		return op, true, nil
	case <-s.closed:
		select {
		case op := <-s.frames:
			return op, true, nil
		default:
			return Operation{}, false, nil
		}
	case <-ctx.Done():
		return Operation{}, false, ctx.Err()
	}
}
