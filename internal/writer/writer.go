// Package writer implements the physical log writer (spec.md §4.B): the
// single logical appender that serialises every record onto a log stream in
// PSN order with batched, group-commit-friendly flushes.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/logstream"
	"github.com/leengari/logreplicator/internal/replicaerr"
)

// Record is a local alias so this package reads naturally against spec.md's
// vocabulary without every signature spelling out logrecord.Record.
type Record = logrecord.Record

// HealthReporter receives a (rate-limited) signal when a flush exceeds the
// configured slow-I/O threshold.
type HealthReporter interface {
	ReportSlowIO(latency time.Duration)
}

type noopHealthReporter struct{}

func (noopHealthReporter) ReportSlowIO(time.Duration) {}

// Config controls the writer's batching and health-signalling behaviour.
type Config struct {
	MaxWriteCacheSize     uint64        // should_throttle_writes threshold, in bytes
	SlowIODuration        time.Duration // flush latency above this raises a health signal
	HealthReportMinInterval time.Duration // rate limit between health signals
	HealthReporter        HealthReporter
}

func (c Config) withDefaults() Config {
	if c.HealthReportMinInterval <= 0 {
		c.HealthReportMinInterval = 30 * time.Second
	}
	if c.SlowIODuration <= 0 {
		c.SlowIODuration = 500 * time.Millisecond
	}
	if c.HealthReporter == nil {
		c.HealthReporter = noopHealthReporter{}
	}
	return c
}

type flushWaiter chan struct{}

// Writer is the physical log writer. All exported methods are safe for
// concurrent use.
type Writer struct {
	cfg       Config
	stream    logstream.Stream
	callbacks *CallbackManager

	mu sync.Mutex

	buffered      []*LoggedRecord
	bufferedBytes uint64

	pendingFlush      []*LoggedRecord
	pendingFlushBytes uint64
	pendingWaiters    []flushWaiter

	flushing      []*LoggedRecord
	flushInFlight bool

	tailPosition uint64
	tailPSN      uint64
	tailRecord   Record
	lastRecord   Record // chain anchor for PreviousPhysicalRecordPSN, any kind

	removingStateSealed bool

	closedErr  error
	loggingErr error

	latency *movingAverage
	speed   *movingAverage

	lastHealthReportAt time.Time
}

// New constructs a writer over stream, dispatching flush callbacks through
// callbacks (own it: the writer never closes it).
func New(stream logstream.Stream, callbacks *CallbackManager, cfg Config) *Writer {
	return &Writer{
		cfg:       cfg.withDefaults(),
		stream:    stream,
		callbacks: callbacks,
		latency:   &movingAverage{},
		speed:     &movingAverage{},
	}
}

// InsertBuffered assigns rec's PSN and physical-chain link, queues it for
// the next flush, and returns its awaitable plus the new total buffered
// byte count. If the writer is closed, rec is immediately completed with
// the closed error and the callback manager is still invoked, matching
// spec.md §4.B.
func (w *Writer) InsertBuffered(rec Record) (*LoggedRecord, uint64, error) {
	w.mu.Lock()

	if w.closedErr != nil {
		err := w.closedErr
		w.mu.Unlock()
		lr := newLoggedRecord(rec)
		w.callbacks.Submit(&LoggedBatch{Records: []*LoggedRecord{lr}, Err: err})
		return lr, 0, err
	}
	if w.removingStateSealed {
		w.mu.Unlock()
		return nil, 0, fmt.Errorf("writer: insert after RemovingState: %w", replicaerr.ErrInvalidOperation)
	}

	h := rec.GetHeader()
	h.PSN = w.tailPSN + 1
	if w.lastRecord != nil {
		h.PreviousPhysicalRecordPSN = w.lastRecord.GetHeader().PSN
	}
	w.tailPSN = h.PSN
	w.lastRecord = rec

	if info, ok := rec.(*logrecord.InformationRecord); ok && info.Event == logrecord.EventRemovingState {
		w.removingStateSealed = true
	}

	lr := newLoggedRecord(rec)
	w.buffered = append(w.buffered, lr)

	frame, err := logrecord.Serialize(rec)
	size := uint64(0)
	if err == nil {
		size = uint64(len(frame))
	}
	w.bufferedBytes += size
	newTotal := w.bufferedBytes
	w.mu.Unlock()

	return lr, newTotal, nil
}

// Flush flushes every currently-buffered record. If a flush is already in
// flight, the caller's (already-buffered) records ride along in the next
// batch and Flush returns once that batch completes.
func (w *Writer) Flush(ctx context.Context, initiator string) error {
	w.mu.Lock()
	if w.flushInFlight {
		waiter := make(flushWaiter)
		w.pendingFlush = append(w.pendingFlush, w.buffered...)
		w.pendingFlushBytes += w.bufferedBytes
		w.pendingWaiters = append(w.pendingWaiters, waiter)
		w.buffered = nil
		w.bufferedBytes = 0
		w.mu.Unlock()

		select {
		case <-waiter:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	batch := w.buffered
	w.buffered = nil
	w.bufferedBytes = 0
	w.flushInFlight = true
	w.flushing = batch
	w.mu.Unlock()

	return w.drain(ctx, batch, nil)
}

// drain runs the flush algorithm (spec.md §4.B step 1-7) over batch, then
// promotes any pending batch queued while this one was in flight, looping
// until the queue is empty.
func (w *Writer) drain(ctx context.Context, batch []*LoggedRecord, waiters []flushWaiter) error {
	var firstErr error
	first := true
	for {
		err := w.flushBatch(ctx, batch)
		if first {
			firstErr = err
			first = false
		}
		for _, waiter := range waiters {
			close(waiter)
		}

		w.mu.Lock()
		next := w.pendingFlush
		nextWaiters := w.pendingWaiters
		w.pendingFlush = nil
		w.pendingWaiters = nil
		w.pendingFlushBytes = 0
		if next == nil {
			w.flushInFlight = false
			w.flushing = nil
			w.mu.Unlock()
			return firstErr
		}
		w.flushing = next
		w.mu.Unlock()

		batch = next
		waiters = nextWaiters
	}
}

// flushBatch is one iteration of the flush algorithm: serialise, append,
// stream-flush, advance tail, update moving averages, maybe raise a health
// signal, and dispatch the callback. A non-nil closedErr short-circuits
// straight to a failed callback with no I/O, draining the batch as failed.
func (w *Writer) flushBatch(ctx context.Context, batch []*LoggedRecord) error {
	if len(batch) == 0 {
		return nil
	}

	w.mu.Lock()
	closedErr := w.closedErr
	pos := w.tailPosition
	w.mu.Unlock()
	if closedErr != nil {
		return w.failBatch(batch, closedErr)
	}

	start := time.Now()
	var total uint64
	for _, lr := range batch {
		h := lr.Record.GetHeader()
		h.Position = pos + total
		frame, err := logrecord.Serialize(lr.Record)
		if err != nil {
			return w.failBatch(batch, fmt.Errorf("writer: serialize psn %d: %w", h.PSN, err))
		}
		h.Size = uint32(len(frame))
		if err := w.stream.Append(ctx, frame); err != nil {
			return w.failBatch(batch, fmt.Errorf("writer: append psn %d: %w", h.PSN, err))
		}
		total += uint64(len(frame))
	}

	if err := w.stream.Flush(ctx); err != nil {
		return w.failBatch(batch, fmt.Errorf("writer: stream flush: %w", err))
	}

	latency := time.Since(start)
	last := batch[len(batch)-1].Record

	w.mu.Lock()
	w.tailPosition = pos + total
	w.tailRecord = last
	w.latency.observe(latency.Seconds())
	speed := 0.0
	if latency > 0 {
		speed = float64(total) / latency.Seconds()
	}
	w.speed.observe(speed)
	slow := latency > w.cfg.SlowIODuration
	canReport := slow && time.Since(w.lastHealthReportAt) >= w.cfg.HealthReportMinInterval
	if canReport {
		w.lastHealthReportAt = time.Now()
	}
	w.mu.Unlock()

	if canReport {
		w.cfg.HealthReporter.ReportSlowIO(latency)
	}

	w.callbacks.Submit(&LoggedBatch{Records: batch})
	return nil
}

func (w *Writer) failBatch(batch []*LoggedRecord, err error) error {
	w.mu.Lock()
	w.loggingErr = err
	w.closedErr = err
	w.mu.Unlock()
	w.callbacks.Submit(&LoggedBatch{Records: batch, Err: err})
	return err
}

// SeedTail positions a freshly constructed writer at an already-existing
// stream's tail, for reopening on top of a previously-written log (spec.md
// §4.L "open and recover"). Must be called before any InsertBuffered call.
func (w *Writer) SeedTail(position, psn uint64, tailRecord Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tailPosition = position
	w.tailPSN = psn
	w.tailRecord = tailRecord
	w.lastRecord = tailRecord
}

// TruncateLogHead dispatches directly to the stream.
func (w *Writer) TruncateLogHead(ctx context.Context, pos uint64) error {
	return w.stream.TruncateHead(ctx, pos)
}

// TruncateLogTail resets the tail bookkeeping to newTail and truncates the
// underlying stream to match.
func (w *Writer) TruncateLogTail(ctx context.Context, newTail Record) error {
	h := newTail.GetHeader()
	pos := h.Position + uint64(h.Size)

	w.mu.Lock()
	w.tailRecord = newTail
	w.tailPSN = h.PSN
	w.tailPosition = pos
	w.lastRecord = newTail
	w.mu.Unlock()

	return w.stream.TruncateTail(ctx, pos)
}

// ShouldThrottleWrites reports whether the pending-flush backlog exceeds
// the configured write-cache ceiling (spec.md §4.B).
func (w *Writer) ShouldThrottleWrites() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingFlushBytes > w.cfg.MaxWriteCacheSize
}

// Close marks the writer closed: subsequent InsertBuffered calls fail
// immediately with err (replicaerr.ErrClosed if err is nil). A batch whose
// write has already started completes normally; records still buffered or
// queued for a later flush are completed with err, unwritten, when that
// flush runs.
func (w *Writer) Close(err error) {
	if err == nil {
		err = replicaerr.ErrClosed
	}
	w.mu.Lock()
	if w.closedErr == nil {
		w.closedErr = err
	}
	w.mu.Unlock()
}

// TailPosition, TailPSN, TailRecord, FlushLatency, and WriteSpeed report the
// writer's current state for the checkpoint/truncation managers and tests.
func (w *Writer) TailPosition() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tailPosition
}

func (w *Writer) TailPSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tailPSN
}

func (w *Writer) TailRecord() Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tailRecord
}

// Stream returns the underlying log stream, for readers that pin and
// replay a range of it directly (recovery at open, backup's record
// enumerator) rather than going through the writer's append path.
func (w *Writer) Stream() logstream.Stream { return w.stream }

func (w *Writer) FlushLatency() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Duration(w.latency.value() * float64(time.Second))
}

func (w *Writer) WriteSpeed() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.speed.value()
}

// LoggingError returns the error that closed the writer, if any.
func (w *Writer) LoggingError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loggingErr
}
