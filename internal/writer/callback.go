package writer

// LoggedRecord is the awaitable handle returned for a record inserted into
// the writer. It completes once the batch containing it has been flushed
// (successfully or not), per spec.md §4.B/§4.C.
type LoggedRecord struct {
	Record Record
	done   chan struct{}
	err    error
}

func newLoggedRecord(rec Record) *LoggedRecord {
	return &LoggedRecord{Record: rec, done: make(chan struct{})}
}

func (lr *LoggedRecord) complete(err error) {
	lr.err = err
	close(lr.done)
}

// Done returns a channel closed once the record's batch has flushed.
func (lr *LoggedRecord) Done() <-chan struct{} { return lr.done }

// Err returns the flush error, valid only after Done() is closed.
func (lr *LoggedRecord) Err() error { return lr.err }

// LoggedBatch is the unit the flush callback manager dispatches: a batch of
// records that flushed (or failed to flush) together.
type LoggedBatch struct {
	Records []*LoggedRecord
	Err     error
}

// FlushCallbackProcessor is invoked once per flushed (or failed) batch.
type FlushCallbackProcessor func(*LoggedBatch)

// completeAll is the default processor: it wakes every LoggedRecord's
// waiter with the batch's outcome.
func completeAll(b *LoggedBatch) {
	for _, lr := range b.Records {
		lr.complete(b.Err)
	}
}

// CallbackManager serialises flush callbacks out of the flush path itself
// (spec.md §4.C): a single worker drains a queue of LoggedBatch items so a
// slow callback cannot block the next batch's flush.
type CallbackManager struct {
	queue     chan *LoggedBatch
	processor FlushCallbackProcessor
	stopped   chan struct{}
}

// NewCallbackManager starts the worker goroutine. A nil processor defaults
// to completing every record's waiter with the batch's error.
func NewCallbackManager(processor FlushCallbackProcessor) *CallbackManager {
	if processor == nil {
		processor = completeAll
	}
	cm := &CallbackManager{
		queue:     make(chan *LoggedBatch, 256),
		processor: processor,
		stopped:   make(chan struct{}),
	}
	go cm.run()
	return cm
}

func (cm *CallbackManager) run() {
	defer close(cm.stopped)
	for batch := range cm.queue {
		cm.processor(batch)
	}
}

// ChainProcessors returns a FlushCallbackProcessor that completes every
// record's waiter (the default behaviour) and then invokes next, for hosts
// that need both LoggedRecord completion and a side-effect dispatcher
// (e.g. an apply.Dispatcher) on every flushed batch.
func ChainProcessors(next FlushCallbackProcessor) FlushCallbackProcessor {
	return func(b *LoggedBatch) {
		completeAll(b)
		if next != nil {
			next(b)
		}
	}
}

// Submit enqueues a batch for callback dispatch. Never called after Close.
func (cm *CallbackManager) Submit(batch *LoggedBatch) {
	cm.queue <- batch
}

// Close drains the queue and waits for the worker to exit.
func (cm *CallbackManager) Close() {
	close(cm.queue)
	<-cm.stopped
}
