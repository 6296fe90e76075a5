// Package txmap implements the transaction map (spec.md §4.E): the index
// from transaction id to its in-flight record chain, with a stable-ordered
// (by end LSN) view for remove_stable and a pending-ordered (by begin LSN)
// view for the earliest-pending queries the checkpoint manager drives.
package txmap

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/leengari/logreplicator/internal/logrecord"
	"github.com/leengari/logreplicator/internal/replicaerr"
)

const btreeDegree = 32

// chain is one transaction's record chain as observed so far.
type chain struct {
	txID       uint64
	begin      *logrecord.BeginTxRecord
	operations []*logrecord.OperationRecord
	end        *logrecord.EndTxRecord // nil until Complete
	enlisted   bool                  // set during recovery for chains that began before the checkpoint
}

type pendingItem struct {
	lsn      uint64
	position uint64
	txID     uint64
}

func (a pendingItem) Less(than btree.Item) bool {
	b := than.(pendingItem)
	if a.lsn != b.lsn {
		return a.lsn < b.lsn
	}
	return a.txID < b.txID
}

type completedItem struct {
	endLSN uint64
	txID   uint64
}

func (a completedItem) Less(than btree.Item) bool {
	b := than.(completedItem)
	if a.endLSN != b.endLSN {
		return a.endLSN < b.endLSN
	}
	return a.txID < b.txID
}

// Map is the transaction map. Safe for concurrent use.
type Map struct {
	mu      sync.Mutex
	chains  map[uint64]*chain
	pending *btree.BTree // keyed by pendingItem, one entry per incomplete chain
	stable  *btree.BTree // keyed by completedItem, one entry per complete-but-not-yet-stable chain
}

// New returns an empty transaction map.
func New() *Map {
	return &Map{
		chains:  make(map[uint64]*chain),
		pending: btree.New(btreeDegree),
		stable:  btree.New(btreeDegree),
	}
}

// Create registers a new transaction chain keyed by begin.TxID.
func (m *Map) Create(begin *logrecord.BeginTxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.chains[begin.TxID]; exists {
		return fmt.Errorf("txmap: tx %d already exists: %w", begin.TxID, replicaerr.ErrInvalidOperation)
	}
	m.chains[begin.TxID] = &chain{txID: begin.TxID, begin: begin}
	m.pending.ReplaceOrInsert(pendingItem{lsn: begin.LSN, position: begin.Position, txID: begin.TxID})
	return nil
}

// AddOperation appends op to its transaction's chain.
func (m *Map) AddOperation(op *logrecord.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[op.TxID]
	if !ok {
		return fmt.Errorf("txmap: unknown tx %d: %w", op.TxID, replicaerr.ErrInvalidOperation)
	}
	c.operations = append(c.operations, op)
	return nil
}

// Complete finalises a chain and moves it into the stable-ordered index,
// keyed by its EndTx record's LSN.
func (m *Map) Complete(end *logrecord.EndTxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chains[end.TxID]
	if !ok {
		return fmt.Errorf("txmap: unknown tx %d: %w", end.TxID, replicaerr.ErrInvalidOperation)
	}
	c.end = end
	m.pending.Delete(pendingItem{lsn: c.begin.LSN, txID: c.txID})
	m.stable.ReplaceOrInsert(completedItem{endLSN: end.LSN, txID: end.TxID})
	return nil
}

// RemoveStable drops every completed transaction whose EndTx LSN is <=
// stableLSN, returning the dropped transaction ids.
func (m *Map) RemoveStable(stableLSN uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []uint64
	for {
		item := m.stable.Min()
		if item == nil {
			break
		}
		ci := item.(completedItem)
		if ci.endLSN > stableLSN {
			break
		}
		m.stable.Delete(item)
		delete(m.chains, ci.txID)
		removed = append(removed, ci.txID)
	}
	return removed
}

// EarliestPending returns the oldest begin record with no matching end.
func (m *Map) EarliestPending() (*logrecord.BeginTxRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.earliestPendingLocked()
}

func (m *Map) earliestPendingLocked() (*logrecord.BeginTxRecord, bool) {
	item := m.pending.Min()
	if item == nil {
		return nil, false
	}
	pi := item.(pendingItem)
	return m.chains[pi.txID].begin, true
}

// EarliestPendingAt restricts EarliestPending to chains whose begin LSN is
// <= atLSN (the checkpoint manager's barrier check before installing
// earliest_pending_transaction on a BeginCheckpoint record).
func (m *Map) EarliestPendingAt(atLSN uint64) (*logrecord.BeginTxRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	begin, ok := m.earliestPendingLocked()
	if !ok || begin.LSN > atLSN {
		return nil, false
	}
	return begin, true
}

// PendingOlderThanPosition appends every pending begin record whose stream
// position is strictly less than pos, in ascending LSN order. Because begin
// records are appended to the stream in the same order their LSNs are
// assigned, the pending index's LSN order is also position order for this
// purpose.
func (m *Map) PendingOlderThanPosition(pos uint64, out *[]*logrecord.BeginTxRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending.Ascend(func(item btree.Item) bool {
		pi := item.(pendingItem)
		if pi.position >= pos {
			return false
		}
		*out = append(*out, m.chains[pi.txID].begin)
		return true
	})
}

// Chain returns the begin/operations/end seen so far for txID, or ok=false
// if the transaction is unknown (recovered away or never created).
func (m *Map) Chain(txID uint64) (begin *logrecord.BeginTxRecord, ops []*logrecord.OperationRecord, end *logrecord.EndTxRecord, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, found := m.chains[txID]
	if !found {
		return nil, nil, nil, false
	}
	return c.begin, c.operations, c.end, true
}

// MarkEnlisted records that txID was already in progress when recovery
// began reading past the checkpoint (spec.md §4.D).
func (m *Map) MarkEnlisted(txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chains[txID]; ok {
		c.enlisted = true
	}
}

// IsEnlisted reports whether txID was marked enlisted during recovery.
func (m *Map) IsEnlisted(txID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[txID]
	return ok && c.enlisted
}

// Len returns the number of transactions (pending or completed-but-not-yet-
// stable) currently tracked.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}
