// Package epoch holds the data-loss/configuration version pair and the
// progress vector that tracks how a replica's log history maps onto the
// sequence of epochs it has lived through (spec.md §3).
package epoch

import "fmt"

// Epoch is a lexicographically ordered pair identifying a data-loss
// generation and, within it, a configuration generation. It increments on
// data loss (DataLossVersion) or reconfiguration (ConfigurationVersion).
type Epoch struct {
	DataLossVersion      int64
	ConfigurationVersion int64
}

// Invalid is the sentinel epoch used before a replica has observed any
// progress-vector entry.
var Invalid = Epoch{DataLossVersion: -1, ConfigurationVersion: -1}

// Compare returns -1, 0, or 1 as e orders before, equal to, or after o.
func (e Epoch) Compare(o Epoch) int {
	if e.DataLossVersion != o.DataLossVersion {
		if e.DataLossVersion < o.DataLossVersion {
			return -1
		}
		return 1
	}
	if e.ConfigurationVersion != o.ConfigurationVersion {
		if e.ConfigurationVersion < o.ConfigurationVersion {
			return -1
		}
		return 1
	}
	return 0
}

func (e Epoch) Less(o Epoch) bool { return e.Compare(o) < 0 }
func (e Epoch) Equal(o Epoch) bool { return e.Compare(o) == 0 }

func (e Epoch) String() string {
	return fmt.Sprintf("<%d,%d>", e.DataLossVersion, e.ConfigurationVersion)
}

// Entry is one ⟨epoch, starting-LSN, primary-id⟩ tuple in a ProgressVector.
type Entry struct {
	Epoch        Epoch
	StartingLSN  uint64
	PrimaryID    string
}

// ProgressVector is the ordered history of epochs a replica has observed.
// Invariant: strictly non-decreasing by (Epoch, StartingLSN).
type ProgressVector struct {
	entries []Entry
}

// NewProgressVector returns an empty progress vector.
func NewProgressVector() *ProgressVector {
	return &ProgressVector{}
}

// Entries returns the vector contents in order. The slice is a copy; callers
// must not rely on it reflecting later mutation.
func (pv *ProgressVector) Entries() []Entry {
	out := make([]Entry, len(pv.entries))
	copy(out, pv.entries)
	return out
}

// Last returns the most recent entry and whether the vector is non-empty.
func (pv *ProgressVector) Last() (Entry, bool) {
	if len(pv.entries) == 0 {
		return Entry{}, false
	}
	return pv.entries[len(pv.entries)-1], true
}

// Find returns the entry whose [StartingLSN, nextStartingLSN) range covers
// lsn, i.e. the last entry with StartingLSN <= lsn.
func (pv *ProgressVector) Find(lsn uint64) (Entry, bool) {
	var found Entry
	ok := false
	for _, e := range pv.entries {
		if e.StartingLSN > lsn {
			break
		}
		found = e
		ok = true
	}
	return found, ok
}

// Insert preserves order: it appends when entry is newer than the last
// entry, inserts in place when entry belongs strictly between two existing
// entries, and is a no-op if an entry with the same Epoch and StartingLSN
// already exists (duplicate).
func (pv *ProgressVector) Insert(entry Entry) {
	n := len(pv.entries)
	if n == 0 || pv.after(pv.entries[n-1], entry) {
		pv.entries = append(pv.entries, entry)
		return
	}
	for i, e := range pv.entries {
		if e.Epoch.Equal(entry.Epoch) && e.StartingLSN == entry.StartingLSN {
			return // duplicate, no-op
		}
		if pv.after(entry, e) {
			pv.entries = append(pv.entries, Entry{})
			copy(pv.entries[i+1:], pv.entries[i:])
			pv.entries[i] = entry
			return
		}
	}
}

// after reports whether candidate strictly follows existing in vector order.
func (pv *ProgressVector) after(existing, candidate Entry) bool {
	if existing.Epoch.Less(candidate.Epoch) {
		return true
	}
	if candidate.Epoch.Less(existing.Epoch) {
		return false
	}
	return existing.StartingLSN < candidate.StartingLSN
}

// Len returns the number of entries.
func (pv *ProgressVector) Len() int { return len(pv.entries) }
