// Package replicaerr defines the error-kind taxonomy shared by every
// logging-replicator component. Errors are ordinary wrapped errors; Kind
// classifies them by comparing against the sentinels below with errors.Is.
package replicaerr

import "errors"

// Sentinel errors for the kinds named in spec.md §7. Components wrap these
// with context via fmt.Errorf("...: %w", Sentinel) rather than inventing
// new error types per call site.
var (
	ErrCorruption            = errors.New("replicaerr: corruption detected")
	ErrClosed                = errors.New("replicaerr: replica is closed")
	ErrNotPrimary            = errors.New("replicaerr: not primary")
	ErrReconfigurationPending = errors.New("replicaerr: reconfiguration pending")
	ErrQueueFull             = errors.New("replicaerr: queue full")
	ErrNoWriteQuorum         = errors.New("replicaerr: no write quorum")
	ErrOperationTooLarge     = errors.New("replicaerr: operation too large")
	ErrTransactionAborted    = errors.New("replicaerr: transaction aborted")
	ErrBackupInProgress      = errors.New("replicaerr: backup in progress")
	ErrMissingFullBackup     = errors.New("replicaerr: missing full backup")
	ErrThrottled             = errors.New("replicaerr: throttled")
	ErrInvalidOperation      = errors.New("replicaerr: invalid operation")
	ErrInvalidParameter      = errors.New("replicaerr: invalid parameter")
	ErrCancelled             = errors.New("replicaerr: cancelled")
	ErrTimeout               = errors.New("replicaerr: timeout")
	ErrInternal              = errors.New("replicaerr: internal error")
	ErrOutOfCapacity         = errors.New("replicaerr: out of capacity")
)

// Kind is the classification returned by Classify for error-kind switches
// in callers that need to branch on the kind rather than match a sentinel
// directly (e.g. the replicate-error surface in §4.F).
type Kind int

const (
	KindUnknown Kind = iota
	KindCorruption
	KindClosed
	KindNotPrimary
	KindReconfigurationPending
	KindQueueFull
	KindNoWriteQuorum
	KindOperationTooLarge
	KindTransactionAborted
	KindBackupInProgress
	KindMissingFullBackup
	KindThrottled
	KindInvalidOperation
	KindInvalidParameter
	KindCancelled
	KindTimeout
	KindInternal
	KindOutOfCapacity
)

var kindBySentinel = []struct {
	err  error
	kind Kind
}{
	{ErrCorruption, KindCorruption},
	{ErrClosed, KindClosed},
	{ErrNotPrimary, KindNotPrimary},
	{ErrReconfigurationPending, KindReconfigurationPending},
	{ErrQueueFull, KindQueueFull},
	{ErrNoWriteQuorum, KindNoWriteQuorum},
	{ErrOperationTooLarge, KindOperationTooLarge},
	{ErrTransactionAborted, KindTransactionAborted},
	{ErrBackupInProgress, KindBackupInProgress},
	{ErrMissingFullBackup, KindMissingFullBackup},
	{ErrThrottled, KindThrottled},
	{ErrInvalidOperation, KindInvalidOperation},
	{ErrInvalidParameter, KindInvalidParameter},
	{ErrCancelled, KindCancelled},
	{ErrTimeout, KindTimeout},
	{ErrInternal, KindInternal},
	{ErrOutOfCapacity, KindOutOfCapacity},
}

// Classify returns the Kind of err, or KindUnknown if err does not wrap one
// of the taxonomy sentinels. Replicate-error handling (§4.F) uses this to
// decide whether an error is "expected" (surfaced to the caller) or
// "unexpected" (triggers ReportFault on the role context).
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, c := range kindBySentinel {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindUnknown
}

// IsExpectedReplicateError reports whether err is one of the replicate-call
// error kinds spec.md §4.F lists as expected (surfaced to the caller without
// a fault report): NotPrimary, ReconfigurationPending, QueueFull,
// NoWriteQuorum, Closed, OperationTooLarge, Cancelled.
func IsExpectedReplicateError(err error) bool {
	switch Classify(err) {
	case KindNotPrimary, KindReconfigurationPending, KindQueueFull,
		KindNoWriteQuorum, KindClosed, KindOperationTooLarge, KindCancelled:
		return true
	default:
		return false
	}
}
