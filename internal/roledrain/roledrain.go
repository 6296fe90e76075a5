// Package roledrain tracks the replica-wide role/apply-context/drain-state
// tuple that the operation processor and checkpoint manager consult to
// classify redo and to gate draining (spec.md §5; original_source
// RoleContextDrainState.h/.cpp, supplemented per SPEC_FULL.md §3).
package roledrain

import (
	"fmt"
	"sync"

	"github.com/leengari/logreplicator/internal/stateprovider"
)

// DrainState is the replica's draining phase.
type DrainState uint8

const (
	DrainNotDraining DrainState = iota
	DrainDrainingCopy
	DrainDrainingReplication
	DrainDrained
)

func (s DrainState) String() string {
	switch s {
	case DrainDrainingCopy:
		return "DrainingCopy"
	case DrainDrainingReplication:
		return "DrainingReplication"
	case DrainDrained:
		return "Drained"
	default:
		return "NotDraining"
	}
}

// State is the replica-wide {role, apply-redo-context, draining, isClosing}
// tuple. All reads and writes are serialised behind one mutex since the
// tuple is consulted from the flush thread, the dispatcher, and the
// secondary drain manager concurrently.
type State struct {
	mu               sync.Mutex
	role             stateprovider.Role
	applyRedoContext stateprovider.ApplyContext
	drainState       DrainState
	closing          bool
	faults           []error
}

// New starts in RoleUnknown/SecondaryRedo/NotDraining, matching a
// freshly-constructed replica that has not yet been told what it is.
func New() *State {
	return &State{role: stateprovider.RoleUnknown, applyRedoContext: stateprovider.SecondaryRedo}
}

func (s *State) Role() stateprovider.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *State) ApplyRedoContext() stateprovider.ApplyContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyRedoContext
}

func (s *State) DrainState() DrainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainState
}

func (s *State) IsClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// ChangeRole transitions role and derives the apply-redo context: Primary
// role implies PrimaryRedo, every other known role implies SecondaryRedo.
// RecoveryRedo and SecondaryFalseProgress are set explicitly via
// SetRecoveryRedo/SetFalseProgress by the recovery/secondary-drain paths,
// which own those windows.
func (s *State) ChangeRole(newRole stateprovider.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = newRole
	if newRole == stateprovider.RolePrimary {
		s.applyRedoContext = stateprovider.PrimaryRedo
	} else {
		s.applyRedoContext = stateprovider.SecondaryRedo
	}
}

// SetRecoveryRedo forces RecoveryRedo for the duration of log replay at
// open; the caller restores the role-derived context afterwards via
// ChangeRole.
func (s *State) SetRecoveryRedo() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyRedoContext = stateprovider.RecoveryRedo
}

// SetFalseProgress forces SecondaryFalseProgress for the duration of a
// secondary's false-progress tail truncation during copy-log replay.
func (s *State) SetFalseProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyRedoContext = stateprovider.SecondaryFalseProgress
}

// BeginDrain asserts a legal drain-state transition and installs newState.
// NotDraining -> DrainingCopy -> DrainingReplication -> Drained are the
// only forward edges; BeginDrain(NotDraining) resets after a drain
// completes and the replica starts a fresh secondary build.
func (s *State) BeginDrain(newState DrainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !legalDrainTransition(s.drainState, newState) {
		return fmt.Errorf("roledrain: illegal drain transition %s -> %s", s.drainState, newState)
	}
	s.drainState = newState
	return nil
}

func legalDrainTransition(from, to DrainState) bool {
	switch from {
	case DrainNotDraining:
		return to == DrainDrainingCopy || to == DrainNotDraining
	case DrainDrainingCopy:
		return to == DrainDrainingReplication
	case DrainDrainingReplication:
		return to == DrainDrained
	case DrainDrained:
		return to == DrainNotDraining
	default:
		return false
	}
}

// BeginClosing marks the replica as closing; it is a one-way transition.
func (s *State) BeginClosing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
}

// ReportFault implements replog.FaultReporter: it records unexpected
// replicate errors so operators can inspect them via Faults, mirroring the
// original's report_fault() call on the role context (spec.md §4.F).
func (s *State) ReportFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, err)
}

// Faults returns every fault reported so far.
func (s *State) Faults() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.faults))
	copy(out, s.faults)
	return out
}
