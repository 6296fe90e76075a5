package roledrain

import (
	"errors"
	"testing"

	"github.com/leengari/logreplicator/internal/stateprovider"
	"gotest.tools/v3/assert"
)

func TestChangeRoleDerivesApplyContext(t *testing.T) {
	s := New()
	assert.Equal(t, s.ApplyRedoContext(), stateprovider.SecondaryRedo)

	s.ChangeRole(stateprovider.RolePrimary)
	assert.Equal(t, s.Role(), stateprovider.RolePrimary)
	assert.Equal(t, s.ApplyRedoContext(), stateprovider.PrimaryRedo)

	s.ChangeRole(stateprovider.RoleActive)
	assert.Equal(t, s.ApplyRedoContext(), stateprovider.SecondaryRedo)
}

func TestDrainTransitionsMustBeSequential(t *testing.T) {
	s := New()
	assert.NilError(t, s.BeginDrain(DrainDrainingCopy))
	assert.ErrorContains(t, s.BeginDrain(DrainDrained), "illegal drain transition")
	assert.NilError(t, s.BeginDrain(DrainDrainingReplication))
	assert.NilError(t, s.BeginDrain(DrainDrained))
	assert.NilError(t, s.BeginDrain(DrainNotDraining))
}

func TestReportFaultAccumulates(t *testing.T) {
	s := New()
	s.ReportFault(errors.New("boom1"))
	s.ReportFault(errors.New("boom2"))
	assert.Equal(t, len(s.Faults()), 2)
}
