package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobSealed(t *testing.T) {
	assert.False(t, (&Job{}).Sealed())
	assert.True(t, (&Job{IsSealed: true}).Sealed())
	assert.True(t, (&Job{SealedAt: 1700000000000}).Sealed())
}

func TestActionTypeValid(t *testing.T) {
	for _, at := range []ActionType{
		ActionCreateJob, ActionUpdateJob, ActionDeleteJob, ActionUploadPhoto,
		ActionSealJob, ActionCreateClient, ActionUpdateClient,
		ActionCreateTechnician, ActionUpdateTechnician,
	} {
		assert.True(t, at.Valid(), "%s should be valid", at)
	}

	assert.False(t, ActionType("MAKE_COFFEE").Valid())
	assert.False(t, ActionType("").Valid())
}
