package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusAvailable, StatusAllocated},
		{StatusAvailable, StatusStale},
		{StatusAllocated, StatusPendingDeletion},
		{StatusAllocated, StatusAvailable},
		{StatusPendingDeletion, StatusDeletionFailed},
		{StatusPendingDeletion, StatusStale},
		{StatusDeletionFailed, StatusStale},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusAvailable, StatusPendingDeletion},
		{StatusAvailable, StatusDeletionFailed},
		{StatusAllocated, StatusStale},
		{StatusAllocated, StatusDeletionFailed},
		{StatusPendingDeletion, StatusAllocated},
		{StatusPendingDeletion, StatusAvailable},
		{StatusDeletionFailed, StatusAvailable},
		{StatusDeletionFailed, StatusAllocated},
		{StatusStale, StatusAvailable},
		{StatusStale, StatusAllocated},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}

	// Field refreshes keep the status and are always fine.
	for _, s := range Statuses {
		assert.True(t, CanTransition(s, s))
	}
}

func TestCheckTransition(t *testing.T) {
	require.NoError(t, CheckTransition(StatusAvailable, StatusAllocated))

	err := CheckTransition(StatusAllocated, StatusStale)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCanRemove(t *testing.T) {
	assert.True(t, CanRemove(StatusAvailable))
	assert.True(t, CanRemove(StatusPendingDeletion))
	assert.True(t, CanRemove(StatusDeletionFailed))
	assert.True(t, CanRemove(StatusStale))
	assert.False(t, CanRemove(StatusAllocated), "active leases are never pruned")
}
