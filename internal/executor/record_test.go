package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vegas-max/titan/pkg/models"
)

func TestRecordStoreSingleRecordPerSignal(t *testing.T) {
	store := NewRecordStore()

	record, err := store.Create("sig-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateReceived, record.State)

	_, err = store.Create("sig-1")
	assert.Error(t, err, "second record for the same signal id must be refused")

	got, ok := store.Get("sig-1")
	require.True(t, ok)
	assert.Equal(t, "sig-1", got.SignalID)
}

func TestRecordTransitionsAreMonotonic(t *testing.T) {
	store := NewRecordStore()
	record, err := store.Create("sig-1")
	require.NoError(t, err)

	require.NoError(t, store.Transition(record, models.StateValidated, ""))
	require.NoError(t, store.Transition(record, models.StateSimulated, ""))

	// going backwards is refused
	assert.Error(t, store.Transition(record, models.StateValidated, ""))

	require.NoError(t, store.Transition(record, models.StateSubmitted, ""))
	require.NoError(t, store.Transition(record, models.StateConfirmed, ""))

	// terminal records accept nothing further
	assert.Error(t, store.Transition(record, models.StateReverted, ""))

	got, _ := store.Get("sig-1")
	states := make([]models.ExecutionState, 0, len(got.Transitions))
	for _, tr := range got.Transitions {
		states = append(states, tr.State)
	}
	assert.Equal(t, []models.ExecutionState{
		models.StateReceived,
		models.StateValidated,
		models.StateSimulated,
		models.StateSubmitted,
		models.StateConfirmed,
	}, states)

	// the log itself is strictly increasing in state rank
	for i := 1; i < len(got.Transitions); i++ {
		assert.True(t, got.Transitions[i].State.After(got.Transitions[i-1].State))
	}
}

func TestRecordTerminalReason(t *testing.T) {
	store := NewRecordStore()
	record, err := store.Create("sig-1")
	require.NoError(t, err)

	require.NoError(t, store.Transition(record, models.StateRejected, models.ReasonFlashLoanDisabled))

	got, _ := store.Get("sig-1")
	assert.Equal(t, models.StateRejected, got.State)
	assert.Equal(t, models.ReasonFlashLoanDisabled, got.FailureReason)
}

func TestStateCounts(t *testing.T) {
	store := NewRecordStore()

	a, _ := store.Create("a")
	b, _ := store.Create("b")
	_, _ = store.Create("c")

	require.NoError(t, store.Transition(a, models.StateRejected, models.ReasonExpired))
	require.NoError(t, store.Transition(b, models.StateValidated, ""))

	counts := store.StateCounts()
	assert.Equal(t, 1, counts[models.StateRejected])
	assert.Equal(t, 1, counts[models.StateValidated])
	assert.Equal(t, 1, counts[models.StateReceived])
}

func TestSnapshotIsACopy(t *testing.T) {
	store := NewRecordStore()
	record, _ := store.Create("a")

	snap, _ := store.Get("a")
	require.NoError(t, store.Transition(record, models.StateValidated, ""))

	// the earlier snapshot is unaffected by later transitions
	assert.Equal(t, models.StateReceived, snap.State)
	assert.Len(t, snap.Transitions, 1)
}
