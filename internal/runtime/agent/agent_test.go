package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/budget"
	"github.com/ternarybob/nexo/internal/common"
)

func testRunState(t *testing.T, limits common.BudgetConfig) *runState {
	t.Helper()
	guard := budget.NewGuard(limits)
	guard.InitTask("task_1")
	a := New(nil, nil, nil, guard, arbor.NewLogger())
	return &runState{agent: a, taskID: "task_1", domain: "example.com"}
}

func TestStepStopsAtRetryBudget(t *testing.T) {
	r := testRunState(t, common.BudgetConfig{MaxRuntimeSeconds: 300, MaxRetriesPerStep: 3})

	calls := 0
	ok, err := r.step(SubgoalOpenCommentEditor, func() (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, calls, "fn must run exactly as many times as the configured retry limit")
}

func TestStepSuccessClearsRetryCounter(t *testing.T) {
	r := testRunState(t, common.BudgetConfig{MaxRuntimeSeconds: 300, MaxRetriesPerStep: 2})

	ok, err := r.step(SubgoalSubmitComment, func() (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, ok)

	// the counter reset on success, so the full budget is available again
	calls := 0
	ok, err = r.step(SubgoalSubmitComment, func() (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, calls)
}

func TestStepPropagatesSpentRuntimeBudget(t *testing.T) {
	r := testRunState(t, common.BudgetConfig{MaxRuntimeSeconds: 0, MaxRetriesPerStep: 5})

	calls := 0
	_, err := r.step(SubgoalOpenCommentEditor, func() (bool, error) {
		calls++
		return false, nil
	})
	require.Error(t, err)
	var exceeded *budget.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "runtime", exceeded.Kind)
	assert.Zero(t, calls, "no subgoal work once the wall clock is spent")
}

func TestStepPropagatesFnError(t *testing.T) {
	r := testRunState(t, common.BudgetConfig{MaxRuntimeSeconds: 300, MaxRetriesPerStep: 3})

	boom := errors.New("frame detached")
	_, err := r.step(SubgoalOpenCommentEditor, func() (bool, error) { return false, boom })
	require.ErrorIs(t, err, boom)
}
