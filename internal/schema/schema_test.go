package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransitionAllowsForwardProgress(t *testing.T) {
	assert.True(t, ValidTransition(TaskPending, TaskPlanning))
	assert.True(t, ValidTransition(TaskPlanning, TaskExecuting))
	assert.True(t, ValidTransition(TaskExecuting, TaskMerging))
	assert.True(t, ValidTransition(TaskMerging, TaskTesting))
	assert.True(t, ValidTransition(TaskTesting, TaskDone))
}

func TestValidTransitionAllowsStayingPut(t *testing.T) {
	assert.True(t, ValidTransition(TaskExecuting, TaskExecuting))
}

func TestValidTransitionRejectsBackwardMovement(t *testing.T) {
	assert.False(t, ValidTransition(TaskExecuting, TaskPlanning))
	assert.False(t, ValidTransition(TaskDone, TaskTesting))
}

func TestValidTransitionAllowsErrorOrCancelledFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []TaskStatus{TaskPending, TaskPlanning, TaskExecuting, TaskMerging, TaskTesting} {
		assert.True(t, ValidTransition(from, TaskError), "from %s", from)
		assert.True(t, ValidTransition(from, TaskCancelled), "from %s", from)
	}
}

func TestValidTransitionRejectsAnythingFromATerminalState(t *testing.T) {
	for _, from := range []TaskStatus{TaskDone, TaskError, TaskCancelled} {
		assert.False(t, ValidTransition(from, TaskPlanning), "from %s", from)
		assert.False(t, ValidTransition(from, TaskError), "from %s", from)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, TaskDone.IsTerminal())
	assert.True(t, TaskError.IsTerminal())
	assert.True(t, TaskCancelled.IsTerminal())
	assert.False(t, TaskExecuting.IsTerminal())
}

func TestIconIsOneCharacterPerStatus(t *testing.T) {
	for _, s := range []TaskStatus{TaskPending, TaskPlanning, TaskExecuting, TaskMerging, TaskTesting, TaskDone, TaskError, TaskCancelled} {
		assert.NotEmpty(t, s.Icon())
	}
}

func TestCompareNoRegression(t *testing.T) {
	baseline := TestBaseline{TotalTests: 10, PassingTests: 10}
	result := TestResult{Total: 10, PassedCount: 10}
	delta := Compare(baseline, result)
	assert.Equal(t, 0, delta.NewlyFailing)
	assert.Equal(t, 0, delta.NewlyAdded)
}

func TestCompareDetectsRegression(t *testing.T) {
	baseline := TestBaseline{TotalTests: 10, PassingTests: 10}
	result := TestResult{Total: 10, PassedCount: 8}
	delta := Compare(baseline, result)
	assert.Equal(t, 2, delta.NewlyFailing)
}

func TestCompareDetectsNewTests(t *testing.T) {
	baseline := TestBaseline{TotalTests: 10, PassingTests: 10}
	result := TestResult{Total: 13, PassedCount: 13}
	delta := Compare(baseline, result)
	assert.Equal(t, 3, delta.NewlyAdded)
	assert.Equal(t, 0, delta.NewlyFailing)
}

func TestCompareNeverGoesNegative(t *testing.T) {
	// a shrinking suite (tests removed) must not read as a negative count
	// of newly-added tests, and more passing than before must not read as a
	// negative regression count.
	baseline := TestBaseline{TotalTests: 10, PassingTests: 5}
	result := TestResult{Total: 8, PassedCount: 8}
	delta := Compare(baseline, result)
	assert.Equal(t, 0, delta.NewlyFailing)
	assert.Equal(t, 0, delta.NewlyAdded)
}

func TestTestLevelTimeouts(t *testing.T) {
	assert.Less(t, LevelFast.Timeout(), LevelNormal.Timeout())
	assert.Less(t, LevelNormal.Timeout(), LevelFull.Timeout())
}
