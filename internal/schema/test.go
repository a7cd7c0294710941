package schema

import "time"

// TestLevel is a closed sum of the test-gate tiers.
type TestLevel string

const (
	LevelSmoke  TestLevel = "SMOKE"
	LevelFast   TestLevel = "FAST"
	LevelNormal TestLevel = "NORMAL"
	LevelFull   TestLevel = "FULL"
)

// Timeout returns the per-level timeout for running this tier.
func (l TestLevel) Timeout() time.Duration {
	switch l {
	case LevelSmoke, LevelFast:
		return 30 * time.Second
	case LevelNormal:
		return 120 * time.Second
	case LevelFull:
		return 600 * time.Second
	default:
		return 30 * time.Second
	}
}

// TestBaseline is the immutable pre-task snapshot of the test suite.
type TestBaseline struct {
	TotalTests    int
	PassingTests  int
	SnapshotHash  string
}

// TestResult is the outcome of one test-gate run.
type TestResult struct {
	Level           TestLevel
	Passed          bool
	Total           int
	PassedCount     int
	FailedNames     []string
	CompilerErrors  []string
	OutputExcerpt   string
	Duration        time.Duration
}

// TestDelta compares a TestResult against the TestBaseline.
type TestDelta struct {
	TotalBefore    int
	TotalAfter     int
	PassingBefore  int
	PassingAfter   int
	NewlyFailing   int
	NewlyAdded     int
}

// Compare derives a TestDelta from a baseline and a result, enforcing the
// invariant that NewlyFailing and NewlyAdded are never negative.
func Compare(baseline TestBaseline, result TestResult) TestDelta {
	d := TestDelta{
		TotalBefore:   baseline.TotalTests,
		TotalAfter:    result.Total,
		PassingBefore: baseline.PassingTests,
		PassingAfter:  result.PassedCount,
	}
	if d.PassingBefore > d.PassingAfter {
		d.NewlyFailing = d.PassingBefore - d.PassingAfter
	}
	if d.TotalAfter > d.TotalBefore {
		d.NewlyAdded = d.TotalAfter - d.TotalBefore
	}
	return d
}

// RegressionLogEntry is the persisted record of one agent's test delta.
type RegressionLogEntry struct {
	TaskID          string
	Role            string
	TestsBefore     int
	TestsAfter      int
	Regressions     int
	NewTests        int
	RegressionRate  float64
	CreatedAt       time.Time
}
