package testgate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anvil/internal/schema"
)

func TestParseOutputCountsPassedAndFailed(t *testing.T) {
	output := `running 12 tests
---- m::t1 stdout ----
assertion failed
test m::t1 ... FAILED
test result: FAILED. 11 passed; 1 failed; 0 ignored
`
	result := parseOutput(output, schema.LevelFast)
	assert.Equal(t, 11, result.PassedCount)
	assert.Equal(t, 12, result.Total)
	assert.Equal(t, []string{"m::t1"}, result.FailedNames)
}

func TestParseOutputSumsMultipleTestResultLines(t *testing.T) {
	output := "test result: ok. 5 passed; 0 failed\ntest result: ok. 7 passed; 0 failed\n"
	result := parseOutput(output, schema.LevelNormal)
	assert.Equal(t, 12, result.PassedCount)
}

func TestParseOutputCapturesCompilerErrors(t *testing.T) {
	output := "error[E0308]: mismatched types\nerror: linking failed\nnote: something else\n"
	result := parseOutput(output, schema.LevelSmoke)
	assert.Len(t, result.CompilerErrors, 2)
}

func TestExcerptPassesThroughShortOutput(t *testing.T) {
	short := "line1\nline2\n"
	assert.Equal(t, short, excerpt(short))
}

func TestExcerptTruncatesLongOutput(t *testing.T) {
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, "l")
	}
	joined := ""
	for _, l := range lines {
		joined += l + "\n"
	}
	out := excerpt(joined)
	assert.Contains(t, out, "...")
}

func TestCompactOnPass(t *testing.T) {
	result := schema.TestResult{Passed: true, PassedCount: 10, Total: 10, Duration: 0}
	assert.Contains(t, Compact(result, 0), "OK: 10/10 tests passing")
}

func TestCompactOnFailWithRegression(t *testing.T) {
	result := schema.TestResult{
		Passed:         false,
		CompilerErrors: []string{"error: boom"},
		FailedNames:    []string{"m::t1"},
	}
	compact := Compact(result, 2)
	assert.Contains(t, compact, "ERROR: error: boom")
	assert.Contains(t, compact, "ERROR: m::t1 — FAILED")
	assert.Contains(t, compact, "REGRESSION: 2 tests broke vs baseline")
}

func TestCompareDeltaNeverNegative(t *testing.T) {
	baseline := schema.TestBaseline{TotalTests: 10, PassingTests: 10}
	result := schema.TestResult{Total: 12, PassedCount: 12}
	delta := schema.Compare(baseline, result)
	assert.Equal(t, 0, delta.NewlyFailing)
	assert.Equal(t, 2, delta.NewlyAdded)
}

func TestCompareDeltaDetectsRegression(t *testing.T) {
	baseline := schema.TestBaseline{TotalTests: 10, PassingTests: 10}
	result := schema.TestResult{Total: 10, PassedCount: 8}
	delta := schema.Compare(baseline, result)
	assert.Equal(t, 2, delta.NewlyFailing)
	assert.Equal(t, 0, delta.NewlyAdded)
}

func TestRunFullDemotesOnFrontendBuildFailure(t *testing.T) {
	g := New(CommandSet{
		Full:          []string{"true"},
		FrontendBuild: []string{"false"},
	})
	result := g.Run(context.Background(), t.TempDir(), schema.LevelFull)
	assert.False(t, result.Passed)
	require.NotEmpty(t, result.CompilerErrors)
	assert.Contains(t, result.CompilerErrors[0], "front-end build failed")
}

func TestRunFullPassesWhenFrontendBuildSucceeds(t *testing.T) {
	g := New(CommandSet{
		Full:          []string{"true"},
		FrontendBuild: []string{"true"},
	})
	result := g.Run(context.Background(), t.TempDir(), schema.LevelFull)
	assert.True(t, result.Passed)
}

func TestRunFullSkipsFrontendBuildWhenUnset(t *testing.T) {
	g := New(CommandSet{Full: []string{"true"}})
	result := g.Run(context.Background(), t.TempDir(), schema.LevelFull)
	assert.True(t, result.Passed)
}

func TestRunFullNeverRunsFrontendBuildWhenTestsFail(t *testing.T) {
	g := New(CommandSet{
		Full:          []string{"false"},
		FrontendBuild: []string{"true"},
	})
	result := g.Run(context.Background(), t.TempDir(), schema.LevelFull)
	assert.False(t, result.Passed)
}
