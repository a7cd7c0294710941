package agentrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anvil/internal/schema"
)

func TestParseOutputJSONWithResultBlock(t *testing.T) {
	raw := `{"result": "## RESULT\nSTATUS: success\nFILES_MODIFIED: a.go, b.go\nTESTS_ADDED: 3\nERRORS: none\n", "usage": {"input_tokens": 100, "output_tokens": 50}, "cost_usd": 0.01}`
	result := ParseOutput(raw)
	assert.Equal(t, schema.AgentSuccess, result.Status)
	assert.Equal(t, []string{"a.go", "b.go"}, result.FilesModified)
	assert.Equal(t, 3, result.TestsAdded)
	assert.Equal(t, "", result.Errors)
	assert.Equal(t, 100, result.InputTokens)
	assert.Equal(t, 50, result.OutputTokens)
	assert.InDelta(t, 0.01, result.CostUSD, 1e-9)
}

func TestParseOutputStatusErrorMapsToFailed(t *testing.T) {
	raw := `{"result": "## RESULT\nSTATUS: error\nFILES_MODIFIED: none\nTESTS_ADDED: 0\nERRORS: compile failed\n"}`
	result := ParseOutput(raw)
	assert.Equal(t, schema.AgentFailed, result.Status)
	assert.Equal(t, "compile failed", result.Errors)
	assert.Empty(t, result.FilesModified)
}

func TestParseOutputUnknownStatusMapsToFailed(t *testing.T) {
	raw := `{"result": "## RESULT\nSTATUS: partial\nFILES_MODIFIED: none\nTESTS_ADDED: 0\nERRORS: none\n"}`
	result := ParseOutput(raw)
	assert.Equal(t, schema.AgentFailed, result.Status)
}

func TestParseOutputNoResultBlockInfersSuccess(t *testing.T) {
	raw := `{"result": "just some free text, no structured block"}`
	result := ParseOutput(raw)
	assert.Equal(t, schema.AgentSuccess, result.Status)
	assert.Empty(t, result.FilesModified)
}

func TestParseOutputInvalidJSONFallsBackToRawText(t *testing.T) {
	raw := `not json at all ## RESULT
STATUS: success
FILES_MODIFIED: none
TESTS_ADDED: 0
ERRORS: none`
	result := ParseOutput(raw)
	assert.Equal(t, schema.AgentSuccess, result.Status)
	assert.Equal(t, 0, result.InputTokens)
}

func TestParseOutputRepairsAlmostValidJSON(t *testing.T) {
	// trailing comma, which encoding/json rejects but jsonrepair fixes.
	raw := `{"result": "## RESULT\nSTATUS: success\nFILES_MODIFIED: none\nTESTS_ADDED: 0\nERRORS: none\n", "usage": {"input_tokens": 5, "output_tokens": 5},}`
	result := ParseOutput(raw)
	assert.Equal(t, schema.AgentSuccess, result.Status)
	assert.Equal(t, 5, result.InputTokens)
}

func TestParseOutputIdempotent(t *testing.T) {
	raw := `{"result": "## RESULT\nSTATUS: SUCCESS\nFILES_MODIFIED: a.go\nTESTS_ADDED: 1\nERRORS: none\n"}`
	r1 := ParseOutput(raw)
	r2 := ParseOutput(raw)
	assert.Equal(t, r1, r2)
}

func TestComposeSystemPromptJoinsBlocksWithBlankLines(t *testing.T) {
	r := New(AgentConfig{Role: "backend"})
	prompt, err := r.ComposeSystemPrompt(Input{
		Handoff:       "## planner (done)",
		FileOwnership: "owned: backend/*",
		ErrorContext:  "ERROR: m::t1",
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "## planner (done)")
	assert.Contains(t, prompt, "owned: backend/*")
	assert.Contains(t, prompt, "ERROR: m::t1")
	assert.Contains(t, prompt, "## RESULT")
	assert.Contains(t, prompt, "## planner (done)\n\nowned: backend/*\n\nERROR: m::t1\n\nWhen you are done")
}

func TestRunTimesOutAndReportsError(t *testing.T) {
	orig := runSubprocess
	defer func() { runSubprocess = orig }()
	runSubprocess = func(ctx context.Context, workDir string, args []string, env map[string]string) (string, string, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return `{"result":"done"}`, "", nil
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}

	r := New(AgentConfig{Role: "backend", Timeout: 10 * time.Millisecond})
	result := r.Run(context.Background(), "do the thing", Input{WorkingDir: t.TempDir()})
	assert.Equal(t, schema.AgentFailed, result.Status)
	assert.Contains(t, result.Error, "Timeout after")
}

func TestRunSucceedsWithinTimeout(t *testing.T) {
	orig := runSubprocess
	defer func() { runSubprocess = orig }()
	runSubprocess = func(ctx context.Context, workDir string, args []string, env map[string]string) (string, string, error) {
		return `{"result": "## RESULT\nSTATUS: success\nFILES_MODIFIED: a.go\nTESTS_ADDED: 0\nERRORS: none\n"}`, "", nil
	}

	r := New(AgentConfig{Role: "backend", Timeout: time.Second})
	result := r.Run(context.Background(), "do the thing", Input{WorkingDir: t.TempDir()})
	assert.Equal(t, schema.AgentSuccess, result.Status)
	assert.Equal(t, []string{"a.go"}, result.FilesModified)
}
