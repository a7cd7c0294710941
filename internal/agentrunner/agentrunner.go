// Package agentrunner spawns a single LLM worker process with a composed
// system prompt, enforces a per-agent timeout, and parses its JSON stdout
// plus the in-text "## RESULT" block into an AgentResult. The subprocess
// flag construction and process-lifecycle discipline are grounded on
// internal/external/claudecode/executor.go (flag building, defer
// proc.Stop(), context-scoped timeout) and
// internal/external/subprocess/subprocess.go; here the timeout is enforced
// by exec.CommandContext, which kills the direct child process only (its
// process group is not signalled). The output parsing is this package's own
// contract, with a
// tolerant JSON-repair retry drawn from the defensive type-assertion style
// used in messages.go.
package agentrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"

	"anvil/internal/logging"
	"anvil/internal/schema"
)

// AgentConfig describes one agent role's invocation parameters.
type AgentConfig struct {
	Role       string
	PromptFile string
	Model      string
	Timeout    time.Duration
	Budget     float64
}

// Input bundles the per-invocation context the Orchestrator composes.
type Input struct {
	Description   string
	WorkingDir    string
	Handoff       string
	FileOwnership string
	ErrorContext  string
}

// Result is the parsed outcome of one agent invocation.
type Result struct {
	Status        schema.AgentStatus
	Output        string
	FilesModified []string
	TestsAdded    int
	Errors        string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	Duration      time.Duration
	Error         string
}

const resultBlockInstruction = `When you are done, output a summary block in EXACTLY this format:

## RESULT
STATUS: success|error
FILES_MODIFIED: file1.rs, file2.rs
TESTS_ADDED: 0
ERRORS: none`

// BinaryPath is the external LLM client binary invoked as a child process.
var BinaryPath = "claude"

// Runner spawns one agent role's LLM worker invocations.
type Runner struct {
	cfg    AgentConfig
	logger logging.Logger
}

// New constructs a Runner for one agent role.
func New(cfg AgentConfig) *Runner {
	return &Runner{cfg: cfg, logger: logging.NewComponentLogger("AgentRunner:" + cfg.Role)}
}

// ComposeSystemPrompt concatenates the role prompt file with the handoff,
// file-ownership, prior-error, and result-block-instruction context blocks,
// separated by blank lines.
func (r *Runner) ComposeSystemPrompt(in Input) (string, error) {
	roleBody := ""
	if strings.TrimSpace(r.cfg.PromptFile) != "" {
		data, err := os.ReadFile(r.cfg.PromptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		roleBody = string(data)
	}

	blocks := []string{strings.TrimSpace(roleBody)}
	if strings.TrimSpace(in.Handoff) != "" {
		blocks = append(blocks, strings.TrimSpace(in.Handoff))
	}
	if strings.TrimSpace(in.FileOwnership) != "" {
		blocks = append(blocks, strings.TrimSpace(in.FileOwnership))
	}
	if strings.TrimSpace(in.ErrorContext) != "" {
		blocks = append(blocks, strings.TrimSpace(in.ErrorContext))
	}
	blocks = append(blocks, resultBlockInstruction)

	return strings.Join(blocks, "\n\n"), nil
}

// Run spawns the LLM binary and blocks until it completes, times out, or the
// context is cancelled.
func (r *Runner) Run(ctx context.Context, prompt string, in Input) Result {
	systemPrompt, err := r.ComposeSystemPrompt(in)
	if err != nil {
		return Result{Status: schema.AgentFailed, Error: err.Error()}
	}

	args := []string{"-p", prompt, "--output-format", "json", "--model", r.cfg.Model, "--append-system-prompt", systemPrompt}
	if r.cfg.Budget > 0 {
		args = append(args, "--max-turns", "50")
	}
	args = append(args, "--dangerously-skip-permissions")

	tmpDir, err := ensureTmpDir()
	if err != nil {
		return Result{Status: schema.AgentFailed, Error: err.Error()}
	}

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, _, runErr := runSubprocess(runCtx, in.WorkingDir, args, map[string]string{
		"NO_COLOR": "1",
		"TMPDIR":   tmpDir,
	})
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			Status:   schema.AgentFailed,
			Error:    fmt.Sprintf("Timeout after %ds", int(timeout.Seconds())),
			Duration: duration,
		}
	}
	if runErr != nil && stdout == "" {
		return Result{Status: schema.AgentFailed, Error: runErr.Error(), Duration: duration}
	}

	result := ParseOutput(stdout)
	result.Duration = duration
	return result
}

func ensureTmpDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}
	return dir, nil
}

// decodedEnvelope is the top-level JSON object contract for agent stdout.
type decodedEnvelope struct {
	Result  string `json:"result"`
	CostUSD float64 `json:"cost_usd"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

var resultHeaderRe = regexp.MustCompile(`(?s)## RESULT\s*\n(.*?)(\n##|\z)`)
var statusRe = regexp.MustCompile(`STATUS:\s*(\S+)`)
var filesRe = regexp.MustCompile(`FILES_MODIFIED:\s*(.*)`)
var testsAddedRe = regexp.MustCompile(`TESTS_ADDED:\s*(\d+)`)
var errorsRe = regexp.MustCompile(`ERRORS:\s*(.*)`)

// ParseOutput decodes the subprocess stdout: decode UTF-8 with a
// replacement policy, try strict JSON, retry through jsonrepair, fall back
// to raw text, then extract the "## RESULT" block if present.
func ParseOutput(raw string) Result {
	text := toValidUTF8(raw)
	text = strings.TrimSpace(text)

	resultText := text
	var inputTokens, outputTokens int
	var cost float64

	if env, ok := decodeEnvelope(text); ok {
		resultText = env.Result
		inputTokens = env.Usage.InputTokens
		outputTokens = env.Usage.OutputTokens
		cost = env.CostUSD
	}

	status, files, testsAdded, errs, hasBlock := parseResultBlock(resultText)
	if !hasBlock {
		status = schema.AgentSuccess
	}

	return Result{
		Status:        status,
		Output:        resultText,
		FilesModified: files,
		TestsAdded:    testsAdded,
		Errors:        errs,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		CostUSD:       cost,
	}
}

func decodeEnvelope(text string) (decodedEnvelope, bool) {
	var env decodedEnvelope
	if err := json.Unmarshal([]byte(text), &env); err == nil {
		return env, true
	}
	if repaired, err := jsonrepair.JSONRepair(text); err == nil {
		if err := json.Unmarshal([]byte(repaired), &env); err == nil {
			return env, true
		}
	}
	return decodedEnvelope{}, false
}

func parseResultBlock(text string) (status schema.AgentStatus, files []string, testsAdded int, errs string, found bool) {
	m := resultHeaderRe.FindStringSubmatch(text)
	if m == nil {
		return "", nil, 0, "", false
	}
	block := m[1]
	found = true

	status = schema.AgentFailed
	if sm := statusRe.FindStringSubmatch(block); sm != nil {
		value := strings.ToLower(strings.TrimSpace(sm[1]))
		if value == "success" {
			status = schema.AgentSuccess
		}
	}

	if fm := filesRe.FindStringSubmatch(block); fm != nil {
		for _, part := range strings.Split(fm[1], ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" || strings.EqualFold(trimmed, "none") {
				continue
			}
			files = append(files, trimmed)
		}
	}

	if tm := testsAddedRe.FindStringSubmatch(block); tm != nil {
		if n, err := strconv.Atoi(tm[1]); err == nil {
			testsAdded = n
		}
	}

	if em := errorsRe.FindStringSubmatch(block); em != nil {
		line := strings.TrimSpace(strings.SplitN(em[1], "\n", 2)[0])
		if !strings.EqualFold(line, "none") {
			errs = line
		}
	}

	return status, files, testsAdded, errs, found
}

func toValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

// runSubprocess is overridable in tests.
var runSubprocess = func(ctx context.Context, workDir string, args []string, env map[string]string) (stdout string, stderr string, err error) {
	return execRun(ctx, workDir, args, env)
}

func execRun(ctx context.Context, workDir string, args []string, env map[string]string) (string, string, error) {
	cmd := buildCmd(ctx, workDir, args, env)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	cmd.Stdin = nil
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}
