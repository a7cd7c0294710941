// Package testgate runs the tiered build/test commands and parses their
// combined stdout+stderr into a structured TestResult. No reference repo
// parses textual test-runner output like this, so the parsing contract below
// is built directly from this package's own requirements. Process lifecycle
// (context deadline, captured combined output) follows the subprocess
// timeout discipline in internal/external/subprocess/subprocess.go, adapted
// to a one-shot exec.CommandContext call since the gate needs no
// bidirectional stdin.
package testgate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"anvil/internal/logging"
	"anvil/internal/schema"
)

const timeoutExitCode = -1

var (
	passedCountRe = regexp.MustCompile(`test result: \w+\. (\d+) passed`)
	failedCountRe = regexp.MustCompile(`(\d+) failed`)
	failHeaderRe  = regexp.MustCompile(`---- (\S+) stdout ----`)
	failInlineRe  = regexp.MustCompile(`test (\S+) \.\.\. FAILED`)
	compilerErrRe = regexp.MustCompile(`^(error\[|error:)`)
	listingLineRe = regexp.MustCompile(`: test\s*$`)
)

const maxCompilerErrors = 20

// CommandSet names the shell command to run for each tier, plus the
// test-listing command used for baseline capture. FrontendBuild is an
// optional second command run only at FULL, after the test command passes;
// a non-zero exit there demotes the FULL result to failed even though the
// tests themselves were green. Leave it nil for projects with no separate
// front-end build step.
type CommandSet struct {
	Smoke         []string
	Fast          []string
	Normal        []string
	Full          []string
	FrontendBuild []string
	Listing       []string
}

// Gate runs tiered test commands against a working directory.
type Gate struct {
	commands CommandSet
	logger   logging.Logger
}

// New constructs a Gate with the given per-tier commands.
func New(commands CommandSet) *Gate {
	return &Gate{commands: commands, logger: logging.NewComponentLogger("TestGate")}
}

func (g *Gate) commandFor(level schema.TestLevel) []string {
	switch level {
	case schema.LevelSmoke:
		return g.commands.Smoke
	case schema.LevelFast:
		return g.commands.Fast
	case schema.LevelNormal:
		return g.commands.Normal
	case schema.LevelFull:
		return g.commands.Full
	default:
		return nil
	}
}

// Run executes the named tier's command in workDir and parses its output.
func (g *Gate) Run(ctx context.Context, workDir string, level schema.TestLevel) schema.TestResult {
	cmd := g.commandFor(level)
	timeout := level.Timeout()
	output, exitCode, duration := g.exec(ctx, workDir, cmd, timeout)

	result := parseOutput(output, level)
	result.Duration = duration

	if exitCode == timeoutExitCode {
		result.Passed = false
	} else {
		result.Passed = exitCode == 0
	}

	if level == schema.LevelFull && result.Passed && len(g.commands.FrontendBuild) > 0 {
		buildOutput, buildExit, _ := g.exec(ctx, workDir, g.commands.FrontendBuild, level.Timeout())
		if buildExit != 0 {
			result.Passed = false
			result.CompilerErrors = append(result.CompilerErrors, "front-end build failed: "+excerpt(buildOutput))
		}
	}

	return result
}

// CaptureBaseline runs the listing command to count and hash available
// tests, then runs NORMAL to learn how many currently pass. A listing
// failure yields a zero baseline, letting tasks proceed with an undefined
// regression rate in that case.
func (g *Gate) CaptureBaseline(ctx context.Context, workDir string) schema.TestBaseline {
	listingOut, exitCode, _ := g.exec(ctx, workDir, g.commands.Listing, 120*time.Second)
	if exitCode != 0 {
		g.logger.Warn("baseline listing failed with exit %d", exitCode)
		return schema.TestBaseline{}
	}

	total := 0
	for _, line := range strings.Split(listingOut, "\n") {
		if listingLineRe.MatchString(strings.TrimRight(line, "\r")) {
			total++
		}
	}
	sum := sha256.Sum256([]byte(listingOut))
	hash := hex.EncodeToString(sum[:])[:16]

	normal := g.Run(ctx, workDir, schema.LevelNormal)

	return schema.TestBaseline{
		TotalTests:   total,
		PassingTests: normal.PassedCount,
		SnapshotHash: hash,
	}
}

func (g *Gate) exec(ctx context.Context, workDir string, command []string, timeout time.Duration) (output string, exitCode int, duration time.Duration) {
	if len(command) == 0 {
		return "", 0, 0
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = workDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	duration = time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		buf.WriteString(fmt.Sprintf("\nerror: command timed out after %s\n", timeout))
		return buf.String(), timeoutExitCode, duration
	}

	if err == nil {
		return buf.String(), 0, duration
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return buf.String(), exitErr.ExitCode(), duration
	}
	// spawn failure: treat as a non-zero, non-timeout failure.
	buf.WriteString(fmt.Sprintf("\nerror: %v\n", err))
	return buf.String(), 1, duration
}

func parseOutput(output string, level schema.TestLevel) schema.TestResult {
	result := schema.TestResult{Level: level}

	for _, m := range passedCountRe.FindAllStringSubmatch(output, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			result.PassedCount += n
		}
	}

	var failedCount int
	for _, m := range failedCountRe.FindAllStringSubmatch(output, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			failedCount += n
		}
	}
	result.Total = result.PassedCount + failedCount

	result.FailedNames = extractFailedNames(output)

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if compilerErrRe.MatchString(trimmed) {
			result.CompilerErrors = append(result.CompilerErrors, trimmed)
			if len(result.CompilerErrors) >= maxCompilerErrors {
				break
			}
		}
	}

	result.OutputExcerpt = excerpt(output)
	return result
}

func extractFailedNames(output string) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, m := range failHeaderRe.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range failInlineRe.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	return names
}

func excerpt(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) <= 50 {
		return output
	}
	var b strings.Builder
	for _, l := range lines[:10] {
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("...\n")
	for _, l := range lines[len(lines)-40:] {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// ComputeDelta is a convenience re-export so callers don't need to import
// schema just to compare a result against a baseline.
func ComputeDelta(baseline schema.TestBaseline, result schema.TestResult) schema.TestDelta {
	return schema.Compare(baseline, result)
}

// Compact renders a failing result into a compact retry-feedback summary.
func Compact(result schema.TestResult, regressions int) string {
	if result.Passed {
		return fmt.Sprintf("OK: %d/%d tests passing (%s)", result.PassedCount, result.Total, result.Duration)
	}

	var b strings.Builder

	errs := result.CompilerErrors
	if len(errs) > 5 {
		errs = errs[:5]
	}
	for _, e := range errs {
		b.WriteString("ERROR: ")
		b.WriteString(e)
		b.WriteString("\n")
	}

	names := result.FailedNames
	if len(names) > 5 {
		names = names[:5]
	}
	for _, n := range names {
		b.WriteString("ERROR: ")
		b.WriteString(n)
		b.WriteString(" — FAILED\n")
	}

	if regressions > 0 {
		b.WriteString(fmt.Sprintf("REGRESSION: %d tests broke vs baseline\n", regressions))
	}

	return strings.TrimRight(b.String(), "\n")
}
