// Package worktree manages per-role isolated git worktrees of the target
// project repository, adapted directly from
// internal/infra/external/workspace/manager.go: where that source supports
// three workspace modes (shared/branch/worktree) and four merge strategies,
// this package always isolates agents in a worktree and always merges with
// --no-ff, so that generality is collapsed into a single path.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"anvil/internal/diffstat"
	"anvil/internal/logging"
)

const defaultWorktreeDirName = "worktrees"

// Manager creates, commits, merges, and cleans up per-role worktrees rooted
// at <project>/<worktree-root>/<task_id>/<role>, on branches named
// <namespace>/<task_id>/<role>.
type Manager struct {
	projectDir  string
	worktreeDir string
	taskID      string
	namespace   string
	logger      logging.Logger

	mu         sync.Mutex
	worktrees  map[string]allocation
	baseBranch string
}

type allocation struct {
	path   string
	branch string
}

// New constructs a Manager for one task within a project.
func New(projectDir, taskID, namespace string, opts ...Option) *Manager {
	if strings.TrimSpace(namespace) == "" {
		namespace = "anvil"
	}
	m := &Manager{
		projectDir:  projectDir,
		worktreeDir: filepath.Join(projectDir, defaultWorktreeDirName, taskID),
		taskID:      taskID,
		namespace:   namespace,
		logger:      logging.NewComponentLogger("WorktreeManager"),
		worktrees:   make(map[string]allocation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithWorktreeRoot overrides the default "<project>/worktrees/<task>" root.
func WithWorktreeRoot(root string) Option {
	return func(m *Manager) { m.worktreeDir = root }
}

// Branch returns the per-role branch name <ns>/<task_id>/<role>.
func (m *Manager) Branch(role string) string {
	return fmt.Sprintf("%s/%s/%s", m.namespace, m.taskID, role)
}

// IntegrationBranch returns the task's integration branch name.
func (m *Manager) IntegrationBranch() string {
	return fmt.Sprintf("%s/integration/%s", m.namespace, m.taskID)
}

// BaseBranch returns the branch every role's worktree was forked from,
// captured from the project checkout the first time a worktree is created.
func (m *Manager) BaseBranch(ctx context.Context) string {
	m.mu.Lock()
	cached := m.baseBranch
	m.mu.Unlock()
	if cached != "" {
		return cached
	}
	out, err := m.git(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return ""
	}
	branch := strings.TrimSpace(out)
	m.mu.Lock()
	m.baseBranch = branch
	m.mu.Unlock()
	return branch
}

// Create allocates a fresh worktree for role on a new branch from HEAD. If
// the branch already exists (e.g. a retried role after a prior partial
// cleanup), it attaches to the existing branch instead of failing.
func (m *Manager) Create(ctx context.Context, role string) (path string, branch string, err error) {
	m.BaseBranch(ctx)
	if err := os.MkdirAll(m.worktreeDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create worktree root: %w", err)
	}
	path = filepath.Join(m.worktreeDir, role)
	branch = m.Branch(role)

	if _, gitErr := m.git(ctx, "worktree", "add", path, "-b", branch); gitErr == nil {
		m.store(role, path, branch)
		return path, branch, nil
	}

	// branch may already exist: retry attaching to it directly.
	if _, gitErr := m.git(ctx, "worktree", "add", path, branch); gitErr == nil {
		m.store(role, path, branch)
		return path, branch, nil
	}

	return "", "", fmt.Errorf("create worktree for role %q: could not create new or attach existing branch %q", role, branch)
}

func (m *Manager) store(role, path, branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worktrees[role] = allocation{path: path, branch: branch}
}

// CommitAgentWork stages all changes in role's worktree and commits them. A
// clean index returns ("", false, nil); a commit failure returns ("", false,
// err); success returns the new revision id.
func (m *Manager) CommitAgentWork(ctx context.Context, role, message string) (revision string, committed bool, err error) {
	m.mu.Lock()
	alloc, ok := m.worktrees[role]
	m.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("no worktree allocated for role %q", role)
	}

	if _, err := m.gitIn(ctx, alloc.path, "add", "-A"); err != nil {
		return "", false, fmt.Errorf("stage changes: %w", err)
	}

	status, err := m.gitIn(ctx, alloc.path, "status", "--porcelain")
	if err != nil {
		return "", false, fmt.Errorf("check status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return "", false, nil
	}

	if _, err := m.gitIn(ctx, alloc.path, "commit", "-m", message); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}

	rev, err := m.gitIn(ctx, alloc.path, "rev-parse", "HEAD")
	if err != nil {
		return "", true, nil
	}
	return strings.TrimSpace(rev), true, nil
}

// DiffSummaries reports added/removed line counts for the files role's
// worktree changed relative to its base branch, for handoff text.
func (m *Manager) DiffSummaries(ctx context.Context, role, baseBranch string) []diffstat.Summary {
	m.mu.Lock()
	alloc, ok := m.worktrees[role]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	filesRaw, err := m.gitIn(ctx, alloc.path, "diff", "--name-only", baseBranch+"..HEAD")
	if err != nil {
		return nil
	}
	var summaries []diffstat.Summary
	for _, path := range splitLines(filesRaw) {
		before, _ := m.gitIn(ctx, alloc.path, "show", baseBranch+":"+path)
		after, readErr := os.ReadFile(filepath.Join(alloc.path, path))
		if readErr != nil {
			continue
		}
		summaries = append(summaries, diffstat.Compute(path, before, string(after)))
	}
	return summaries
}

// Remove force-removes role's worktree and deletes its branch.
func (m *Manager) Remove(ctx context.Context, role string) error {
	m.mu.Lock()
	alloc, ok := m.worktrees[role]
	if ok {
		delete(m.worktrees, role)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_, _ = m.git(ctx, "worktree", "remove", "--force", alloc.path)
	_, _ = m.git(ctx, "branch", "-D", alloc.branch)
	return nil
}

// Cleanup removes every remaining worktree, prunes stale metadata, and
// attempts (best-effort) to remove the empty worktree root directory. This
// is the Orchestrator's always-run finalizer step; it never leaks worktrees
// even if the pipeline errored mid-run.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	roles := make([]string, 0, len(m.worktrees))
	for role := range m.worktrees {
		roles = append(roles, role)
	}
	m.mu.Unlock()

	for _, role := range roles {
		_ = m.Remove(ctx, role)
	}
	_, _ = m.git(ctx, "worktree", "prune")
	_ = os.Remove(m.worktreeDir)
}

// MergeToIntegration switches the main checkout to a fresh integration
// branch (reset if it already exists) and no-ff merges every role's branch
// onto it in turn. A merge failure aborts that merge and is recorded as a
// conflict string; remaining roles still attempt to merge. An empty
// conflicts slice means every role merged cleanly.
func (m *Manager) MergeToIntegration(ctx context.Context, roles []string) (conflicts []string, err error) {
	integration := m.IntegrationBranch()

	if _, resetErr := m.git(ctx, "checkout", "-B", integration); resetErr != nil {
		return nil, fmt.Errorf("create integration branch: %w", resetErr)
	}

	for _, role := range roles {
		m.mu.Lock()
		alloc, ok := m.worktrees[role]
		m.mu.Unlock()
		if !ok {
			conflicts = append(conflicts, fmt.Sprintf("%s: no worktree/branch recorded", role))
			continue
		}

		msg := fmt.Sprintf("Merge %s into integration", role)
		if _, mergeErr := m.git(ctx, "merge", "--no-ff", "--no-edit", "-m", msg, alloc.branch); mergeErr != nil {
			_, _ = m.git(ctx, "merge", "--abort")
			conflicts = append(conflicts, fmt.Sprintf("%s: %v", role, mergeErr))
			continue
		}
	}

	return conflicts, nil
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	return m.gitIn(ctx, m.projectDir, args...)
}

func (m *Manager) gitIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func splitLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
