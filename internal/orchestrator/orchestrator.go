// Package orchestrator implements the top-level finite-state pipeline:
// PENDING -> PLANNING -> EXECUTING -> MERGING -> TESTING -> DONE, with
// ERROR/CANCELLED reachable as terminal states from any non-terminal one.
// It drives the Agent Runner inside worktrees produced by the Worktree
// Manager, gates each result with the Test Gate, consults the Regression
// Tracker, and reports progress through a Dashboard callback.
//
// Shaped after internal/agent/app/coordinator/coordinator.go's
// stage-sequencing style and cmd/task-orchestrator/main.go's
// "build dependencies, run, always clean up" top-level structure; the FSM
// states themselves drive a multi-agent plan rather than a single ReAct
// agent loop.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"anvil/internal/agentrunner"
	"anvil/internal/costtracker"
	"anvil/internal/diffstat"
	"anvil/internal/logging"
	"anvil/internal/metrics"
	"anvil/internal/planner"
	"anvil/internal/regression"
	"anvil/internal/schema"
	"anvil/internal/store"
	"anvil/internal/testgate"
)

const defaultPlannerRole = "planner"

// AgentExecutor runs one agent role's invocation. Satisfied by
// *agentrunner.Runner in production and by fakes in tests.
type AgentExecutor interface {
	Run(ctx context.Context, prompt string, in agentrunner.Input) agentrunner.Result
}

// WorktreeManager isolates per-role checkouts and merges them back.
// Satisfied by *worktree.Manager in production.
type WorktreeManager interface {
	Create(ctx context.Context, role string) (path string, branch string, err error)
	CommitAgentWork(ctx context.Context, role, message string) (revision string, committed bool, err error)
	Remove(ctx context.Context, role string) error
	Cleanup(ctx context.Context)
	MergeToIntegration(ctx context.Context, roles []string) (conflicts []string, err error)
	Branch(role string) string
	IntegrationBranch() string
	BaseBranch(ctx context.Context) string
	DiffSummaries(ctx context.Context, role, baseBranch string) []diffstat.Summary
}

// TestGate runs tiered tests. Satisfied by *testgate.Gate in production.
type TestGate interface {
	Run(ctx context.Context, workDir string, level schema.TestLevel) schema.TestResult
	CaptureBaseline(ctx context.Context, workDir string) schema.TestBaseline
}

// ProgressFunc receives a fresh Dashboard after every state change and every
// agent-row update. It is called synchronously on the pipeline's goroutine,
// so the pipeline resumes only once it returns; a panic inside it is
// recovered and logged rather than failing the pipeline.
type ProgressFunc func(schema.Dashboard)

// AgentExecutorFactory builds the executor for one role.
type AgentExecutorFactory func(role string) AgentExecutor

// WorktreeManagerFactory builds the WorktreeManager for one task, keyed by
// the task's own id. The Orchestrator generates the task id before calling
// this, so every branch the manager creates (<ns>/<task_id>/<role>,
// <ns>/integration/<task_id>) is named after the id that actually gets
// persisted and returned to the caller.
type WorktreeManagerFactory func(taskID string) WorktreeManager

// Dependencies wires everything one task's Orchestrator needs.
type Dependencies struct {
	Store           store.Store
	Gate            TestGate
	Worktrees       WorktreeManagerFactory
	Metrics         *metrics.Registry
	Executors       AgentExecutorFactory
	Models          map[string]string // role -> model; "planner" entry required
	Budget          float64
	MaxRetries      int
	Namespace       string
	OnProgress      ProgressFunc
}

// Orchestrator drives one task's pipeline from PENDING to a terminal state.
type Orchestrator struct {
	deps   Dependencies
	logger logging.Logger
	tracer trace.Tracer
}

// New constructs an Orchestrator for one task run.
func New(deps Dependencies) *Orchestrator {
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = 3
	}
	if deps.OnProgress == nil {
		deps.OnProgress = func(schema.Dashboard) {}
	}
	return &Orchestrator{
		deps:   deps,
		logger: logging.NewComponentLogger("Orchestrator"),
		tracer: otel.Tracer("anvil/orchestrator"),
	}
}

type pipelineState struct {
	task        *schema.Task
	cost        *costtracker.Tracker
	regress     *regression.Tracker
	worktrees   WorktreeManager
	agentRuns   map[string]*schema.AgentRun // latest row per role
	handoff     strings.Builder
	succeeded   []string // roles accepted, in order
}

// Run drives the full pipeline for one task and returns the final Task
// record. The finalizer (worktree cleanup + final dashboard emission)
// always runs, even when the pipeline returns an error.
func (o *Orchestrator) Run(ctx context.Context, projectPath, description string) (*schema.Task, error) {
	task := &schema.Task{
		ID:          uuid.NewString(),
		ProjectPath: projectPath,
		Description: description,
		Status:      schema.TaskPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	rootCtx, rootSpan := o.tracer.Start(ctx, "task", trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer rootSpan.End()

	ps := &pipelineState{
		task:      task,
		worktrees: o.deps.Worktrees(task.ID),
		agentRuns: make(map[string]*schema.AgentRun),
	}
	ps.cost = costtracker.New(task.ID, o.deps.Budget, func(taskID string, threshold int, percent float64) {
		o.onThreshold(ps, taskID, threshold, percent)
	}, costtracker.WithStore(o.deps.Store))

	o.saveTask(rootCtx, task)

	defer func() {
		ps.worktrees.Cleanup(context.Background())
		o.emitDashboard(ps)
	}()

	if err := o.runPipeline(rootCtx, ps); err != nil {
		o.transition(ps, schema.TaskError)
		task.Error = truncateError(err.Error())
		task.CompletedAt = time.Now()
		o.saveTask(rootCtx, task)
		return task, err
	}

	return task, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, ps *pipelineState) error {
	if err := o.planning(ctx, ps); err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	if err := o.executing(ctx, ps); err != nil {
		return fmt.Errorf("executing: %w", err)
	}
	if err := o.merging(ctx, ps); err != nil {
		return fmt.Errorf("merging: %w", err)
	}
	if err := o.testing(ctx, ps); err != nil {
		return fmt.Errorf("testing: %w", err)
	}
	o.transition(ps, schema.TaskDone)
	ps.task.CompletedAt = time.Now()
	ps.task.TotalCostUSD = ps.cost.TotalCost()
	ps.task.TotalTokens = ps.cost.TotalTokens()
	o.saveTask(ctx, ps.task)
	return nil
}

func (o *Orchestrator) onThreshold(ps *pipelineState, taskID string, threshold int, percent float64) {
	o.logger.Warn("task %s crossed %d%% of budget (%.1f%%)", taskID, threshold, percent)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveCost(taskID, ps.cost.TotalCost(), percent)
	}
}

// --- PLANNING -----------------------------------------------------------

func (o *Orchestrator) planning(ctx context.Context, ps *pipelineState) error {
	ctx, span := o.tracer.Start(ctx, string(schema.TaskPlanning))
	defer span.End()
	o.transition(ps, schema.TaskPlanning)
	o.emitDashboard(ps)

	baseline := o.deps.Gate.CaptureBaseline(ctx, ps.task.ProjectPath)
	ps.regress = regression.New(ps.task.ID, baseline, o.deps.Store)

	model := o.deps.Models[defaultPlannerRole]
	executor := o.deps.Executors(defaultPlannerRole)

	result := executor.Run(ctx, plannerPrompt(ps.task.Description), agentrunner.Input{
		Description: ps.task.Description,
		WorkingDir:  ps.task.ProjectPath,
	})
	ps.cost.Record(ctx, defaultPlannerRole, model, result.InputTokens, result.OutputTokens, result.Duration)

	plan := planner.Extract(ps.task.ID, ps.task.Description, result.Output)
	tokens := planner.EstimateTokens(ps.task.Description)
	outTokens, cost := planner.EstimateCost(model, tokens)
	plan.EstimatedInputTokens = tokens
	plan.EstimatedOutputTokens = outTokens
	plan.EstimatedCostUSD = cost

	ps.task.Plan = &plan
	ps.handoff.WriteString(fmt.Sprintf("## plan\n%s\n\n", plan.Description))
	o.saveTask(ctx, ps.task)
	return nil
}

func plannerPrompt(description string) string {
	return fmt.Sprintf("Break the following task into an execution plan as a JSON object "+
		"with fields stack, file_ownership, shared_files, agents (role, description, "+
		"files_to_modify, files_to_create, depends_on). Do not modify any files; this is "+
		"read-only planning.\n\nTask: %s", description)
}

// --- EXECUTING -----------------------------------------------------------

func (o *Orchestrator) executing(ctx context.Context, ps *pipelineState) error {
	ctx, span := o.tracer.Start(ctx, string(schema.TaskExecuting))
	defer span.End()
	o.transition(ps, schema.TaskExecuting)
	o.emitDashboard(ps)

	for _, agentTask := range ps.task.Plan.Agents {
		if ps.cost.BudgetExceeded() {
			o.logger.Warn("budget exceeded, not launching further agents for task %s", ps.task.ID)
			break
		}
		if err := o.runAgent(ctx, ps, agentTask); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runAgent(ctx context.Context, ps *pipelineState, agentTask schema.AgentTask) error {
	role := agentTask.Role
	ctx, span := o.tracer.Start(ctx, "agent:"+role)
	defer span.End()

	worktreePath, branch, err := ps.worktrees.Create(ctx, role)
	if err != nil {
		return fmt.Errorf("create worktree for role %q: %w", role, err)
	}

	executor := o.deps.Executors(role)
	model := o.deps.Models[role]
	errorContext := ""
	var row *schema.AgentRun

	for attempt := 1; attempt <= o.deps.MaxRetries; attempt++ {
		// Each attempt gets its own AgentRun row rather than overwriting the
		// previous attempt's; ps.agentRuns[role] always points at the latest
		// for dashboard purposes.
		row = &schema.AgentRun{
			ID:           uuid.NewString(),
			TaskID:       ps.task.ID,
			Role:         role,
			Status:       schema.AgentRunning,
			Model:        model,
			WorktreePath: worktreePath,
			Branch:       branch,
			Attempt:      attempt,
			StartedAt:    time.Now(),
			TraceID:      span.SpanContext().TraceID().String(),
		}
		ps.agentRuns[role] = row
		o.saveAgentRun(ctx, row)
		o.emitDashboard(ps)

		prompt := composePrompt(agentTask)
		result := executor.Run(ctx, prompt, agentrunner.Input{
			Description:   agentTask.Description,
			WorkingDir:    worktreePath,
			Handoff:       ps.handoff.String(),
			FileOwnership: fileOwnershipText(ps.task.Plan, role),
			ErrorContext:  errorContext,
		})

		snapshot := ps.cost.Record(ctx, role, model, result.InputTokens, result.OutputTokens, result.Duration)

		row.Output = result.Output
		row.FilesModified = result.FilesModified
		row.Duration = result.Duration
		row.Error = result.Error
		row.InputTokens += result.InputTokens
		row.OutputTokens += result.OutputTokens
		row.CostUSD += snapshot.CostUSD

		commitMsg := fmt.Sprintf("feat(%s): %s", role, truncate(agentTask.Description, 60))
		if _, _, commitErr := ps.worktrees.CommitAgentWork(ctx, role, commitMsg); commitErr != nil {
			o.logger.Error("commit agent work for role %s: %v", role, commitErr)
		}

		testResult := o.deps.Gate.Run(ctx, worktreePath, schema.LevelFast)
		delta := ps.regress.Check(ctx, role, testResult)
		if o.deps.Store != nil {
			if err := o.deps.Store.SaveTestResult(ctx, ps.task.ID, row.ID, testResult, delta.NewlyFailing); err != nil {
				o.logger.Error("persist test result: %v", err)
			}
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveRegression(ps.task.ID, role, delta.NewlyFailing)
		}

		accepted := result.Status == schema.AgentSuccess && testResult.Passed
		if accepted {
			row.Status = schema.AgentSuccess
			row.CompletedAt = time.Now()
			o.saveAgentRun(ctx, row)
			if o.deps.Metrics != nil {
				o.deps.Metrics.ObserveAttempt(role, "success")
			}
			ps.succeeded = append(ps.succeeded, role)
			footprint := ps.worktrees.DiffSummaries(ctx, role, ps.worktrees.BaseBranch(ctx))
			ps.handoff.WriteString(handoffSummary(role, result, footprint))
			o.emitDashboard(ps)
			return nil
		}

		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveAttempt(role, "retry")
		}
		errorContext = testgate.Compact(testResult, delta.NewlyFailing)
		if result.Errors != "" {
			errorContext += "\nAGENT ERROR: " + result.Errors
		}

		if attempt < o.deps.MaxRetries {
			row.Status = schema.AgentRetrying
			o.saveAgentRun(ctx, row)
			ps.task.RetryCount++
		}
	}

	row.Status = schema.AgentFailed
	row.CompletedAt = time.Now()
	o.saveAgentRun(ctx, row)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveAttempt(role, "failed")
	}
	ps.task.RetryCount += o.deps.MaxRetries
	_ = ps.worktrees.Remove(ctx, role)
	o.emitDashboard(ps)
	return fmt.Errorf("agent role %q exhausted %d retries", role, o.deps.MaxRetries)
}

func composePrompt(agentTask schema.AgentTask) string {
	modify := "as needed"
	if len(agentTask.FilesToModify) > 0 {
		modify = strings.Join(agentTask.FilesToModify, ", ")
	}
	create := "as needed"
	if len(agentTask.FilesToCreate) > 0 {
		create = strings.Join(agentTask.FilesToCreate, ", ")
	}
	return fmt.Sprintf("Task: %s\nFiles to modify: %s\nFiles to create: %s", agentTask.Description, modify, create)
}

func fileOwnershipText(plan *schema.ExecutionPlan, role string) string {
	if plan == nil || len(plan.FileOwnership) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("File ownership:\n")
	for file, owner := range plan.FileOwnership {
		if owner == role {
			b.WriteString(fmt.Sprintf("- %s (yours)\n", file))
		}
	}
	for _, shared := range plan.SharedFiles {
		b.WriteString(fmt.Sprintf("- %s (shared)\n", shared))
	}
	return b.String()
}

func handoffSummary(role string, result agentrunner.Result, footprint []diffstat.Summary) string {
	files := "none"
	if len(result.FilesModified) > 0 {
		files = strings.Join(result.FilesModified, ", ")
	}
	return fmt.Sprintf("## %s (done)\nFiles: %s\nTests added: %d\nFootprint: %s\n\n",
		role, files, result.TestsAdded, diffstat.FormatSummaries(footprint))
}

// --- MERGING -------------------------------------------------------------

func (o *Orchestrator) merging(ctx context.Context, ps *pipelineState) error {
	ctx, span := o.tracer.Start(ctx, string(schema.TaskMerging))
	defer span.End()
	o.transition(ps, schema.TaskMerging)
	o.emitDashboard(ps)

	ps.task.IntegrationBranch = ps.worktrees.IntegrationBranch()
	conflicts, err := ps.worktrees.MergeToIntegration(ctx, ps.succeeded)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("merge conflicts: %s", strings.Join(conflicts, "; "))
	}
	return nil
}

// --- TESTING ---------------------------------------------------------------

func (o *Orchestrator) testing(ctx context.Context, ps *pipelineState) error {
	ctx, span := o.tracer.Start(ctx, string(schema.TaskTesting))
	defer span.End()
	o.transition(ps, schema.TaskTesting)
	o.emitDashboard(ps)

	result := o.deps.Gate.Run(ctx, ps.task.ProjectPath, schema.LevelNormal)
	if !result.Passed {
		delta := ps.regress.Check(ctx, "post-merge", result)
		return fmt.Errorf("%s", testgate.Compact(result, delta.NewlyFailing))
	}
	return nil
}

// --- shared helpers --------------------------------------------------------

func (o *Orchestrator) transition(ps *pipelineState, to schema.TaskStatus) {
	if !schema.ValidTransition(ps.task.Status, to) {
		o.logger.Warn("invalid transition %s -> %s for task %s", ps.task.Status, to, ps.task.ID)
	}
	ps.task.Status = to
	ps.task.UpdatedAt = time.Now()
}

func (o *Orchestrator) saveTask(ctx context.Context, task *schema.Task) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveTask(ctx, task); err != nil {
		o.logger.Error("persist task: %v", err)
	}
}

func (o *Orchestrator) saveAgentRun(ctx context.Context, run *schema.AgentRun) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveAgentRun(ctx, run); err != nil {
		o.logger.Error("persist agent run: %v", err)
	}
}

func (o *Orchestrator) emitDashboard(ps *pipelineState) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("progress callback panicked: %v", r)
		}
	}()
	o.deps.OnProgress(buildDashboard(ps, o.deps.Budget))
}

func buildDashboard(ps *pipelineState, budget float64) schema.Dashboard {
	d := schema.Dashboard{
		TaskID:    ps.task.ID,
		Status:    ps.task.Status,
		BudgetUSD: budget,
		Error:     ps.task.Error,
	}
	if ps.cost != nil {
		d.TotalCostUSD = ps.cost.TotalCost()
		d.BudgetPercent = ps.cost.BudgetPercent()
	}
	if ps.regress != nil {
		d.BaselineTests = ps.regress.Baseline().PassingTests
		d.Regressions = ps.regress.TotalRegressions()
	}
	for _, run := range ps.agentRuns {
		d.Agents = append(d.Agents, schema.DashboardAgentRow{
			Role:         run.Role,
			Status:       run.Status,
			CostUSD:      run.CostUSD,
			FilesChanged: len(run.FilesModified),
			Attempt:      run.Attempt,
			Error:        run.Error,
		})
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func truncateError(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}
