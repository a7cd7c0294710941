// Package schema defines the shared data model for the orchestration engine:
// tasks, agent runs, test results/baselines/deltas, execution plans, cost
// snapshots and the dashboard projection. These are plain data types; no
// package in this module computes anything beyond what its own responsibility
// requires.
package schema

import "time"

// TaskStatus is a closed sum of the task lifecycle. Progression is monotonic
// except that Error and Cancelled are terminal from any prior state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskPlanning  TaskStatus = "planning"
	TaskExecuting TaskStatus = "executing"
	TaskMerging   TaskStatus = "merging"
	TaskTesting   TaskStatus = "testing"
	TaskDone      TaskStatus = "done"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskDone, TaskError, TaskCancelled:
		return true
	default:
		return false
	}
}

// Icon renders the one-character status glyph used by /status.
func (s TaskStatus) Icon() string {
	switch s {
	case TaskPending:
		return "."
	case TaskPlanning:
		return "~"
	case TaskExecuting:
		return ">"
	case TaskMerging:
		return "+"
	case TaskTesting:
		return "?"
	case TaskDone:
		return "✓"
	case TaskError:
		return "✗"
	case TaskCancelled:
		return "-"
	default:
		return " "
	}
}

// taskOrder encodes the valid forward path for FSM-monotonicity checks.
var taskOrder = map[TaskStatus]int{
	TaskPending:   0,
	TaskPlanning:  1,
	TaskExecuting: 2,
	TaskMerging:   3,
	TaskTesting:   4,
	TaskDone:      5,
}

// ValidTransition reports whether moving from `from` to `to` respects
// pipeline monotonicity: normal states only advance, Error/Cancelled are
// reachable from any non-terminal state, and terminal states never change.
func ValidTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == TaskError || to == TaskCancelled {
		return true
	}
	fromRank, fromOK := taskOrder[from]
	toRank, toOK := taskOrder[to]
	if !fromOK || !toOK {
		return false
	}
	return toRank >= fromRank
}

// Task is the top-level pipeline record.
type Task struct {
	ID                 string
	ProjectPath        string
	Description        string
	Status             TaskStatus
	Plan               *ExecutionPlan
	IntegrationBranch  string
	TotalCostUSD       float64
	TotalTokens        int
	RetryCount         int
	Error              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        time.Time
}

// AgentStatus is a closed sum of per-invocation agent status.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentSuccess   AgentStatus = "success"
	AgentFailed    AgentStatus = "failed"
	AgentRetrying  AgentStatus = "retrying"
)

// AgentRun is one attempt of one agent role within a task.
type AgentRun struct {
	ID            string
	TaskID        string
	Role          string
	Status        AgentStatus
	Model         string
	WorktreePath  string
	Branch        string
	Prompt        string
	Output        string
	CostUSD       float64
	InputTokens   int
	OutputTokens  int
	Duration      time.Duration
	FilesModified []string
	Attempt       int
	Error         string
	TraceID       string
	StartedAt     time.Time
	CompletedAt   time.Time
}
