package schema

// AgentTask is one unit of planned work assigned to a role.
type AgentTask struct {
	Role            string
	Description     string
	FilesToModify   []string
	FilesToCreate   []string
	DependsOn       []string
}

// ExecutionPlan is the planner agent's output: the ordered work breakdown.
type ExecutionPlan struct {
	TaskID                string
	Description           string
	Stack                 []string
	FileOwnership         map[string]string
	SharedFiles           []string
	Agents                []AgentTask
	EstimatedCostUSD      float64
	EstimatedDuration     string
	EstimatedInputTokens  int
	EstimatedOutputTokens int
}

// CostSnapshot is an immutable per-invocation cost record.
type CostSnapshot struct {
	AgentRole    string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     string
}

// DashboardAgentRow projects one AgentRun's status for the dashboard.
type DashboardAgentRow struct {
	Role         string
	Status       AgentStatus
	CostUSD      float64
	FilesChanged int
	Attempt      int
	Error        string
}

// Dashboard is the derived, emit-on-every-state-change snapshot of a task.
type Dashboard struct {
	TaskID          string
	Status          TaskStatus
	Agents          []DashboardAgentRow
	TotalCostUSD    float64
	BudgetUSD       float64
	BudgetPercent   float64
	BaselineTests   int
	Regressions     int
	Error           string
}
