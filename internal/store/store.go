// Package store provides the keyed persistence port the orchestration engine
// writes through to. A durable store (messages, task records) is treated as
// an external collaborator out of scope here; this package is an in-memory
// stand-in implementing the same CRUD contract, grounded on
// InMemoryTaskStore (internal/delivery/server/app/task_store.go): a
// mutex-guarded map plus a component logger, swallowing persistence errors
// rather than aborting the pipeline.
package store

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"anvil/internal/logging"
	"anvil/internal/schema"
)

const recentTaskCacheSize = 10

// Store is the keyed CRUD port the Orchestrator and its components write
// through to.
type Store interface {
	SaveTask(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*schema.Task, bool)
	RecentTasks(ctx context.Context, limit int) []*schema.Task

	SaveAgentRun(ctx context.Context, run *schema.AgentRun) error
	AgentRunsForTask(ctx context.Context, taskID string) []*schema.AgentRun

	SaveTestResult(ctx context.Context, taskID, agentRunID string, result schema.TestResult, regressions int) error
	SaveRegressionLog(ctx context.Context, entry schema.RegressionLogEntry) error
	RegressionLog(ctx context.Context, taskID string) []schema.RegressionLogEntry

	SaveCostSnapshot(ctx context.Context, taskID string, snapshot schema.CostSnapshot) error
}

// InMemoryStore is a process-local Store. It is the only pipeline component
// shared across tasks; every other pipeline component is scoped to one task.
type InMemoryStore struct {
	mu           sync.Mutex
	tasks        map[string]*schema.Task
	recent       *lru.Cache[string, time.Time]
	agentRuns    map[string][]*schema.AgentRun
	testResults  map[string][]testResultRow
	regressions  map[string][]schema.RegressionLogEntry
	costs        map[string][]schema.CostSnapshot
	logger       logging.Logger
}

type testResultRow struct {
	agentRunID  string
	result      schema.TestResult
	regressions int
	createdAt   time.Time
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	cache, _ := lru.New[string, time.Time](recentTaskCacheSize)
	return &InMemoryStore{
		tasks:       make(map[string]*schema.Task),
		recent:      cache,
		agentRuns:   make(map[string][]*schema.AgentRun),
		testResults: make(map[string][]testResultRow),
		regressions: make(map[string][]schema.RegressionLogEntry),
		costs:       make(map[string][]schema.CostSnapshot),
		logger:      logging.NewComponentLogger("InMemoryStore"),
	}
}

func (s *InMemoryStore) SaveTask(_ context.Context, task *schema.Task) error {
	if task == nil || task.ID == "" {
		s.logger.Error("SaveTask: missing task id")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *task
	s.tasks[task.ID] = &clone
	s.recent.Add(task.ID, time.Now())
	return nil
}

func (s *InMemoryStore) GetTask(_ context.Context, id string) (*schema.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	clone := *t
	return &clone, true
}

// RecentTasks returns up to limit tasks ordered most-recently-touched first,
// backing the "10 most recent" /status view cheaply via the LRU cache's
// recency order rather than scanning every task.
func (s *InMemoryStore) RecentTasks(_ context.Context, limit int) []*schema.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = recentTaskCacheSize
	}
	keys := s.recent.Keys()
	out := make([]*schema.Task, 0, limit)
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		if t, ok := s.tasks[keys[i]]; ok {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out
}

func (s *InMemoryStore) SaveAgentRun(_ context.Context, run *schema.AgentRun) error {
	if run == nil || run.ID == "" {
		s.logger.Error("SaveAgentRun: missing run id")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *run
	rows := s.agentRuns[run.TaskID]
	for i, existing := range rows {
		if existing.ID == run.ID {
			rows[i] = &clone
			s.agentRuns[run.TaskID] = rows
			return nil
		}
	}
	s.agentRuns[run.TaskID] = append(rows, &clone)
	return nil
}

func (s *InMemoryStore) AgentRunsForTask(_ context.Context, taskID string) []*schema.AgentRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.agentRuns[taskID]
	out := make([]*schema.AgentRun, len(rows))
	for i, r := range rows {
		clone := *r
		out[i] = &clone
	}
	return out
}

func (s *InMemoryStore) SaveTestResult(_ context.Context, taskID, agentRunID string, result schema.TestResult, regressions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testResults[taskID] = append(s.testResults[taskID], testResultRow{
		agentRunID:  agentRunID,
		result:      result,
		regressions: regressions,
		createdAt:   time.Now(),
	})
	return nil
}

func (s *InMemoryStore) SaveRegressionLog(_ context.Context, entry schema.RegressionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regressions[entry.TaskID] = append(s.regressions[entry.TaskID], entry)
	return nil
}

func (s *InMemoryStore) RegressionLog(_ context.Context, taskID string) []schema.RegressionLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.RegressionLogEntry(nil), s.regressions[taskID]...)
}

func (s *InMemoryStore) SaveCostSnapshot(_ context.Context, taskID string, snapshot schema.CostSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs[taskID] = append(s.costs[taskID], snapshot)
	return nil
}
