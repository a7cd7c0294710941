// Package regression holds the immutable test baseline and the per-role
// test deltas computed from it, exposing the "did this agent regress?"
// predicate the Orchestrator consults after every test-gate run. The
// append-record/derive-summary shape mirrors the
// internal/agent/app/cost_tracker.go aggregation pattern, applied here to
// test deltas instead of cost records.
package regression

import (
	"context"
	"sync"
	"time"

	"anvil/internal/logging"
	"anvil/internal/schema"
	"anvil/internal/store"
)

// Tracker holds one task's baseline and accumulates per-role deltas.
type Tracker struct {
	taskID   string
	baseline schema.TestBaseline
	store    store.Store
	logger   logging.Logger

	mu      sync.Mutex
	deltas  map[string]schema.TestDelta
}

// New constructs a Tracker for one task's baseline.
func New(taskID string, baseline schema.TestBaseline, s store.Store) *Tracker {
	return &Tracker{
		taskID:   taskID,
		baseline: baseline,
		store:    s,
		logger:   logging.NewComponentLogger("RegressionTracker"),
		deltas:   make(map[string]schema.TestDelta),
	}
}

// Baseline returns the immutable baseline this tracker was built with.
func (t *Tracker) Baseline() schema.TestBaseline {
	return t.baseline
}

// Check computes the delta for role against the baseline, persists a
// regression-log entry, records the delta, and returns it.
func (t *Tracker) Check(ctx context.Context, role string, result schema.TestResult) schema.TestDelta {
	delta := schema.Compare(t.baseline, result)

	t.mu.Lock()
	t.deltas[role] = delta
	t.mu.Unlock()

	rate := 0.0
	if t.baseline.PassingTests > 0 {
		rate = float64(delta.NewlyFailing) / float64(t.baseline.PassingTests)
	}

	entry := schema.RegressionLogEntry{
		TaskID:         t.taskID,
		Role:           role,
		TestsBefore:    t.baseline.PassingTests,
		TestsAfter:     result.PassedCount,
		Regressions:    delta.NewlyFailing,
		NewTests:       delta.NewlyAdded,
		RegressionRate: rate,
		CreatedAt:      time.Now(),
	}

	if t.store != nil {
		if err := t.store.SaveRegressionLog(ctx, entry); err != nil {
			t.logger.Error("persist regression log: %v", err)
		}
	}

	return delta
}

// HasRegression reports whether role's most recent delta broke any tests.
func (t *Tracker) HasRegression(role string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delta, ok := t.deltas[role]
	if !ok {
		return false
	}
	return delta.NewlyFailing > 0
}

// TotalRegressions sums NewlyFailing across every role checked so far.
func (t *Tracker) TotalRegressions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, d := range t.deltas {
		total += d.NewlyFailing
	}
	return total
}
