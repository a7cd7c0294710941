// Package costtracker implements the per-invocation cost accumulator and
// budget-threshold watch. The accumulate-then-derive shape (append an
// immutable record, aggregate from the full list) is grounded on
// internal/agent/app/cost_tracker.go; the rates table and
// threshold-callback rule are this package's own, covering a different
// model catalog (Claude model tiers rather than OpenAI/DeepSeek/Llama).
package costtracker

import (
	"context"
	"sync"
	"time"

	"anvil/internal/logging"
	"anvil/internal/schema"
	"anvil/internal/store"
)

// Rate is the per-million-token price for one model.
type Rate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultRates is the default per-model rate table.
var DefaultRates = map[string]Rate{
	"opus":   {InputPerMillion: 15, OutputPerMillion: 75},
	"sonnet": {InputPerMillion: 3, OutputPerMillion: 15},
	"haiku":  {InputPerMillion: 0.25, OutputPerMillion: 1.25},
}

const fallbackModel = "sonnet"

// ThresholdCallback fires the first time budget_percent crosses a threshold.
// Callbacks are best-effort: panics/errors are recovered and logged, never
// propagated to the caller of Record.
type ThresholdCallback func(taskID string, threshold int, percent float64)

// Tracker accumulates CostSnapshots for one task and watches budget
// thresholds.
type Tracker struct {
	taskID   string
	budget   float64
	rates    map[string]Rate
	onThresh ThresholdCallback
	store    store.Store
	logger   logging.Logger

	mu         sync.Mutex
	snapshots  []schema.CostSnapshot
	firedTiers map[int]bool
}

// Option customizes a Tracker at construction.
type Option func(*Tracker)

// WithRates overrides the default per-million-token rate table.
func WithRates(rates map[string]Rate) Option {
	return func(t *Tracker) {
		if len(rates) > 0 {
			t.rates = rates
		}
	}
}

// WithStore wires a Store for write-through persistence of snapshots.
func WithStore(s store.Store) Option {
	return func(t *Tracker) { t.store = s }
}

// New constructs a Tracker for one task.
func New(taskID string, budget float64, onThreshold ThresholdCallback, opts ...Option) *Tracker {
	t := &Tracker{
		taskID:     taskID,
		budget:     budget,
		rates:      DefaultRates,
		onThresh:   onThreshold,
		logger:     logging.NewComponentLogger("CostTracker"),
		firedTiers: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record computes the cost of one invocation, appends the snapshot, persists
// it, and evaluates budget thresholds. Threshold callbacks are best-effort.
func (t *Tracker) Record(ctx context.Context, role, model string, inputTokens, outputTokens int, duration time.Duration) schema.CostSnapshot {
	rate, ok := t.rates[model]
	if !ok {
		rate = t.rates[fallbackModel]
	}
	cost := (float64(inputTokens)*rate.InputPerMillion + float64(outputTokens)*rate.OutputPerMillion) / 1e6

	snapshot := schema.CostSnapshot{
		AgentRole:    role,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Duration:     duration.String(),
	}

	t.mu.Lock()
	t.snapshots = append(t.snapshots, snapshot)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveCostSnapshot(ctx, t.taskID, snapshot); err != nil {
			t.logger.Error("persist cost snapshot: %v", err)
		}
	}

	t.evaluateThresholds()
	return snapshot
}

// TotalCost returns the sum of every recorded snapshot's cost.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, s := range t.snapshots {
		total += s.CostUSD
	}
	return total
}

// TotalTokens returns the sum of input+output tokens across all snapshots.
func (t *Tracker) TotalTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int
	for _, s := range t.snapshots {
		total += s.InputTokens + s.OutputTokens
	}
	return total
}

// BudgetPercent returns total cost as a percentage of the budget. A zero or
// negative budget reports 0 (no budget configured means no threshold watch).
func (t *Tracker) BudgetPercent() float64 {
	if t.budget <= 0 {
		return 0
	}
	return (t.TotalCost() / t.budget) * 100
}

// BudgetExceeded reports whether total cost has reached the budget.
func (t *Tracker) BudgetExceeded() bool {
	if t.budget <= 0 {
		return false
	}
	return t.TotalCost() >= t.budget
}

var thresholdTiers = []int{50, 80, 100}

func (t *Tracker) evaluateThresholds() {
	percent := t.BudgetPercent()
	if percent <= 0 {
		return
	}
	for _, tier := range thresholdTiers {
		t.mu.Lock()
		already := t.firedTiers[tier]
		if !already && percent >= float64(tier) {
			t.firedTiers[tier] = true
		}
		shouldFire := !already && percent >= float64(tier)
		t.mu.Unlock()

		if shouldFire && t.onThresh != nil {
			t.safeCallback(tier, percent)
		}
	}
}

func (t *Tracker) safeCallback(tier int, percent float64) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("threshold callback panicked: %v", r)
		}
	}()
	t.onThresh(t.taskID, tier, percent)
}
