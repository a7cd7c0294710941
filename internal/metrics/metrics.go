// Package metrics exposes a small Prometheus registry for the budget and
// regression signals the cost tracker and regression tracker produce. No
// reference repo carried a full metrics-registration example, so
// registration follows the standard client_golang idiom directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the orchestrator's Prometheus collectors.
type Registry struct {
	BudgetPercent  *prometheus.GaugeVec
	TotalCostUSD   *prometheus.GaugeVec
	Regressions    *prometheus.GaugeVec
	AgentAttempts  *prometheus.CounterVec
}

// New constructs and registers the orchestrator's collectors against reg.
// Pass prometheus.NewRegistry() in production, or a throwaway registry in
// tests to avoid collisions with the global default registry.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BudgetPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anvil",
			Name:      "budget_percent",
			Help:      "Percentage of the task budget consumed so far.",
		}, []string{"task_id"}),
		TotalCostUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anvil",
			Name:      "total_cost_usd",
			Help:      "Total accumulated cost in USD for a task.",
		}, []string{"task_id"}),
		Regressions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anvil",
			Name:      "regressions_total",
			Help:      "Number of tests newly failing versus baseline.",
		}, []string{"task_id", "role"}),
		AgentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anvil",
			Name:      "agent_attempts_total",
			Help:      "Number of agent invocation attempts by role and outcome.",
		}, []string{"role", "outcome"}),
	}
	reg.MustRegister(r.BudgetPercent, r.TotalCostUSD, r.Regressions, r.AgentAttempts)
	return r
}

// ObserveCost updates the budget/cost gauges for a task. Best-effort: caller
// decides whether to log failures, this function cannot itself fail.
func (r *Registry) ObserveCost(taskID string, totalCostUSD, budgetPercent float64) {
	if r == nil {
		return
	}
	r.TotalCostUSD.WithLabelValues(taskID).Set(totalCostUSD)
	r.BudgetPercent.WithLabelValues(taskID).Set(budgetPercent)
}

// ObserveRegression updates the regression gauge for one task/role pair.
func (r *Registry) ObserveRegression(taskID, role string, newlyFailing int) {
	if r == nil {
		return
	}
	r.Regressions.WithLabelValues(taskID, role).Set(float64(newlyFailing))
}

// ObserveAttempt increments the attempt counter for a role/outcome pair.
func (r *Registry) ObserveAttempt(role, outcome string) {
	if r == nil {
		return
	}
	r.AgentAttempts.WithLabelValues(role, outcome).Inc()
}
