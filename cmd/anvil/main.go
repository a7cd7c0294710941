// Command anvil is the CLI surface for the multi-agent build orchestrator:
// `anvil build <project_path> <description>` launches a pipeline run,
// `anvil status [task_id]` reports that no task history is available, since
// the store is process-local and a separate process never sees it. Grounded on
// cmd/cobra_cli.go (NewRootCommand + subcommand registration, viper
// config-file wiring) and cmd/task-orchestrator/main.go (flag parsing ->
// dependency construction -> Run(ctx, ...) -> os.Exit on error), stripped of
// the TUI/color/emoji output since that front-end layer is out of scope
// here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"anvil/internal/agentrunner"
	"anvil/internal/config"
	"anvil/internal/logging"
	"anvil/internal/metrics"
	"anvil/internal/orchestrator"
	"anvil/internal/schema"
	"anvil/internal/store"
	"anvil/internal/testgate"
	"anvil/internal/worktree"
)

var log = logging.NewComponentLogger("CLI")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "anvil",
		Short: "Multi-agent build orchestrator",
		Long: `anvil runs planned, multi-role LLM coding agents against isolated git
worktrees, gates their work with tiered test commands, tracks cost against a
budget, and merges accepted work back onto an integration branch.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to an anvil-config.yaml (optional; falls back to discovery + env)")

	root.AddCommand(newBuildCommand(&configPath))
	root.AddCommand(newStatusCommand(&configPath))
	return root
}

func newBuildCommand(configPath *string) *cobra.Command {
	var (
		budget     float64
		namespace  string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "build <project_path> <description...>",
		Short: "Launch the orchestrator against a project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectPath, err := expandHome(args[0])
			if err != nil {
				return err
			}
			if info, statErr := os.Stat(projectPath); statErr != nil || !info.IsDir() {
				return fmt.Errorf("project_path %q is not a directory", projectPath)
			}
			if !hasToolchainManifest(projectPath) {
				return fmt.Errorf("project_path %q does not contain a recognized toolchain manifest (go.mod, package.json, Cargo.toml, pyproject.toml)", projectPath)
			}
			description := strings.Join(args[1:], " ")

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if budget > 0 {
				cfg.Budget = budget
			}
			if namespace != "" {
				cfg.Namespace = namespace
			}
			if maxRetries > 0 {
				cfg.MaxRetries = maxRetries
			}

			return runBuild(cmd.Context(), cfg, projectPath, description)
		},
	}

	cmd.Flags().Float64Var(&budget, "budget", 0, "USD budget for this task (0 = use the configured budget; a configured budget of 0 is unbounded)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "Branch namespace override (default from config)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Per-agent retry ceiling override (default from config)")
	return cmd
}

func runBuild(ctx context.Context, cfg *config.Config, projectPath, description string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("received interrupt, cancelling task")
		cancel()
	}()

	s := store.NewInMemoryStore()
	metricsReg := metrics.New(prometheus.NewRegistry())

	gate := testgate.New(defaultCommandSet(projectPath))

	models := map[string]string{
		"planner":  "sonnet",
		"backend":  "sonnet",
		"frontend": "sonnet",
		"default":  "sonnet",
	}

	deps := orchestrator.Dependencies{
		Store: s,
		Gate:  gate,
		Worktrees: func(taskID string) orchestrator.WorktreeManager {
			return worktree.New(projectPath, taskID, cfg.Namespace)
		},
		Metrics: metricsReg,
		Executors: func(role string) orchestrator.AgentExecutor {
			model := models[role]
			if model == "" {
				model = models["default"]
			}
			return agentrunner.New(agentrunner.AgentConfig{
				Role:       role,
				PromptFile: filepath.Join(projectPath, ".anvil", "prompts", role+".md"),
				Model:      model,
				Timeout:    cfg.AgentTimeout,
				Budget:     cfg.Budget,
			})
		},
		Models:     models,
		Budget:     cfg.Budget,
		MaxRetries: cfg.MaxRetries,
		Namespace:  cfg.Namespace,
		OnProgress: printDashboard,
	}

	o := orchestrator.New(deps)
	task, err := o.Run(ctx, projectPath, description)
	if err != nil {
		fmt.Printf("\ntask %s failed: %v\n", task.ID, err)
		return err
	}

	fmt.Printf("\ntask %s done — cost $%.4f, %d tokens, integration branch %s\n",
		task.ID, task.TotalCostUSD, task.TotalTokens, task.IntegrationBranch)
	return nil
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task_id]",
		Short: "Report task status (no task history is kept between processes)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The store is process-scoped (durable persistence is an
			// external collaborator out of scope here), so `status` only has
			// anything to show when invoked against a still-running anvil
			// process's store — not modeled over a CLI boundary here. This
			// prints a friendly explanation rather than pretending to read
			// state that was never persisted.
			if len(args) == 1 {
				fmt.Printf("no record of task %s in this process\n", args[0])
				return nil
			}
			fmt.Println("no tasks recorded in this process yet — run `anvil build` first")
			return nil
		},
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

var toolchainManifests = []string{"go.mod", "package.json", "Cargo.toml", "pyproject.toml"}

func hasToolchainManifest(projectPath string) bool {
	for _, name := range toolchainManifests {
		if _, err := os.Stat(filepath.Join(projectPath, name)); err == nil {
			return true
		}
	}
	return false
}

func defaultCommandSet(projectPath string) testgate.CommandSet {
	cs := testgate.CommandSet{
		Smoke:   []string{"go", "vet", "./..."},
		Fast:    []string{"go", "test", "./...", "-short", "-count=1"},
		Normal:  []string{"go", "test", "./...", "-count=1"},
		Full:    []string{"go", "test", "./...", "-race", "-count=1"},
		Listing: []string{"go", "test", "-list", ".", "./..."},
	}
	// a package.json alongside go.mod means this project ships a front-end
	// that FULL must also build; a Go-only project leaves FrontendBuild nil
	// and the gate skips that step entirely.
	if _, err := os.Stat(filepath.Join(projectPath, "package.json")); err == nil {
		cs.FrontendBuild = []string{"npm", "run", "build"}
	}
	return cs
}

func printDashboard(d schema.Dashboard) {
	fmt.Printf("[%s] %s — $%.4f (%.0f%% of budget), %d regressions\n",
		d.Status.Icon(), d.Status, d.TotalCostUSD, d.BudgetPercent, d.Regressions)
	for _, row := range d.Agents {
		suffix := ""
		if row.Error != "" {
			suffix = " — " + row.Error
		}
		fmt.Printf("  %-10s %-10s attempt=%d files=%d$%.4f%s\n",
			row.Role, row.Status, row.Attempt, row.FilesChanged, row.CostUSD, suffix)
	}
}

