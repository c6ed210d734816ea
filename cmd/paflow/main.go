package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/mpataki/paflow/internal/config"
	"github.com/mpataki/paflow/internal/ingest"
	"github.com/mpataki/paflow/internal/llm"
	paflowlog "github.com/mpataki/paflow/internal/log"
	"github.com/mpataki/paflow/internal/mcpserver"
	"github.com/mpataki/paflow/internal/models"
	"github.com/mpataki/paflow/internal/orchestrator"
	"github.com/mpataki/paflow/internal/pipeline"
	"github.com/mpataki/paflow/internal/report"
	"github.com/mpataki/paflow/internal/skill"
	"github.com/mpataki/paflow/internal/storage"
	"github.com/mpataki/paflow/internal/tools"
	"github.com/mpataki/paflow/internal/tracing"
	"github.com/mpataki/paflow/internal/tui"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "paflow",
		Short:   "Prior authorization review pipeline",
		Long:    "paflow runs a prior authorization case through a sequence of LLM skills and reports the decision.",
		Version: version,
		RunE:    runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSkillsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newToolsCommand())
	rootCmd.AddCommand(newMCPCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "browse",
		Short: "Browse recorded runs",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore loads the config and opens the run database.
func openStore() (*config.Config, *storage.Storage, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	orch := orchestrator.New(store, cfg.WorkspacesDir(), paflowlog.New(paflowlog.FromEnv()))

	app := tui.NewApp(orch)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

// newRegistry wires the lookup tools to the search and NPI clients. Both
// clients share one limiter.
func newRegistry(cfg *config.Config, recorder tools.Recorder, logger *slog.Logger) *tools.Registry {
	limiter := rate.NewLimiter(rate.Limit(cfg.ToolRPS), 1)
	registry := tools.NewRegistry(logger, recorder)
	tools.RegisterDefaults(registry,
		tools.NewTavilyClient(cfg.TavilyAPIKey, cfg.TavilyURL, limiter),
		tools.NewNPIClient(cfg.NPIURL, limiter),
	)
	return registry
}

func newProvider(cfg *config.Config, registry *tools.Registry, logger *slog.Logger) (llm.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model, registry, cfg.MaxToolTurns, logger), nil
	case config.ProviderAzure:
		return llm.NewAzure(cfg.AzureAPIKey, cfg.AzureEndpoint, cfg.Model, registry, cfg.MaxToolTurns, logger), nil
	default:
		// claude reaches the tools through this binary's mcp command
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate paflow binary: %w", err)
		}
		return llm.NewClaudeCLI(cfg.Model, self, cfg.MaxToolTurns, logger), nil
	}
}

func loadSkills(dir string, logger *slog.Logger) []*models.SkillSpec {
	loaded := skill.Load(dir)
	for _, s := range loaded.Skipped {
		logger.Warn("skipping skill document", slog.String("path", s.Path), slog.Any("error", s.Err))
	}
	return loaded.Skills
}

// loadInputs reads the skills and case documents a run needs. It reports
// what is missing to w and returns false when there is nothing to run.
func loadInputs(w io.Writer, cfg *config.Config, logger *slog.Logger) ([]*models.SkillSpec, ingest.Result, bool) {
	skills := loadSkills(cfg.SkillsDir, logger)
	if len(pipeline.BuildPlan(skills).Stages) == 0 {
		fmt.Fprintf(w, "No runnable skills found in %s\n", cfg.SkillsDir)
		return nil, ingest.Result{}, false
	}

	docs := ingest.Load(cfg.InputsDir, cfg.FallbackInputDir, logger)
	if docs.Text == "" {
		fmt.Fprintf(w, "No documents found in %s or %s\n", cfg.InputsDir, cfg.FallbackInputDir)
		return nil, ingest.Result{}, false
	}
	logger.Info("documents loaded", slog.String("dir", docs.Dir), slog.Int("files", len(docs.Files)))
	return skills, docs, true
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline over a case's documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			noStore, _ := cmd.Flags().GetBool("no-store")

			cfg, err := config.New()
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("skills"); v != "" {
				cfg.SkillsDir = v
			}
			if v, _ := cmd.Flags().GetString("inputs"); v != "" {
				cfg.InputsDir = v
			}
			if v, _ := cmd.Flags().GetString("fallback"); v != "" {
				cfg.FallbackInputDir = v
			}

			logger := paflowlog.New(paflowlog.FromEnv())

			skills, docs, ok := loadInputs(cmd.OutOrStdout(), cfg, logger)
			if !ok {
				return nil
			}

			tracer, shutdown, err := tracing.Setup(cfg.Trace, os.Stderr)
			if err != nil {
				return err
			}
			defer shutdown(context.Background())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			var state models.CaseState
			if noStore {
				registry := newRegistry(cfg, nil, logger)
				provider, err := newProvider(cfg, registry, logger)
				if err != nil {
					return err
				}
				exec := pipeline.New(provider,
					pipeline.WithRegistry(registry),
					pipeline.WithTracer(tracer),
					pipeline.WithLogger(logger),
				)
				state = exec.Run(ctx, 0, skills, docs.Text)
			} else {
				if err := cfg.EnsureDataDir(); err != nil {
					return err
				}
				store, err := storage.New(cfg.DBPath)
				if err != nil {
					return err
				}
				defer store.Close()

				registry := newRegistry(cfg, store, logger)
				provider, err := newProvider(cfg, registry, logger)
				if err != nil {
					return err
				}

				orch := orchestrator.New(store, cfg.WorkspacesDir(), logger)
				run, err := orch.StartRun(cfg.SkillsDir, docs.Dir, provider.Name(), skills)
				if err != nil {
					return fmt.Errorf("failed to start run: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Created run #%d (case %s)\n", run.ID, run.CaseID)
				fmt.Fprintf(os.Stderr, "Workspace: %s\n", run.WorkspacePath)

				state, err = orch.Execute(ctx, run, provider, skills, docs.Text,
					pipeline.WithRegistry(registry),
					pipeline.WithTracer(tracer),
				)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Run completed with status: %s\n", run.Status)
			}

			return report.Render(os.Stdout, state)
		},
	}

	cmd.Flags().String("skills", "", "Skill documents directory (default $PAFLOW_SKILLS_DIR or ./skills)")
	cmd.Flags().String("inputs", "", "Case documents directory (default $PAFLOW_INPUTS_DIR or ./inputs)")
	cmd.Flags().String("fallback", "", "Directory read when the inputs directory has no documents")
	cmd.Flags().Bool("no-store", false, "Run without recording the run or writing a workspace")
	return cmd
}

func newSkillsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Show the loaded skills in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("dir"); v != "" {
				cfg.SkillsDir = v
			}

			loaded := skill.Load(cfg.SkillsDir)
			plan := pipeline.BuildPlan(loaded.Skills)

			if len(plan.Stages) == 0 {
				fmt.Printf("No runnable skills found in %s\n", cfg.SkillsDir)
			}
			for i, stage := range plan.Stages {
				fmt.Printf("  %d. %-32s [%s]\n", i+1, stage.Name(), stage.Gate)
			}

			planned := make(map[string]bool)
			for _, name := range plan.Names() {
				planned[name] = true
			}
			for _, s := range loaded.Skills {
				if !planned[s.Name] {
					fmt.Printf("  -  %-32s (not executed)\n", s.Name)
				}
			}
			for _, s := range loaded.Skipped {
				fmt.Printf("  !  %s: %v\n", s.Path, s.Err)
			}
			return nil
		},
	}

	cmd.Flags().String("dir", "", "Skill documents directory")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(runID)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			fmt.Printf("Run #%d: %s\n", run.ID, run.CaseID)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Created: %s\n", storage.FormatTimeAgo(run.CreatedAt))
			fmt.Printf("Skills: %s\n", run.SkillsDir)
			fmt.Printf("Documents: %s\n", run.DocumentsDir)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)
			if run.CurrentStep != "" {
				fmt.Printf("Current Step: %s\n", run.CurrentStep)
			}
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}

			execs, err := store.GetExecutionsForRun(runID)
			if err != nil {
				return err
			}
			calls, err := store.GetToolCallsForRun(runID)
			if err != nil {
				return err
			}

			if len(execs) > 0 {
				fmt.Println("\nSteps:")
				for _, exec := range execs {
					status := string(exec.Status)
					if exec.Status == models.StepCompleted && !exec.ParsedOK {
						status += ", raw"
					}
					if exec.Unverified {
						status += ", unverified"
					}
					fmt.Printf("  %d. %s [%s]\n", exec.SequenceNum, exec.Step, status)
					if exec.Reason != "" {
						fmt.Printf("       %s\n", exec.Reason)
					}
					for _, c := range calls {
						if c.Step == exec.Step {
							fmt.Printf("       %s %s [%s]\n", c.Tool, truncate(c.Args, 60), c.Status)
						}
					}
				}
			}

			for _, w := range report.Warnings(run.CaseState) {
				fmt.Printf("\n%s", w)
			}
			fmt.Println()
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(20)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				decision := ""
				if out, ok := run.CaseState.Output(models.StepDecisionEngine); ok {
					decision, _ = out["decision"].(string)
				}
				fmt.Printf("#%d %s [%s] %s %s\n",
					run.ID, run.CaseID, run.Status, decision,
					storage.FormatTimeAgo(run.CreatedAt))
			}

			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			orch := orchestrator.New(store, cfg.WorkspacesDir(), nil)
			if err := orch.DeleteRun(runID); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run #%d\n", runID)
			return nil
		},
	}
}

func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the lookup tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			registry := newRegistry(cfg, nil, paflowlog.New(paflowlog.FromEnv()))
			for _, t := range registry.List() {
				var params []string
				for _, p := range t.Params() {
					name := p.Name
					if !p.Required {
						name += "?"
					}
					params = append(params, name)
				}
				fmt.Printf("%s(%s)\n    %s\n", t.Name(), strings.Join(params, ", "), t.Description())
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "call <tool> [key=value...]",
		Short: "Invoke a lookup tool and print its JSON result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			toolArgs := make(map[string]any)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid argument %q (want key=value)", kv)
				}
				toolArgs[k] = v
			}

			registry := newRegistry(cfg, nil, paflowlog.New(paflowlog.FromEnv()))
			res, err := registry.Invoke(cmd.Context(), tools.ExecContext{Step: "cli"}, args[0], toolArgs)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	})
	return cmd
}

func newMCPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "mcp",
		Short:  "Serve the lookup tools over MCP stdio",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			step, _ := cmd.Flags().GetString("step")
			runID, _ := cmd.Flags().GetInt64("run")

			cfg, err := config.New()
			if err != nil {
				return err
			}
			// stdout carries the protocol
			logger := paflowlog.New(paflowlog.FromEnv())

			var recorder tools.Recorder
			if runID > 0 {
				store, err := storage.New(cfg.DBPath)
				if err != nil {
					return err
				}
				defer store.Close()
				recorder = store
			}

			registry := newRegistry(cfg, recorder, logger)
			srv := mcpserver.New(registry, tools.ExecContext{RunID: runID, Step: step}, version, logger)
			return srv.ServeStdio()
		},
	}

	cmd.Flags().String("step", "", "Step the tool calls are recorded against")
	cmd.Flags().Int64("run", 0, "Run the tool calls are recorded against")
	return cmd
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
