package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/approval"
	"github.com/xkilldash9x/steersman/internal/browser"
	"github.com/xkilldash9x/steersman/internal/catalog"
	"github.com/xkilldash9x/steersman/internal/coordinator"
	"github.com/xkilldash9x/steersman/internal/interaction"
	"github.com/xkilldash9x/steersman/internal/llmclient"
	"github.com/xkilldash9x/steersman/internal/observability"
	"github.com/xkilldash9x/steersman/internal/orchestrator"
	"github.com/xkilldash9x/steersman/internal/planner"
	"github.com/xkilldash9x/steersman/internal/session"
	"github.com/xkilldash9x/steersman/internal/store"
)

var interventionMode string

var runCmd = &cobra.Command{
	Use:   "run \"task description\"",
	Short: "Run a browsing task to completion",
	Long: `Plans the task into milestones, drives a browser through them, and
prints the agent's final verdict. The run replans automatically when it gets
stuck and stops when the agent declares the task finished or impossible.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := observability.GetLogger()
		cfg := appCfg
		if interventionMode != "" {
			cfg.Agent.InterventionMode = schemas.InterventionMode(interventionMode)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.Agent.Workspace, 0o750); err != nil {
			return fmt.Errorf("creating workspace directory: %w", err)
		}

		gemini, err := llmclient.NewGeminiClient(ctx, cfg.LLM, logger)
		if err != nil {
			return fmt.Errorf("initializing language model client: %w", err)
		}
		router, err := llmclient.NewRouter(logger, gemini, gemini)
		if err != nil {
			return err
		}

		var (
			facts   session.FactStore
			auditor planner.Auditor
		)
		if cfg.Store.Path != "" {
			st, err := store.Open(cfg.Store.Path, logger)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()
			facts = st
			auditor = st
		}

		memory := session.New(ctx, cfg.Agent.InterventionMode, facts, logger)

		driver, err := browser.New(ctx, cfg.Browser, router, logger)
		if err != nil {
			return fmt.Errorf("starting browser: %w", err)
		}
		defer driver.Close()

		console := interaction.NewConsole(os.Stdin, os.Stdout)
		registry := catalog.NewRegistry(logger)
		state := &catalog.State{
			Browser:    driver,
			Session:    memory,
			LLM:        router,
			Interactor: console,
			Workspace:  cfg.Agent.Workspace,
			Logger:     logger,
		}
		gate := approval.NewGate(cfg.Agent.InterventionMode, console, cfg.Agent.ApprovalDelay, logger)

		plan := planner.New(router, auditor, cfg.Agent.MaxSchemaRetries, logger)
		coord := coordinator.New(router, registry, state, gate, cfg.Agent, logger)
		orch := orchestrator.New(plan, coord, memory, cfg.Agent, logger)

		result, err := orch.Run(ctx, args[0])
		if err != nil {
			return err
		}

		verdict := "FAILURE"
		if result.IsSuccess {
			verdict = "SUCCESS"
		}
		fmt.Fprintf(os.Stdout, "\n%s: %s\n", verdict, result.Reasoning)
		if !result.IsSuccess {
			logger.Warn("Task did not succeed", zap.String("reasoning", result.Reasoning))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&interventionMode, "mode", "m", "",
		"intervention mode: autonomous, confirm or edit (overrides config)")
	rootCmd.AddCommand(runCmd)
}
