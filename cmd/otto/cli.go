package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"otto/internal/backend"
	"otto/internal/backend/hosted"
	"otto/internal/backend/queue"
	"otto/internal/config"
	"otto/internal/orchestrator"
	"otto/internal/push"
	"otto/internal/shared/logging"
	"otto/internal/task"
)

var version = "dev"

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

type runOptions struct {
	backend string
	approve bool
	timeout time.Duration
}

// NewRootCommand builds the otto CLI.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "otto",
		Short:         "Submit and follow agent tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Submit a task and follow it to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), strings.Join(args, " "), opts)
		},
	}
	runCmd.Flags().StringVarP(&opts.backend, "backend", "b", "", "Backend override: queue or hosted")
	runCmd.Flags().BoolVarP(&opts.approve, "approve", "y", false, "Approve the plan without asking")
	runCmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 30*time.Minute, "Give up after this long")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("otto %s\n", version)
		},
	})
	return rootCmd
}

func buildOrchestrator(cfg *config.Config, logger logging.Logger) (*orchestrator.Orchestrator, error) {
	queueAdapter := queue.New(queue.Config{BaseURL: cfg.QueueBaseURL, APIKey: cfg.APIKey}, logger)
	hostedAdapter := hosted.New(hosted.Config{BaseURL: cfg.HostedBaseURL, APIKey: cfg.APIKey}, logger)

	selector, err := backend.NewSelector(cfg.Kind(), queueAdapter, hostedAdapter)
	if err != nil {
		return nil, err
	}

	var subscriber push.Subscriber
	if cfg.PushEnabled {
		wsURL := strings.Replace(cfg.PushBaseURL, "http", "ws", 1)
		subscriber = push.NewWSClient(wsURL, logger)
	}

	return orchestrator.New(orchestrator.Dependencies{
		Selector:     selector,
		Subscriber:   subscriber,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	})
}

func runTask(ctx context.Context, prompt string, opts *runOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.LogDir != "" {
		if err := os.Setenv("OTTO_LOG_DIR", cfg.LogDir); err != nil {
			return err
		}
	}
	logger := logging.NewComponentLogger("CLI")

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}
	defer orch.Reset()

	done := make(chan error, 1)
	orch.SetCallbacks(orchestrator.Callbacks{
		OnComplete: func(v orchestrator.View) {
			fmt.Println(green("✔ " + firstNonEmpty(v.Task.ResultSummary, "Task completed")))
			if v.Task.Result != "" && v.Task.Result != v.Task.ResultSummary {
				fmt.Println(v.Task.Result)
			}
			for _, out := range v.Outputs {
				fmt.Printf("%s %s\n", gray("output:"), out.FileName)
			}
			done <- nil
		},
		OnError: func(msg string) {
			done <- fmt.Errorf("%s", msg)
		},
		OnStepComplete: func(step *task.Step) {
			fmt.Printf("%s %s\n", green("✔"), step.Description)
		},
	})

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var override []backend.Kind
	if opts.backend != "" {
		override = append(override, backend.Kind(opts.backend))
	}

	fmt.Printf("%s %s\n", blue("▸"), bold(prompt))
	created, err := orch.CreateTask(ctx, prompt, task.CreateOptions{}, override...)
	if err != nil {
		return err
	}
	fmt.Printf("%s task %s on %s\n", gray("∙"), created.ID, orch.Backend())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return follow(ctx, orch, opts, done, sigCh)
}

// follow renders live progress until the task reaches a terminal state, the
// timeout expires, or the user interrupts.
func follow(ctx context.Context, orch *orchestrator.Orchestrator, opts *runOptions, done <-chan error, sigCh <-chan os.Signal) error {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	var lastStatus task.Status
	var lastLogSeq int64
	approvalAsked := false

	for {
		select {
		case err := <-done:
			if err != nil {
				fmt.Println(red("✘ " + err.Error()))
			}
			return err
		case <-sigCh:
			fmt.Println(yellow("Stopping task..."))
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			orch.StopTask(stopCtx)
			cancel()
			return fmt.Errorf("stopped by user")
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			orch.StopTask(stopCtx)
			cancel()
			return fmt.Errorf("timed out waiting for task")
		case <-ticker.C:
			view := orch.Snapshot()
			if view.Task == nil {
				continue
			}

			lastLogSeq = printNewLogs(view, lastLogSeq)

			if view.Task.Status != lastStatus {
				lastStatus = view.Task.Status
				printStatus(view)
			}

			if view.NeedsApproval && !approvalAsked {
				approvalAsked = true
				if opts.approve {
					fmt.Println(gray("∙ auto-approving plan"))
					orch.ApproveAndStart(ctx)
				} else {
					go askApproval(ctx, orch)
				}
			}

			// Stopped-by-user tasks end without an OnError callback.
			if view.IsTerminal && view.Task.Cancelled() {
				fmt.Println(yellow("Task stopped"))
				return nil
			}
		}
	}
}

func printStatus(view orchestrator.View) {
	switch view.Task.Status {
	case task.StatusPlanning:
		fmt.Println(blue("∙ planning"))
	case task.StatusAwaitingApproval:
		if view.Task.PlanSummary != "" {
			fmt.Printf("%s %s\n", blue("plan:"), view.Task.PlanSummary)
		}
	case task.StatusExecuting:
		fmt.Println(blue("∙ executing"))
	case task.StatusPaused:
		fmt.Println(yellow("∙ paused"))
	}
}

func printNewLogs(view orchestrator.View, after int64) int64 {
	last := after
	for _, line := range view.Logs {
		if line.Sequence > after {
			fmt.Printf("  %s\n", gray(line.Text))
			if line.Sequence > last {
				last = line.Sequence
			}
		}
	}
	return last
}

func askApproval(ctx context.Context, orch *orchestrator.Orchestrator) {
	fmt.Print(yellow("Approve plan? [y/N] "))
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "y" || answer == "yes" {
		orch.ApproveAndStart(ctx)
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orch.StopTask(stopCtx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
