package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/drydock-sh/drydock/internal/config"
	"github.com/drydock-sh/drydock/internal/logging"
	"github.com/drydock-sh/drydock/internal/orchestrator"
	"github.com/drydock-sh/drydock/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var otelEndpoint string
	var core *orchestrator.Orchestrator

	root := &cobra.Command{
		Use:           "drydock",
		Short:         "Drydock restart orchestrator for usage-limited CLI sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP trace collector endpoint override")

	var telemetryShutdown func()
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		switch {
		case otelEndpoint != "":
			telemetry.SetEndpointOverride(otelEndpoint)
		case cfg.Telemetry.Endpoint != "":
			telemetry.SetEndpointOverride(cfg.Telemetry.Endpoint)
		}
		shutdown, err := telemetry.Init(cmd.Context())
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		telemetryShutdown = shutdown

		core, err = orchestrator.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize orchestrator: %w", err)
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}
	root.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if telemetryShutdown != nil {
			telemetryShutdown()
		}
	}

	root.AddCommand(
		newStartCommand(&core),
		newStopCommand(&core),
		newStatusCommand(&core),
		newRestartCommand(&core),
		newLogsCommand(&core),
		newReloadCommand(&core),
		newQueueCommand(&core),
	)
	return root
}

func newStartCommand(core **orchestrator.Orchestrator) *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "start <command...>",
		Short: "Launch and monitor a supervised CLI session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			sess, err := (*core).StartMonitoring(cmd.Context(), command, workDir, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s started (pid %d)\n", sess.ID, sess.PID)

			// Monitoring runs until interrupted; the orchestrator's control
			// loop does the work in the background.
			waitCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-waitCtx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return (*core).Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory for the supervised process")
	return cmd
}

func newStopCommand(core **orchestrator.Orchestrator) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop monitoring a session and terminate its process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*core).StopMonitoring(cmd.Context(), args[0])
		},
	}
}

func newStatusCommand(core **orchestrator.Orchestrator) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator and session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status := (*core).SystemStatus()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:            %s\n", status.State)
			fmt.Fprintf(out, "active sessions:  %d\n", status.ActiveSessions)
			fmt.Fprintf(out, "waiting sessions: %d\n", status.WaitingSessions)
			fmt.Fprintf(out, "waiting periods:  %d\n", status.WaitingPeriods)
			fmt.Fprintf(out, "detections:       %d\n", status.TotalDetections)
			fmt.Fprintf(out, "restarts:         %d\n", status.TotalRestarts)
			fmt.Fprintf(out, "crashes:          %d\n", status.TotalCrashes)
			fmt.Fprintf(out, "queued tasks:     %d\n", status.QueuedTasks)
			fmt.Fprintf(out, "uptime:           %s\n", status.Uptime.Round(time.Second))
			if status.LastError != "" {
				fmt.Fprintf(out, "last error:       %s\n", status.LastError)
			}
			if period := (*core).PrimaryPeriod(); period != nil && period.IsActive() {
				fmt.Fprintf(out, "cooldown ends:    %s (%s remaining)\n",
					period.EndTime.Format(time.RFC3339),
					period.Remaining(time.Now()).Round(time.Second),
				)
			}
			for _, sess := range (*core).Sessions() {
				fmt.Fprintf(out, "session %s: %s pid=%d detections=%d restarts=%d\n",
					sess.ID, sess.Status, sess.PID, sess.DetectionCount, sess.RestartCount)
			}
			return nil
		},
	}
}

func newRestartCommand(core **orchestrator.Orchestrator) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <session-id>",
		Short: "Restart a session immediately, outside any cooldown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*core).RestartNow(cmd.Context(), args[0])
		},
	}
}

func newLogsCommand(core **orchestrator.Orchestrator) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent orchestrator activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, line := range (*core).RecentLogs(count) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 50, "number of entries to show")
	return cmd
}

func newReloadCommand(core **orchestrator.Orchestrator) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read configuration and apply hot-swappable settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return (*core).ReloadConfig(cmd.Context())
		},
	}
}

func newQueueCommand(core **orchestrator.Orchestrator) *cobra.Command {
	queue := &cobra.Command{
		Use:   "queue",
		Short: "Manage follow-up tasks replayed after the next restart",
	}

	var persona, guideline, notes string
	var postCommands []string
	add := &cobra.Command{
		Use:   "add <description>",
		Short: "Enqueue a follow-up task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := (*core).QueueAdd(strings.Join(args, " "), persona, guideline, notes, postCommands)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s queued\n", task.ID)
			return nil
		},
	}
	add.Flags().StringVar(&persona, "persona", "", "persona prompt sent before the task")
	add.Flags().StringVar(&guideline, "guideline", "", "guideline prompt sent before the task")
	add.Flags().StringVar(&notes, "notes", "", "free-form notes sent before the task")
	add.Flags().StringArrayVar(&postCommands, "post", nil, "command sent after the task (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending follow-up tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks := (*core).QueueList()
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}
			for i, task := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. [%s] %s\n", i+1, task.ID, task.Description)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <index...>",
		Short: "Remove tasks by 1-based position",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indices := make([]int, 0, len(args))
			for _, arg := range args {
				index, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("invalid index %q: %w", arg, err)
				}
				indices = append(indices, index)
			}
			removed, err := (*core).QueueRemove(indices)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d task(s)\n", len(removed))
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Drop all pending tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d task(s)\n", (*core).QueueClear())
			return nil
		},
	}

	queue.AddCommand(add, list, remove, clear)
	return queue
}
