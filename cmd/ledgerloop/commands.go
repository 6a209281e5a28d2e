package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/ledgerloop/internal/api"
	"github.com/pengelbrecht/ledgerloop/internal/control"
	"github.com/pengelbrecht/ledgerloop/internal/ledger"
	"github.com/pengelbrecht/ledgerloop/internal/logging"
	"github.com/pengelbrecht/ledgerloop/internal/metrics"
	"github.com/pengelbrecht/ledgerloop/internal/session"
	"github.com/pengelbrecht/ledgerloop/internal/tui"
	"github.com/pengelbrecht/ledgerloop/internal/update"
)

const shutdownTimeout = 30 * time.Second

// priorityFlag reads --priority, returning nil when it was not given.
func priorityFlag(cmd *cobra.Command) (*int, error) {
	if !cmd.Flags().Changed("priority") {
		return nil, nil
	}
	p, _ := cmd.Flags().GetInt("priority")
	if p < ledger.MinPriority || p > ledger.MaxPriority {
		return nil, fmt.Errorf("--priority must be %d-%d, got %d", ledger.MinPriority, ledger.MaxPriority, p)
	}
	return &p, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session in the foreground",
		Long: `Run works through the open tasks carrying --label until none are left.

Press Ctrl+C once to stop after the current task; press it again to abort
immediately. The exit code is 1 when the session ends FAILED.`,
		Args: cobra.NoArgs,
		RunE: runSession,
	}
	cmd.Flags().StringP("label", "l", "", "Only run tasks carrying this label (required)")
	cmd.Flags().IntP("priority", "p", 0, "Only run tasks with this exact priority (0-3)")
	cmd.Flags().IntP("max-tasks", "n", 0, "Stop after this many completed tasks (0 = no limit)")
	cmd.Flags().Bool("dry-run", false, "Show which tasks would run without running them")
	cmd.Flags().Bool("stream", false, "Print agent output as it arrives")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func runSession(cmd *cobra.Command, _ []string) error {
	label, _ := cmd.Flags().GetString("label")
	maxTasks, _ := cmd.Flags().GetInt("max-tasks")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	stream, _ := cmd.Flags().GetBool("stream")
	priority, err := priorityFlag(cmd)
	if err != nil {
		return err
	}
	if maxTasks < 0 {
		return errors.New("--max-tasks must not be negative")
	}

	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if notice := update.NewChecker(version, a.cfg.StateDir(), a.logger).Notice(cmd.Context()); notice != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), notice)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	token := &session.StopToken{}
	opts := controllerOptions{stop: session.AnySignal{token, session.NewFileSignal(a.cfg.StateDir())}}
	// A STOP file left by an earlier session is stale. Clear it before the
	// interrupt handler can request a stop of its own.
	opts.stop.Clear()
	if stream {
		opts.onOutput = func(chunk string) { fmt.Fprint(out, chunk) }
	}
	ctrl, err := a.buildController(ctx, opts)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "\nStopping after the current task (Ctrl+C again to abort)...")
		token.Request()
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "Aborting.")
			cancel()
		case <-ctx.Done():
		}
	}()

	res := ctrl.Run(ctx, session.Options{
		Label:    label,
		Priority: priority,
		MaxTasks: maxTasks,
		DryRun:   dryRun,
	})
	printSummary(out, res.Snapshot)

	if res.Snapshot.Status == session.StatusFailed {
		return fmt.Errorf("session failed: %s", res.ExitReason)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control plane over HTTP",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}
	cmd.Flags().String("addr", "", "Listen address (default from config)")
	return cmd
}

func serve(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	token := &session.StopToken{}
	stopSignal := session.AnySignal{token, session.NewFileSignal(a.cfg.StateDir())}
	ctrl, err := a.buildController(cmd.Context(), controllerOptions{stop: stopSignal})
	if err != nil {
		return err
	}
	svc := control.NewService(ctrl, token, control.Options{
		LogFile: a.cfg.Path(a.cfg.Log.File),
		Signal:  stopSignal,
		Logger:  a.logger,
	})
	ctrl.OnSnapshot = svc.Observe

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(svc, a.cfg.Server.APIKey, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("control plane listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("session shutdown failed", "error", err)
	}
	if res := svc.LastResult(); res != nil {
		a.logger.Info("last session", "status", res.Snapshot.Status, "reason", res.ExitReason,
			"completed", res.Snapshot.CompletedTasks, "failed", res.Snapshot.FailedTasks)
	}
	a.logger.Info("server stopped")
	return nil
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the current or last session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			snap, err := session.NewSnapshotStore(cfg.StateDir()).Load()
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSummary(cmd.OutOrStdout(), snap)

			if n, _ := cmd.Flags().GetInt("events"); n > 0 {
				return printRecentEvents(cmd, cfg.Metrics.SQLite, cfg.Path(cfg.Metrics.SQLite), n)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the raw snapshot as JSON")
	cmd.Flags().Int("events", 0, "Also show this many recent metric events (needs metrics.sqlite)")
	return cmd
}

// printRecentEvents lists the newest metric events from the SQLite sink.
func printRecentEvents(cmd *cobra.Command, configured, path string, n int) error {
	if configured == "" {
		return errors.New("--events needs metrics.sqlite in the config")
	}
	db, err := metrics.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.Recent(cmd.Context(), n)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nRecent events:")
	if len(events) == 0 {
		fmt.Fprintln(out, "  none")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range events {
		result := "ok"
		if e.Error != nil {
			result = truncateLine(*e.Error, 60)
		} else if !e.Success {
			result = "failed"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Event, e.TaskID, result)
	}
	return tw.Flush()
}

func truncateLine(s string, n int) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// printSummary writes a human-readable snapshot.
func printSummary(w io.Writer, snap session.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Status:\t%s\n", snap.Status)
	if snap.Label != "" {
		fmt.Fprintf(tw, "Label:\t%s\n", snap.Label)
	}
	if snap.SessionID != "" {
		fmt.Fprintf(tw, "Session:\t%s\n", snap.SessionID)
	}
	fmt.Fprintf(tw, "Completed:\t%d\n", snap.CompletedTasks)
	fmt.Fprintf(tw, "Failed:\t%d\n", snap.FailedTasks)
	fmt.Fprintf(tw, "Remaining:\t%d\n", snap.RemainingTasks)
	if snap.CurrentTaskID != nil {
		title := ""
		if snap.CurrentTaskTitle != nil {
			title = " " + *snap.CurrentTaskTitle
		}
		fmt.Fprintf(tw, "Current:\t%s%s\n", *snap.CurrentTaskID, title)
	}
	if snap.StartedAt != nil {
		fmt.Fprintf(tw, "Started:\t%s\n", snap.StartedAt.Local().Format(time.DateTime))
	}
	if snap.Message != nil {
		fmt.Fprintf(tw, "Message:\t%s\n", *snap.Message)
	}
	_ = tw.Flush()
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running session to stop after its current task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			snap, err := session.NewSnapshotStore(cfg.StateDir()).Load()
			if err != nil {
				return err
			}
			if !snap.Status.Active() {
				fmt.Fprintf(cmd.OutOrStdout(), "No session is running (status %s).\n", snap.Status)
				return nil
			}
			if err := session.NewFileSignal(cfg.StateDir()).Request(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stop requested. The session ends after the current task.")
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the end of the session log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, _ := cmd.Flags().GetInt("lines")
			lines, err := logging.Tail(cfg.Path(cfg.Log.File), n)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntP("lines", "n", logging.DefaultTailLines, "Number of lines to show")
	return cmd
}

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List ledger tasks and report malformed blocks",
		Long: `List ledger tasks and report malformed blocks.

The metadata row is the first non-blank line under a header that starts with
a lowercase key (priority, target, labels, attempts) and a colon. Such a row
is validated strictly, so a typo there is reported rather than read as prose.
A description that must open with one of those words should capitalise it
("Target: cut p99 latency") or start with other text.`,
		Args: cobra.NoArgs,
		RunE:  listTasks,
	}
	cmd.Flags().StringP("label", "l", "", "Only tasks carrying this label")
	cmd.Flags().StringP("status", "s", "", "Only tasks with this status (OPEN, IN_PROGRESS, CLOSED)")
	cmd.Flags().IntP("priority", "p", 0, "Only tasks with this exact priority (0-3)")
	return cmd
}

func listTasks(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	label, _ := cmd.Flags().GetString("label")
	statusArg, _ := cmd.Flags().GetString("status")
	priority, err := priorityFlag(cmd)
	if err != nil {
		return err
	}

	filter := ledger.Filter{Label: label, Priority: priority}
	if statusArg != "" {
		status, ok := ledger.ParseStatus(strings.ToUpper(statusArg))
		if !ok {
			return fmt.Errorf("unknown status %q", statusArg)
		}
		filter.Status = status
	}

	doc, err := ledger.NewStore(cfg.LedgerPath()).Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tP\tLABELS\tATTEMPTS\tTITLE")
	for _, t := range doc.Select(filter) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n",
			t.ID, t.Status, t.Priority, strings.Join(t.Labels, ","), t.Attempts, t.Title)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	parseErrs := doc.Errors()
	if len(parseErrs) == 0 {
		return nil
	}
	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "\n%s:\n", cfg.LedgerPath())
	for _, pe := range parseErrs {
		fmt.Fprintf(errOut, "  %s\n", pe)
	}
	return fmt.Errorf("%d malformed block(s) in ledger", len(parseErrs))
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a live dashboard of the running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			label, _ := cmd.Flags().GetString("label")
			interval, _ := cmd.Flags().GetDuration("interval")
			return tui.Run(tui.Config{
				Source: &tui.FileSource{
					Snapshots: session.NewSnapshotStore(cfg.StateDir()),
					Ledger:    ledger.NewStore(cfg.LedgerPath()),
					Stop:      session.NewFileSignal(cfg.StateDir()),
					LogFile:   cfg.Path(cfg.Log.File),
				},
				Label:    label,
				Interval: interval,
			})
		},
	}
	cmd.Flags().StringP("label", "l", "", "Show tasks for this label instead of the session's")
	cmd.Flags().Duration("interval", tui.DefaultInterval, "Refresh interval")
	return cmd
}

func newUpgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade ledgerloop to the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			checker := update.NewChecker(version, "", nil)
			checkOnly, _ := cmd.Flags().GetBool("check")

			fmt.Fprintf(out, "Current version: %s\n", version)
			if checkOnly {
				release, newer, err := checker.Check(cmd.Context())
				if err != nil {
					return err
				}
				if !newer {
					fmt.Fprintln(out, "Already up to date.")
					return nil
				}
				fmt.Fprintf(out, "Update available: %s\n", release.Version)
				return nil
			}

			release, err := checker.Apply(cmd.Context())
			if errors.Is(err, update.ErrManaged) {
				return fmt.Errorf("%w; upgrade it with your package manager", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Upgraded to %s\n", release.Version)
			return nil
		},
	}
	cmd.Flags().Bool("check", false, "Only check whether an update is available")
	return cmd
}
