package main

import (
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webaudit/auditwatch/internal/logging"
	"github.com/webaudit/auditwatch/internal/metrics"
	"github.com/webaudit/auditwatch/internal/reconciler"
	"github.com/webaudit/auditwatch/internal/report"
	"github.com/webaudit/auditwatch/internal/session"
	"github.com/webaudit/auditwatch/internal/stream"
)

func newWatchCmd() *cobra.Command {
	var targetURL string
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress until it reaches a terminal state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			return watchJob(cmd, e, args[0], targetURL)
		},
	}
	cmd.Flags().StringVar(&targetURL, "url", "", "target URL, recorded when the job is first seen")
	return cmd
}

// watchJob runs the reconciliation loop for one job and prints progress
// lines until the session is terminal or the user interrupts.
func watchJob(cmd *cobra.Command, e env, jobID, targetURL string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cmd, e)
	if err != nil {
		return err
	}
	defer closeStore()

	clientID, err := loadClientID(e)
	if err != nil {
		return err
	}

	// Registered against the default registerer; on re-registration (a second
	// watch in one process) rec stays nil, which records nothing.
	rec, err := metrics.NewRecorder(nil)
	if err != nil {
		e.logger.Warn("metrics registration failed", zap.Error(err))
	}

	es := stream.NewManager(stream.Config{
		BaseURL:     e.cfg.Service.BaseURL,
		ClientID:    clientID,
		HTTPClient:  &http.Client{},
		BackoffBase: e.cfg.BackoffInitial(),
		BackoffMax:  e.cfg.BackoffMax(),
		Logger:      logging.Component(e.logger, "stream"),
		Metrics:     rec,
	})
	rf := report.NewFetcher(report.Config{
		BaseURL:     e.cfg.Service.BaseURL,
		HTTPClient:  &http.Client{Timeout: e.cfg.ServiceTimeout()},
		RetryDelay:  e.cfg.RetryInterval(),
		MaxAttempts: e.cfg.Report.MaxAttempts,
		Logger:      logging.Component(e.logger, "report"),
		Metrics:     rec,
	})
	rc := reconciler.New(reconciler.Config{
		PollInterval: e.cfg.PollInterval(),
		Logger:       logging.Component(e.logger, "reconciler"),
		Metrics:      rec,
	}, store, es, rf)
	defer rc.Close()

	if err := rc.Activate(ctx, jobID, targetURL, clientID); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printView(out, rc.View())
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-rc.Updates():
			printView(out, v)
			if v.Record.Status.Terminal() {
				return nil
			}
		}
	}
}

func printView(out io.Writer, v reconciler.View) {
	line := fmt.Sprintf("[%3d%%] %-8s %s", v.Record.Progress, v.Record.Status, v.Label)
	if v.Err != "" {
		line += " (" + v.Err + ")"
	}
	fmt.Fprintln(out, line)
	if v.Record.Status == session.StatusDone && v.Record.Result != nil {
		r := v.Record.Result
		fmt.Fprintf(out, "score %.1f, level %s, %d urls analyzed\n",
			r.AverageScore, r.OverallLevel, r.TotalAnalyzedURLs)
	}
}
