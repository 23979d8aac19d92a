package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webaudit/auditwatch/internal/devserver"
	"github.com/webaudit/auditwatch/internal/logging"
)

func newDevCmd() *cobra.Command {
	var port int
	var stepMs int
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run a simulated audit service for local development.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dev := devserver.New(devserver.Config{
				StepInterval: time.Duration(stepMs) * time.Millisecond,
				Logger:       logging.Component(e.logger, "devserver"),
			})
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           dev.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				e.logger.Info("dev audit service started", zap.Int("port", port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					e.logger.Error("dev server error", zap.Error(err))
					stop()
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 3000, "listen port")
	cmd.Flags().IntVar(&stepMs, "step-ms", 800, "delay between simulated progress events")
	return cmd
}
