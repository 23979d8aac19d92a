package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webaudit/auditwatch/internal/api"
	"github.com/webaudit/auditwatch/internal/logging"
	"github.com/webaudit/auditwatch/internal/metrics"
	"github.com/webaudit/auditwatch/internal/submit"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP API over the session store.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := openStore(cmd, e)
			if err != nil {
				return err
			}
			defer closeStore()

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector())
			if _, err := metrics.NewRecorder(registry); err != nil {
				return err
			}

			submitter := submit.New(submit.Config{
				BaseURL:    e.cfg.Service.BaseURL,
				HTTPClient: &http.Client{Timeout: e.cfg.ServiceTimeout()},
				Logger:     logging.Component(e.logger, "submit"),
			})
			apiServer := api.NewServer(store, submitter, registry, logging.Component(e.logger, "api"))

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", e.cfg.Server.Port),
				Handler:           apiServer.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				e.logger.Info("http server started", zap.Int("port", e.cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					e.logger.Error("http server error", zap.Error(err))
					stop()
				}
			}()

			<-ctx.Done()
			e.logger.Info("shutdown initiated")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				e.logger.Error("server shutdown error", zap.Error(err))
			}
			e.logger.Info("shutdown complete")
			return nil
		},
	}
}
