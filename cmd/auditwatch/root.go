package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webaudit/auditwatch/internal/clientid"
	"github.com/webaudit/auditwatch/internal/config"
	"github.com/webaudit/auditwatch/internal/logging"
	"github.com/webaudit/auditwatch/internal/session"
	badgerstore "github.com/webaudit/auditwatch/internal/storage/badger"
	"github.com/webaudit/auditwatch/internal/storage/memory"
	"github.com/webaudit/auditwatch/internal/storage/postgres"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "auditwatch",
		Short:         "Follow asynchronous website-audit jobs from the terminal.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default uses built-in defaults and AUDITWATCH_* env)")

	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDevCmd())
	return cmd
}

// env holds everything a subcommand needs after setup.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func setup() (env, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return env{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return env{}, nil, err
	}
	cleanup := func() {
		logger.Sync() //nolint:errcheck // best-effort flush
	}
	return env{cfg: cfg, logger: logger}, cleanup, nil
}

// openStore builds the configured session store. The returned closer is
// non-nil for drivers that hold resources.
func openStore(cmd *cobra.Command, e env) (session.Store, func(), error) {
	switch e.cfg.Storage.Driver {
	case "memory":
		return memory.NewStore(), func() {}, nil
	case "badger":
		path := e.cfg.Storage.BadgerPath
		if path == "" {
			p, err := defaultBadgerPath()
			if err != nil {
				return nil, nil, err
			}
			path = p
		}
		s, err := badgerstore.Open(badgerstore.Config{
			Path:   path,
			Logger: logging.Component(e.logger, "badger"),
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				e.logger.Warn("badger close failed", zap.Error(err))
			}
		}, nil
	case "postgres":
		s, pool, err := postgres.Connect(cmd.Context(), e.cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", e.cfg.Storage.Driver)
	}
}

func defaultBadgerPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(dir, "auditwatch", "sessions"), nil
}

func loadClientID(e env) (string, error) {
	id, err := clientid.Load(e.cfg.Client.IDPath)
	if err != nil {
		return "", err
	}
	return id, nil
}
