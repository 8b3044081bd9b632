package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/config"
	"github.com/weftlabs/weft/db"
	"github.com/weftlabs/weft/errors"
	"github.com/weftlabs/weft/forward"
	"github.com/weftlabs/weft/history"
	"github.com/weftlabs/weft/hub"
	"github.com/weftlabs/weft/logger"
	"github.com/weftlabs/weft/server"
)

// ServeCmd starts the history API and live broadcast server.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the history API and live broadcast server",
	Long: `Start the weft server.

Serves run history over HTTP (/api/runs, /api/traces) and live trace
events over a filtered websocket subscription (/ws).`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
	serveConfig string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
	ServeCmd.Flags().StringVar(&serveConfig, "config", "", "Config file to load and watch")
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	if serveConfig != "" {
		cfg, err = config.LoadFromFile(serveConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}

	conn, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer conn.Close()

	store := history.NewStore(conn, logger.Named("history"))
	if err := store.CreateSchema(); err != nil {
		return errors.Wrap(err, "create schema")
	}
	if err := store.UpgradeLegacyTable(); err != nil {
		return errors.Wrap(err, "upgrade legacy table")
	}

	h := hub.NewWithBacklog(logger.Named("hub"), cfg.Hub.BacklogSize)
	fwd := forward.NewForwarder(hub.NestedSink(h), logger.Named("forward"))
	fwd.SetExcludedTypes(cfg.Forward.ExcludedTypes)
	srv := server.New(
		fmt.Sprintf(":%d", cfg.Server.Port),
		store,
		h,
		fwd,
		cfg.Server.AllowedOrigins,
		logger.Named("server"),
	)

	if serveConfig != "" {
		watcher, werr := config.NewWatcher(serveConfig, logger.Named("config"))
		if werr != nil {
			logger.Logger.Warnw("Config watching disabled", "error", werr)
		} else {
			watcher.OnReload(func(next *config.Config) error {
				fwd.SetExcludedTypes(next.Forward.ExcludedTypes)
				h.SetBacklogSize(next.Hub.BacklogSize)
				return logger.Initialize(next.Log.JSON, next.Log.Level)
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
