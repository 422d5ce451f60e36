// Package app wires the server together: the history store, the realtime
// hub, the member directory, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"collabsync/internal/sweep"
	"collabsync/pkg/config"
	"collabsync/pkg/history"
	"collabsync/pkg/logger"
	"collabsync/pkg/members"
	"collabsync/pkg/realtime"
	"collabsync/pkg/reconcile"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	version string

	hub     *realtime.Hub
	members *members.Directory

	srv *http.Server
}

// New initializes resources that do not require a running context. It does
// not start the HTTP server or the sweep; call Run to start those and block
// until shutdown.
func New(cfg *config.Config, version string) (*App, error) {
	_ = godotenv.Load(".env")

	logger.InitWithLevel(cfg.Logging.Level)

	if cfg.Server.DBPath == "" {
		return nil, fmt.Errorf("server.db_path is required")
	}
	if err := history.Open(cfg.Server.DBPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Server.DBPath, err)
	}

	if n := cfg.Sync.MaxPooledBufferBytes.Int64(); n > 0 {
		reconcile.SetMaxPooledBuffer(int(n))
	}

	hub := realtime.NewHub()
	history.SetHub(hub)

	a := &App{
		cfg:     cfg,
		version: version,
		hub:     hub,
		members: members.NewDirectory(nil, nil),
	}
	return a, nil
}

// Run starts the sweep scheduler and the HTTP listeners, and blocks until
// ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	cancelSweep, err := sweep.Start(ctx, a.cfg.Sweep)
	if err != nil {
		return err
	}
	defer cancelSweep()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if a.srv != nil {
		_ = a.srv.Close()
	}
	if err := history.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
}
