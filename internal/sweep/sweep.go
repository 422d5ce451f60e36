// Package sweep schedules the orphan file sweep: file rows whose parent
// message arrived after them get re-linked and re-announced, aged rows with
// no parent are surfaced through the gauge.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"collabsync/pkg/config"
	"collabsync/pkg/history"
	"collabsync/pkg/logger"
)

// RunOnce performs a single sweep with the given settings.
func RunOnce(maxAge time.Duration, dryRun bool) error {
	_, _, err := history.SweepOrphans(maxAge, dryRun)
	return err
}

// Start starts the sweep scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.SweepConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("sweep_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "*/10 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweep_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cfg.Cron)
	}

	logger.Info("sweep_enabled", "cron", cronExpr, "max_age", cfg.MaxAge.Duration().String(), "dry_run", cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time.
func runScheduler(ctx context.Context, cfg config.SweepConfig, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweep_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("sweep_scheduler_stopping")
			return
		}

		if err := RunOnce(cfg.MaxAge.Duration(), cfg.DryRun); err != nil {
			logger.Error("sweep_run_error", "error", err)
		}
	}
}
