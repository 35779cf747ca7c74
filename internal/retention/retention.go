// Package retention purges conversations that have been idle longer than
// the configured period. Disabled by default; the purge goes through the
// registry so team revisions bump and online clients resync.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"parleydb/pkg/config"
	"parleydb/pkg/logger"
	"parleydb/pkg/registry"
	"parleydb/pkg/syncer"
)

// Runner holds the scheduler dependencies.
type Runner struct {
	reg   *registry.Registry
	coord *syncer.Coordinator
	cfg   config.RetentionConfig
}

func New(reg *registry.Registry, coord *syncer.Coordinator, cfg config.RetentionConfig) *Runner {
	return &Runner{reg: reg, coord: coord, cfg: cfg}
}

// Start launches the scheduler goroutine if retention is enabled. Returns a
// cancel func for shutdown.
func (r *Runner) Start(ctx context.Context) (context.CancelFunc, error) {
	if !r.cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := r.cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", r.cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", r.cfg.Cron)
	}

	period := time.Duration(r.cfg.Period)
	if min := time.Duration(r.cfg.MinPeriod); min > 0 && period < min {
		return nil, fmt.Errorf("retention period %s below minimum %s", period, min)
	}
	if period <= 0 {
		return nil, fmt.Errorf("retention enabled without a period")
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", period, "dry_run", r.cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go r.runScheduler(ctx2, cronExpr)
	return cancel, nil
}

// runScheduler sleeps until the next cron tick and runs one purge pass.
func (r *Runner) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
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
			logger.Info("retention_scheduler_stopping")
			return
		}

		if err := r.RunOnce(); err != nil {
			logger.Error("retention_run_error", "error", err)
		}
	}
}

// RunOnce purges every conversation whose last message is older than the
// period. Exported so tests and admin triggers can run it on demand.
func (r *Runner) RunOnce() error {
	cutoff := time.Now().Add(-time.Duration(r.cfg.Period)).UnixNano()
	purged := 0
	for _, team := range r.reg.AllTeams() {
		changed := false
		for _, cv := range r.reg.Conversations(team.ID) {
			if cv.MessageCount == 0 || cv.UpdatedTS >= cutoff {
				continue
			}
			if r.cfg.DryRun {
				logger.Info("retention_would_purge", "team", team.ID, "entity", cv.EntityID,
					"messages", cv.MessageCount)
				continue
			}
			if err := r.reg.ClearConversation(team.ID, cv.EntityID); err != nil {
				logger.Error("retention_purge_failed", "team", team.ID, "entity", cv.EntityID, "error", err)
				continue
			}
			purged++
			changed = true
		}
		if changed && r.coord != nil {
			r.coord.BroadcastTeamMeta(team.ID)
		}
	}
	logger.Info("retention_run_complete", "purged", purged, "dry_run", r.cfg.DryRun)
	return nil
}
