package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dhruvmish/moderation-agent/moderation/config"
	"github.com/dhruvmish/moderation-agent/moderation/report"
)

// reportJobTimeout bounds one scheduled run across all channels
const reportJobTimeout = 10 * time.Minute

// startDailyReports schedules ScheduledReports in the configured timezone.
// Overlapping runs are skipped rather than queued.
func startDailyReports(synth *report.Synthesizer, cfg config.Config, logger *slog.Logger) (*cron.Cron, error) {
	logger = logger.With("job", "daily-reports")
	c := cron.New(
		cron.WithLocation(cfg.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(cfg.DailyReportSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportJobTimeout)
		defer cancel()
		start := time.Now()
		digests, err := synth.ScheduledReports(ctx)
		if err != nil {
			logger.Error("daily reports finished with errors", "generated", len(digests), "err", err)
			return
		}
		logger.Info("daily reports finished", "generated", len(digests), "duration", time.Since(start))
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling daily reports: %w", err)
	}
	c.Start()
	logger.Info("daily reports scheduled", "spec", cfg.DailyReportSpec, "timezone", cfg.ReportTimezone)
	return c, nil
}
