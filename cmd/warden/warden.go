package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/dhruvmish/moderation-agent/moderation/config"
	"github.com/dhruvmish/moderation-agent/moderation/engine"
	"github.com/dhruvmish/moderation-agent/moderation/escalation"
	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/policy"
	"github.com/dhruvmish/moderation-agent/moderation/report"
	"github.com/dhruvmish/moderation-agent/moderation/responder"
	"github.com/dhruvmish/moderation-agent/moderation/rollingstore"
	"github.com/dhruvmish/moderation-agent/moderation/scoring"
)

// rolling windows for users who have gone quiet are dropped after this long
const historyTTL = 24 * time.Hour

func appFlags() []cli.Flag {
	def := config.Default()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "debug, info, warn, or error",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "incident ledger database (sqlite:// or postgres://)",
			Value:   "sqlite://data/warden/moderation.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit a trace span for every database query",
			EnvVars: []string{"WARDEN_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis for shared rolling context windows; in-process if empty",
			EnvVars: []string{"WARDEN_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "pseudonym-salt",
			Usage:   "secret key for user pseudonyms; must stay stable across restarts",
			EnvVars: []string{"WARDEN_PSEUDONYM_SALT"},
		},
		&cli.StringFlag{
			Name:    "strategy",
			Usage:   "seriousness blend: weighted or sarcasm-discount",
			Value:   def.Strategy,
			EnvVars: []string{"WARDEN_STRATEGY"},
		},
		&cli.Float64Flag{
			Name:    "tox-high",
			Value:   def.ToxHigh,
			EnvVars: []string{"WARDEN_TOX_HIGH"},
		},
		&cli.Float64Flag{
			Name:    "sarcasm-low",
			Value:   def.SarcasmLow,
			EnvVars: []string{"WARDEN_SARCASM_LOW"},
		},
		&cli.Float64Flag{
			Name:    "escalate-at",
			Usage:   "seriousness at or above which a message is escalated",
			Value:   def.SeriousnessHigh,
			EnvVars: []string{"WARDEN_ESCALATE_AT"},
		},
		&cli.Float64Flag{
			Name:    "warn-at",
			Usage:   "seriousness at or above which a message is warned and redacted",
			Value:   def.WarnAt,
			EnvVars: []string{"WARDEN_WARN_AT"},
		},
		&cli.IntFlag{
			Name:    "rolling-limit",
			Usage:   "flagged messages in a channel which trigger a report",
			Value:   def.RollingLimit,
			EnvVars: []string{"WARDEN_ROLLING_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "history-capacity",
			Usage:   "recent severities kept per user and per channel",
			Value:   def.HistoryCapacity,
			EnvVars: []string{"WARDEN_HISTORY_CAPACITY"},
		},
		&cli.IntFlag{
			Name:    "final-warning-after",
			Usage:   "violations after which a user gets their final warning",
			Value:   def.FinalWarningAfter,
			EnvVars: []string{"WARDEN_FINAL_WARNING_AFTER"},
		},
		&cli.DurationFlag{
			Name:    "collaborator-timeout",
			Usage:   "timeout for scoring, reply, and platform calls",
			Value:   def.CollaboratorTimeout,
			EnvVars: []string{"WARDEN_COLLABORATOR_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "report-dir",
			Value:   def.ReportDir,
			EnvVars: []string{"WARDEN_REPORT_DIR"},
		},
		&cli.StringFlag{
			Name:    "report-timezone",
			Value:   def.ReportTimezone,
			EnvVars: []string{"WARDEN_REPORT_TIMEZONE"},
		},
		&cli.StringFlag{
			Name:    "daily-report-schedule",
			Usage:   "cron spec, evaluated in the report timezone",
			Value:   def.DailyReportSpec,
			EnvVars: []string{"WARDEN_DAILY_REPORT_SCHEDULE"},
		},
		&cli.StringFlag{
			Name:    "scoring-host",
			Usage:   "base URL of the toxicity and sarcasm scoring service",
			EnvVars: []string{"WARDEN_SCORING_HOST"},
		},
		&cli.StringFlag{
			Name:    "scoring-token",
			EnvVars: []string{"WARDEN_SCORING_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "openai-api-key",
			EnvVars: []string{"OPENAI_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "openai-base-url",
			Usage:   "any OpenAI-compatible endpoint",
			EnvVars: []string{"OPENAI_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "openai-model",
			EnvVars: []string{"OPENAI_MODEL"},
		},
		&cli.StringFlag{
			Name:    "resources-file",
			Usage:   "JSON file of crisis support resources",
			EnvVars: []string{"WARDEN_RESOURCES_FILE"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for incident alerts and report summaries",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
	}
}

func configFromFlags(cctx *cli.Context) config.Config {
	return config.Config{
		Strategy:            cctx.String("strategy"),
		ToxHigh:             cctx.Float64("tox-high"),
		SarcasmLow:          cctx.Float64("sarcasm-low"),
		SeriousnessHigh:     cctx.Float64("escalate-at"),
		WarnAt:              cctx.Float64("warn-at"),
		RollingLimit:        cctx.Int("rolling-limit"),
		HistoryCapacity:     cctx.Int("history-capacity"),
		FinalWarningAfter:   cctx.Int("final-warning-after"),
		PseudonymSalt:       cctx.String("pseudonym-salt"),
		CollaboratorTimeout: cctx.Duration("collaborator-timeout"),
		ReportDir:           cctx.String("report-dir"),
		ReportTimezone:      cctx.String("report-timezone"),
		DailyReportSpec:     cctx.String("daily-report-schedule"),
	}
}

// warden holds the wired stores and engine shared by every subcommand.
type warden struct {
	cfg     config.Config
	ledger  ledger.Ledger
	reports *report.Synthesizer
	engine  *engine.Engine
	closers []func() error
}

func newWarden(cctx *cli.Context, logger *slog.Logger, plat engine.Platform) (*warden, error) {
	cfg := configFromFlags(cctx)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	agg, err := cfg.Aggregator()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	w := &warden{cfg: cfg}

	db, err := ledger.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"), logger)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		w.closers = append(w.closers, sqlDB.Close)
	}
	if cctx.Bool("db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			w.Close()
			return nil, fmt.Errorf("enabling database tracing: %w", err)
		}
	}

	led, err := ledger.NewGormLedger(db)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.ledger = led
	tracker, err := escalation.NewGormTracker(db)
	if err != nil {
		w.Close()
		return nil, err
	}

	var rolling rollingstore.RollingStore
	if url := cctx.String("redis-url"); url != "" {
		rs, err := rollingstore.NewRedisRollingStore(url, cfg.HistoryCapacity, historyTTL)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("initializing redis rolling store: %w", err)
		}
		w.closers = append(w.closers, rs.Client.Close)
		rolling = rs
	} else {
		rolling = rollingstore.NewMemRollingStore(cfg.HistoryCapacity, 100_000, historyTTL)
	}

	fileSink, err := report.NewFileSink(cfg.ReportDir, logger)
	if err != nil {
		w.Close()
		return nil, err
	}
	sinks := []report.Sink{fileSink}

	var notifier engine.Notifier
	if hook := cctx.String("slack-webhook-url"); hook != "" {
		slack := &engine.SlackNotifier{
			SlackWebhookURL: hook,
			Client:          tracedHTTPClient(10 * time.Second),
		}
		notifier = slack
		sinks = append(sinks, slack)
	}
	synth := report.NewSynthesizer(led, logger, sinks...)
	synth.RollingLimit = cfg.RollingLimit
	w.reports = synth

	resources := engine.DefaultResources
	if path := cctx.String("resources-file"); path != "" {
		resources, err = responder.LoadResources(path)
		if err != nil {
			w.Close()
			return nil, err
		}
	}

	var scorer engine.Scorer
	if host := cctx.String("scoring-host"); host != "" {
		scorer = scoring.NewClient(host, cctx.String("scoring-token"), logger)
	} else {
		logger.Warn("no scoring host configured; only crisis detection is active")
	}

	var resp engine.Responder
	if key := cctx.String("openai-api-key"); key != "" {
		r, err := responder.NewOpenAIResponder(key, cctx.String("openai-base-url"), cctx.String("openai-model"), logger)
		if err != nil {
			w.Close()
			return nil, err
		}
		r.Resources = resources
		resp = r
	}

	w.engine = &engine.Engine{
		Logger:              logger.With("component", "engine"),
		Scorer:              scorer,
		Responder:           resp,
		Platform:            plat,
		Notifier:            notifier,
		Aggregator:          agg,
		Policy:              policy.New(cfg.Thresholds()),
		Rolling:             rolling,
		Tracker:             tracker,
		Ledger:              led,
		Reports:             synth,
		PseudonymSalt:       cfg.PseudonymSalt,
		FinalWarningAfter:   cfg.FinalWarningAfter,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
		Resources:           resources,
	}
	return w, nil
}

func (w *warden) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = append(errs, w.closers[i]())
	}
	w.closers = nil
	return errors.Join(errs...)
}

func tracedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// reportReply answers an on-demand report request from a chat.
func reportReply(ctx context.Context, synth *report.Synthesizer, channelID string, logger *slog.Logger) string {
	d, err := synth.ChannelReport(ctx, channelID)
	if err != nil {
		logger.Error("on-demand report failed", "channel", channelID, "err", err)
		return "Report generation failed. Please try again later."
	}
	if d == nil {
		return "No new incidents since the last report."
	}
	return fmt.Sprintf("Report generated: %d incidents (%d serious, %d crisis) since %s UTC.",
		d.Total, d.Serious(), d.ByTier["crisis"], report.FormatTime(d.From))
}
