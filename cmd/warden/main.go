package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/dhruvmish/moderation-agent/moderation/batch"
	"github.com/dhruvmish/moderation-agent/moderation/dispatch"
	"github.com/dhruvmish/moderation-agent/moderation/engine"
	"github.com/dhruvmish/moderation-agent/moderation/platform"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "chat moderation daemon: scores messages, acts on them, and reports",
		Version: versioninfo.Short(),
	}

	app.Flags = appFlags()

	app.Commands = []*cli.Command{
		runCmd,
		batchCmd,
		reportCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cctx.String("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "moderate a live telegram group",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "telegram-token",
			Usage:    "bot token from BotFather",
			EnvVars:  []string{"TELEGRAM_BOT_TOKEN"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the admin API",
			Value:   ":3999",
			EnvVars: []string{"WARDEN_BIND"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token required on /admin routes; unauthenticated if empty",
			EnvVars: []string{"WARDEN_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "number of messages processed in parallel (per-user order is preserved)",
			Value:   8,
			EnvVars: []string{"WARDEN_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "persist-retries",
			Usage:   "attempts to re-record an incident after a database failure",
			Value:   3,
			EnvVars: []string{"WARDEN_PERSIST_RETRIES"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := configLogger(cctx, os.Stdout)

		shutdownOTEL := configOTEL("warden")
		defer shutdownOTEL()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tg, err := platform.NewTelegram(cctx.String("telegram-token"), tracedHTTPClient(60*time.Second), logger)
		if err != nil {
			return err
		}

		w, err := newWarden(cctx, logger, tg)
		if err != nil {
			return err
		}
		defer w.Close()

		sched := dispatch.NewScheduler(
			cctx.Int("workers"),
			"live",
			logger,
			dispatch.ModerateHandler(w.engine, cctx.Int("persist-retries"), time.Second, logger),
		)

		daily, err := startDailyReports(w.reports, w.cfg, logger)
		if err != nil {
			return err
		}

		srv := NewServer(w.reports, w.ledger, logger, cctx.String("bind"), cctx.String("admin-token"))
		metrics := newMetricsServer(cctx.String("metrics-listen"))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return tg.Run(gctx, platform.Handlers{
				Message: func(ctx context.Context, msg engine.Message) {
					if err := sched.AddWork(ctx, msg.UserID, msg); err != nil {
						logger.Warn("dropping message", "channel", msg.ChannelID, "message", msg.MessageID, "err", err)
					}
				},
				Report: func(ctx context.Context, channelID string) string {
					return reportReply(ctx, w.reports, channelID, logger)
				},
			})
		})
		g.Go(srv.RunAPI)
		g.Go(func() error {
			logger.Info("starting metrics server", "bind", metrics.Addr)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return errors.Join(srv.Shutdown(shutdownCtx), metrics.Shutdown(shutdownCtx))
		})

		err = g.Wait()

		// intake has stopped; let queued messages finish persisting
		sched.Shutdown()
		<-daily.Stop().Done()
		logger.Info("graceful shutdown complete")

		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to run warden: %w", err)
		}
		return nil
	},
}

var batchCmd = &cli.Command{
	Name:      "batch",
	Usage:     "replay an exported chat log (CSV or NDJSON) and write a digest",
	ArgsUsage: "<input-file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Usage:   "path to .csv or .jsonl/.ndjson (may also be given as an argument)",
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := configLogger(cctx, os.Stderr)
		ctx := context.Background()

		path := cctx.String("input")
		if path == "" {
			path = cctx.Args().First()
		}
		if path == "" {
			return fmt.Errorf("need an input file")
		}
		in, err := batch.ReadFile(path)
		if err != nil {
			return err
		}

		w, err := newWarden(cctx, logger, platform.NewLogPlatform(logger))
		if err != nil {
			return err
		}
		defer w.Close()

		r := batch.NewRunner(w.engine, w.cfg.ReportDir, logger)
		sum, err := r.Run(ctx, path, in)
		if err != nil {
			return err
		}
		out, err := r.WriteDigest(sum)
		if err != nil {
			return err
		}
		fmt.Printf("processed %d messages (%d skipped, %d flagged, %d escalated); wrote %s\n",
			sum.Total, sum.Skipped, sum.Flagged, sum.Escalated, out)
		return nil
	},
}

var reportCmd = &cli.Command{
	Name:      "report",
	Usage:     "generate channel reports for everything since the last report",
	ArgsUsage: "[channel-id]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "all",
			Usage: "report on every channel with incidents",
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := configLogger(cctx, os.Stderr)
		ctx := context.Background()

		w, err := newWarden(cctx, logger, platform.NewLogPlatform(logger))
		if err != nil {
			return err
		}
		defer w.Close()

		if cctx.Bool("all") {
			digests, err := w.reports.ScheduledReports(ctx)
			fmt.Printf("generated %d channel reports\n", len(digests))
			return err
		}
		ch := cctx.Args().First()
		if ch == "" {
			return fmt.Errorf("need a channel id, or --all")
		}
		d, err := w.reports.ChannelReport(ctx, ch)
		if err != nil {
			return err
		}
		if d == nil {
			fmt.Println("no new incidents since the last report")
			return nil
		}
		fmt.Printf("%s: %d incidents (%d serious, %d crisis)\n", d.Title, d.Total, d.Serious(), d.ByTier["crisis"])
		return nil
	},
}
