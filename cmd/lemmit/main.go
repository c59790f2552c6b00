package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lemmit/internal/config"
	"lemmit/internal/database"
	"lemmit/internal/lemmy"
	"lemmit/internal/reddit"
	"lemmit/internal/scheduler"
	"lemmit/internal/stats"
	"lemmit/internal/syncer"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env file is fine, the environment may be set directly.
	_ = godotenv.Load()

	start := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).ErrorContext(ctx, "Invalid configuration",
			"error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(log)

	db, err := database.New(ctx, cfg.DatabasePath, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize db",
			"error", err,
			"dbPath", cfg.DatabasePath)
		os.Exit(1)
	}
	defer func() {
		if err = db.Close(); err != nil {
			log.ErrorContext(ctx, "Failed to close db",
				"error", err,
				"dbPath", cfg.DatabasePath)
		}
	}()
	log.InfoContext(ctx, "DB is initialized",
		"dbPath", cfg.DatabasePath)

	lemmyClient, err := lemmy.New(ctx, cfg.LemmyBaseURL, cfg.LemmyUsername, cfg.LemmyPassword, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to log in to lemmy",
			"error", err,
			"baseURL", cfg.LemmyBaseURL)
		os.Exit(1)
	}
	log.InfoContext(ctx, "Lemmy client is initialized",
		"hostname", lemmyClient.Hostname())

	reader, err := reddit.NewReader(log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize reddit reader",
			"error", err)
		os.Exit(1)
	}

	statsEngine := stats.New(db, lemmyClient, log)
	sync := syncer.New(db, reader, lemmyClient, cfg.RequestCommunity, log)

	if cfg.RequestCommunity == "" {
		log.WarnContext(ctx, "No request community is set, will not check for new requests")
	}

	// Reconcile stored intervals with the current policy before looping.
	if err = statsEngine.RecalculateAll(ctx, cfg.StatsPageSize); err != nil {
		log.ErrorContext(ctx, "Failed to recalculate intervals",
			"error", err)
		os.Exit(1)
	}

	sched := scheduler.New(sync, statsEngine, cfg.StatsBatchSize, cfg.RequestCommunity != "", log)
	sched.Run(ctx)

	log.InfoContext(ctx, "Exiting",
		"uptimeSeconds", time.Since(start).Seconds())
}

func parseLogLevel(level string) slog.Level {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}
