// Package scheduler runs the single-threaded driving loop. One iteration
// performs at most one request-intake check, one stats refresh batch and one
// scrape cycle; blocking I/O inside a cycle is what rate-limits the bot to
// one in-flight request per platform.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

const loopSleep = time.Second

type StatsEngine interface {
	RefreshBatch(ctx context.Context, batchSize int) error
}

type Syncer interface {
	CheckRequests(ctx context.Context) error
	ScrapeOnce(ctx context.Context) error
}

type Scheduler struct {
	syncer         Syncer
	stats          StatsEngine
	statsBatchSize int
	checkRequests  bool
	log            *slog.Logger
}

func New(syncer Syncer, stats StatsEngine, statsBatchSize int, checkRequests bool, log *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:         syncer,
		stats:          stats,
		statsBatchSize: statsBatchSize,
		checkRequests:  checkRequests,
		log:            log,
	}
}

// Run loops until the context is cancelled. Cancellation is cooperative: it
// is checked once per iteration, letting the current cycle finish.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.log.InfoContext(ctx, "Stopping loop",
				"error", ctx.Err())

			return
		}

		if s.checkRequests {
			if err := s.syncer.CheckRequests(ctx); err != nil {
				s.log.ErrorContext(ctx, "Request check failed",
					"error", err)
			}
		}

		if err := s.stats.RefreshBatch(ctx, s.statsBatchSize); err != nil {
			s.log.ErrorContext(ctx, "Stats refresh failed",
				"error", err)
		}

		if err := s.syncer.ScrapeOnce(ctx); err != nil {
			s.log.ErrorContext(ctx, "Scrape cycle failed",
				"error", err)
		}

		select {
		case <-ctx.Done():
		case <-time.After(loopSleep):
		}
	}
}
