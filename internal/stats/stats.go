// Package stats keeps each community's scrape interval in line with its
// activity on the destination instance.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lemmit/internal/database"
	"lemmit/internal/lemmy"
	"lemmit/internal/models"
)

// RefreshInterval is how stale a stats row must be before it is refreshed
// from the destination again.
const RefreshInterval = 120 * time.Minute

// notFoundBackoff delays retries of communities that 404 on the destination.
const notFoundBackoff = 24 * time.Hour

// destinationPacing spaces out the destination calls inside one batch.
const destinationPacing = time.Second

// Scrape interval tiers in minutes, strictly ordered from most to least
// frequent.
const (
	IntervalHighest  int64 = 5
	IntervalHigh     int64 = 15
	IntervalMedium   int64 = 30
	IntervalLow      int64 = 120
	IntervalBiDaily  int64 = 12 * 60
	IntervalDeserted int64 = 365 * 24 * 60

	DefaultInterval = IntervalMedium
)

// Store is the persistence surface the engine needs.
type Store interface {
	EnsureStats(ctx context.Context, defaultInterval int64) (int64, error)
	DueStatsBatch(ctx context.Context, now time.Time, refreshAfter time.Duration, limit int) ([]database.DueStats, error)
	UpdateStats(ctx context.Context, stats models.CommunityStats) error
	PushStatsRetry(ctx context.Context, communityID int64, until time.Time) error
	SetCommunityCreated(ctx context.Context, communityID int64, created time.Time) error
	CountRecentPosts(ctx context.Context, communityID int64, since time.Time) (int64, error)
	StatsPage(ctx context.Context, now time.Time, offset, limit int) ([]models.CommunityStats, error)
	SetMinInterval(ctx context.Context, communityID int64, minInterval int64) error
}

// Destination is the slice of the Lemmy API the engine needs.
type Destination interface {
	Community(ctx context.Context, name string) (*lemmy.CommunityView, error)
}

type Engine struct {
	store  Store
	lemmy  Destination
	log    *slog.Logger
	pacing time.Duration
}

func New(store Store, destination Destination, log *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		lemmy:  destination,
		log:    log,
		pacing: destinationPacing,
	}
}

// DecideInterval maps activity metrics to a scrape interval in minutes.
// Ordered thresholds, first match wins. Pure.
func DecideInterval(subscribers, postsPerDay int64) int64 {
	switch {
	case subscribers < 2:
		// Only the bot itself is subscribed.
		return IntervalDeserted
	case subscribers < 5 || postsPerDay < 5:
		return IntervalBiDaily
	case subscribers >= 50 && postsPerDay >= 25:
		return IntervalHighest
	case subscribers >= 25 && postsPerDay >= 15:
		return IntervalHigh
	case subscribers >= 10 && postsPerDay >= 10:
		return IntervalMedium
	default:
		return IntervalLow
	}
}

// EnsureStats backfills a stats row for every community that lacks one.
func (e *Engine) EnsureStats(ctx context.Context) error {
	created, err := e.store.EnsureStats(ctx, DefaultInterval)
	if err != nil {
		return fmt.Errorf("ensure stats rows: %w", err)
	}

	if created > 0 {
		e.log.InfoContext(ctx, "Created missing stats rows",
			"count", created)
	}

	return nil
}

// RefreshBatch refreshes up to batchSize due stats rows from the destination
// instance. Each row is persisted on its own so a mid-batch failure keeps
// earlier progress. Failures are isolated per row.
func (e *Engine) RefreshBatch(ctx context.Context, batchSize int) error {
	if err := e.EnsureStats(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()

	batch, err := e.store.DueStatsBatch(ctx, now, RefreshInterval, batchSize)
	if err != nil {
		return fmt.Errorf("fetch due stats batch: %w", err)
	}

	for i, due := range batch {
		if ctx.Err() != nil {
			return nil
		}
		if i > 0 {
			e.sleep(ctx, e.pacing)
		}

		e.refreshOne(ctx, due)
	}

	return nil
}

func (e *Engine) refreshOne(ctx context.Context, due database.DueStats) {
	now := time.Now().UTC()

	view, err := e.lemmy.Community(ctx, due.Ident)
	if lemmy.IsNotFound(err) {
		e.log.WarnContext(ctx, "Community missing on destination, backing off",
			"ident", due.Ident,
			"retryAfter", now.Add(notFoundBackoff))

		if err = e.store.PushStatsRetry(ctx, due.Stats.CommunityID, now.Add(notFoundBackoff)); err != nil {
			e.log.ErrorContext(ctx, "Failed to push stats retry",
				"error", err,
				"ident", due.Ident)
		}

		return
	}
	if err != nil {
		e.log.ErrorContext(ctx, "Failed to fetch community stats",
			"error", err,
			"ident", due.Ident)

		return
	}

	// While we are here, backfill an unknown creation date.
	if due.Created == nil {
		if err = e.store.SetCommunityCreated(ctx, due.Stats.CommunityID, view.Published); err != nil {
			e.log.ErrorContext(ctx, "Failed to backfill community creation date",
				"error", err,
				"ident", due.Ident)

			return
		}
	}

	postsPerDay, err := e.store.CountRecentPosts(ctx, due.Stats.CommunityID, now.Add(-24*time.Hour))
	if err != nil {
		e.log.ErrorContext(ctx, "Failed to count recent posts",
			"error", err,
			"ident", due.Ident)

		return
	}

	updated := due.Stats
	updated.Subscribers = view.Subscribers
	updated.PostsPerDay = postsPerDay
	updated.LastUpdate = now
	updated.MinInterval = DecideInterval(updated.Subscribers, updated.PostsPerDay)

	if err = e.store.UpdateStats(ctx, updated); err != nil {
		e.log.ErrorContext(ctx, "Failed to persist community stats",
			"error", err,
			"ident", due.Ident)

		return
	}

	e.log.DebugContext(ctx, "Community stats refreshed",
		"ident", due.Ident,
		"subscribers", updated.Subscribers,
		"postsPerDay", updated.PostsPerDay,
		"minInterval", updated.MinInterval)
}

// RecalculateAll walks every stats row of communities at least a day old and
// reapplies the interval policy to the stored counters, without touching the
// destination. Run once at startup to pick up policy changes.
func (e *Engine) RecalculateAll(ctx context.Context, pageSize int) error {
	now := time.Now().UTC()
	offset := 0

	for {
		page, err := e.store.StatsPage(ctx, now, offset, pageSize)
		if err != nil {
			return fmt.Errorf("fetch stats page: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		for _, s := range page {
			interval := DecideInterval(s.Subscribers, s.PostsPerDay)
			if interval == s.MinInterval {
				continue
			}

			if err = e.store.SetMinInterval(ctx, s.CommunityID, interval); err != nil {
				return fmt.Errorf("set min interval: %w", err)
			}

			e.log.InfoContext(ctx, "Community interval recalculated",
				"communityID", s.CommunityID,
				"oldInterval", s.MinInterval,
				"newInterval", interval)
		}

		offset += len(page)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
