package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lemmit/internal/models"
)

// DueStats is a community_stats row joined with the owning community fields
// the stats refresh needs.
type DueStats struct {
	Stats   models.CommunityStats
	Ident   string
	Created *time.Time
}

// CommunityOverview is the read model for the management CLI listing.
type CommunityOverview struct {
	Ident       string
	NSFW        bool
	Enabled     bool
	Subscribers int64
}

func (d *Database) CommunityByIdent(ctx context.Context, ident string) (*models.Community, error) {
	query := `select id, lemmy_id, ident, nsfw, enabled, sorting, created, last_scrape
	from communities
	where ident = ? collate nocase`

	row := d.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(ident)))

	c, err := scanCommunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan community: %w", err)
	}

	return c, nil
}

func (d *Database) InsertCommunity(ctx context.Context, c *models.Community) error {
	query := `insert into communities (lemmy_id, ident, nsfw, enabled, sorting, created, last_scrape)
	values (?, ?, ?, ?, ?, ?, ?)`

	res, err := d.db.ExecContext(ctx, query,
		c.LemmyID, strings.ToLower(strings.TrimSpace(c.Ident)), c.NSFW, c.Enabled, c.Sorting,
		nullTime(c.Created), nullTime(c.LastScrape))
	if err != nil {
		return fmt.Errorf("insert community: %w", err)
	}

	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetch community id: %w", err)
	}

	return nil
}

func (d *Database) SetCommunityEnabled(ctx context.Context, communityID int64, enabled bool) error {
	query := "update communities set enabled = ? where id = ?"

	_, err := d.db.ExecContext(ctx, query, enabled, communityID)

	return err
}

func (d *Database) SetCommunityCreated(ctx context.Context, communityID int64, created time.Time) error {
	query := "update communities set created = ? where id = ?"

	_, err := d.db.ExecContext(ctx, query, created.UTC(), communityID)

	return err
}

func (d *Database) SetCommunityLastScrape(ctx context.Context, communityID int64, lastScrape time.Time) error {
	query := "update communities set last_scrape = ? where id = ?"

	_, err := d.db.ExecContext(ctx, query, lastScrape.UTC(), communityID)

	return err
}

// NextDueCommunity returns the enabled community that is most overdue for a
// scrape, together with its current min_interval. Never-scraped communities
// come first. Returns nil when nothing is due.
func (d *Database) NextDueCommunity(ctx context.Context, now time.Time) (*models.Community, int64, error) {
	query := `select c.id, c.lemmy_id, c.ident, c.nsfw, c.enabled, c.sorting, c.created, c.last_scrape,
	s.min_interval
	from communities as c
	join community_stats as s on s.community_id = c.id
	where c.enabled = 1
	and (c.last_scrape is null
		or datetime(c.last_scrape, '+' || s.min_interval || ' minutes') < datetime(?))
	order by c.last_scrape is not null,
		datetime(c.last_scrape, '+' || s.min_interval || ' minutes')
	limit 1`

	row := d.db.QueryRowContext(ctx, query, now.UTC())

	var (
		c           models.Community
		created     sql.NullTime
		lastScrape  sql.NullTime
		minInterval int64
	)
	err := row.Scan(&c.ID, &c.LemmyID, &c.Ident, &c.NSFW, &c.Enabled, &c.Sorting,
		&created, &lastScrape, &minInterval)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scan due community: %w", err)
	}

	if created.Valid {
		t := created.Time
		c.Created = &t
	}
	if lastScrape.Valid {
		t := lastScrape.Time
		c.LastScrape = &t
	}

	return &c, minInterval, nil
}

func (d *Database) ListCommunityOverviews(ctx context.Context) ([]CommunityOverview, error) {
	query := `select c.ident, c.nsfw, c.enabled, s.subscribers
	from communities as c
	join community_stats as s on s.community_id = c.id
	order by c.enabled desc, c.ident`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer d.closeRows(ctx, rows, "ListCommunityOverviews")

	var overviews []CommunityOverview
	for rows.Next() {
		var o CommunityOverview
		if err = rows.Scan(&o.Ident, &o.NSFW, &o.Enabled, &o.Subscribers); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		overviews = append(overviews, o)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return overviews, nil
}

// EnsureStats creates a community_stats row for every community that lacks
// one. Idempotent.
func (d *Database) EnsureStats(ctx context.Context, defaultInterval int64) (int64, error) {
	query := `insert into community_stats (community_id, subscribers, posts_per_day, min_interval, last_update)
	select c.id, 0, 0, ?, ?
	from communities as c
	where not exists (select 1 from community_stats as s where s.community_id = c.id)`

	res, err := d.db.ExecContext(ctx, query, defaultInterval, time.Unix(0, 0).UTC())
	if err != nil {
		return 0, fmt.Errorf("insert missing stats: %w", err)
	}

	created, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetch affected rows: %w", err)
	}

	return created, nil
}

// DueStatsBatch returns up to limit stats rows due for a refresh: rows whose
// community has an unknown creation date, or whose last update is older than
// refreshAfter while the community is enabled and at least a day old.
// NotFound backoff pushes last_update into the future, which keeps a row out
// of the batch either way. Quietest and stalest rows come first.
func (d *Database) DueStatsBatch(
	ctx context.Context,
	now time.Time,
	refreshAfter time.Duration,
	limit int,
) ([]DueStats, error) {
	query := `select s.community_id, s.subscribers, s.posts_per_day, s.min_interval, s.last_update,
	c.ident, c.created
	from community_stats as s
	join communities as c on c.id = s.community_id
	where s.last_update < ?
	and (c.created is null
		or (s.last_update < ? and c.enabled = 1 and c.created <= ?))
	order by s.last_update, s.subscribers
	limit ?`

	nowUTC := now.UTC()
	rows, err := d.db.QueryContext(ctx, query,
		nowUTC, nowUTC.Add(-refreshAfter), nowUTC.Add(-24*time.Hour), limit)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer d.closeRows(ctx, rows, "DueStatsBatch")

	var batch []DueStats
	for rows.Next() {
		var (
			ds      DueStats
			created sql.NullTime
		)
		err = rows.Scan(&ds.Stats.CommunityID, &ds.Stats.Subscribers, &ds.Stats.PostsPerDay,
			&ds.Stats.MinInterval, &ds.Stats.LastUpdate, &ds.Ident, &created)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if created.Valid {
			t := created.Time
			ds.Created = &t
		}

		batch = append(batch, ds)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return batch, nil
}

func (d *Database) UpdateStats(ctx context.Context, stats models.CommunityStats) error {
	query := `update community_stats
	set subscribers = ?, posts_per_day = ?, min_interval = ?, last_update = ?
	where community_id = ?`

	_, err := d.db.ExecContext(ctx, query,
		stats.Subscribers, stats.PostsPerDay, stats.MinInterval, stats.LastUpdate.UTC(),
		stats.CommunityID)

	return err
}

// PushStatsRetry moves a stats row's last_update marker, used to back off
// refreshes of communities that 404 on the destination.
func (d *Database) PushStatsRetry(ctx context.Context, communityID int64, until time.Time) error {
	query := "update community_stats set last_update = ? where community_id = ?"

	_, err := d.db.ExecContext(ctx, query, until.UTC(), communityID)

	return err
}

func (d *Database) SetMinInterval(ctx context.Context, communityID int64, minInterval int64) error {
	query := "update community_stats set min_interval = ? where community_id = ?"

	_, err := d.db.ExecContext(ctx, query, minInterval, communityID)

	return err
}

// StatsPage pages through stats of communities that are at least a day old,
// ordered by community id for a stable walk.
func (d *Database) StatsPage(ctx context.Context, now time.Time, offset, limit int) ([]models.CommunityStats, error) {
	query := `select s.community_id, s.subscribers, s.posts_per_day, s.min_interval, s.last_update
	from community_stats as s
	join communities as c on c.id = s.community_id
	where c.created is not null and c.created <= ?
	order by s.community_id
	limit ? offset ?`

	rows, err := d.db.QueryContext(ctx, query, now.UTC().Add(-24*time.Hour), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer d.closeRows(ctx, rows, "StatsPage")

	var page []models.CommunityStats
	for rows.Next() {
		var s models.CommunityStats
		err = rows.Scan(&s.CommunityID, &s.Subscribers, &s.PostsPerDay, &s.MinInterval, &s.LastUpdate)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		page = append(page, s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return page, nil
}

func (d *Database) StatsByCommunity(ctx context.Context, communityID int64) (*models.CommunityStats, error) {
	query := `select community_id, subscribers, posts_per_day, min_interval, last_update
	from community_stats
	where community_id = ?`

	var s models.CommunityStats
	err := d.db.QueryRowContext(ctx, query, communityID).
		Scan(&s.CommunityID, &s.Subscribers, &s.PostsPerDay, &s.MinInterval, &s.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan stats: %w", err)
	}

	return &s, nil
}

// ExistingSourceLinks reports which of the given source links already have a
// mirrored post.
func (d *Database) ExistingSourceLinks(ctx context.Context, links []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(links))
	if len(links) == 0 {
		return existing, nil
	}

	placeholders := strings.Repeat("?,", len(links))
	query := "select source_link from posts where source_link in (" + placeholders[:len(placeholders)-1] + ")"

	args := make([]any, len(links))
	for i, link := range links {
		args[i] = link
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer d.closeRows(ctx, rows, "ExistingSourceLinks")

	for rows.Next() {
		var link string
		if err = rows.Scan(&link); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		existing[link] = struct{}{}
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return existing, nil
}

func (d *Database) InsertPost(ctx context.Context, post *models.MirroredPost) error {
	query := `insert into posts (source_link, lemmy_link, updated, nsfw, community_id)
	values (?, ?, ?, ?, ?)`

	res, err := d.db.ExecContext(ctx, query,
		post.SourceLink, post.LemmyLink, post.Updated.UTC(), post.NSFW, post.CommunityID)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}

	post.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("fetch post id: %w", err)
	}

	return nil
}

// CountRecentPosts returns the number of mirrored posts for a community
// updated at or after since.
func (d *Database) CountRecentPosts(ctx context.Context, communityID int64, since time.Time) (int64, error) {
	query := "select count(*) from posts where community_id = ? and updated >= ?"

	var count int64
	err := d.db.QueryRowContext(ctx, query, communityID, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}

	return count, nil
}

func (d *Database) closeRows(ctx context.Context, rows *sql.Rows, operation string) {
	if err := rows.Close(); err != nil {
		d.log.ErrorContext(ctx, "Failed to close rows",
			"error", err,
			"operation", operation)
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func scanCommunity(row *sql.Row) (*models.Community, error) {
	var (
		c          models.Community
		created    sql.NullTime
		lastScrape sql.NullTime
	)
	err := row.Scan(&c.ID, &c.LemmyID, &c.Ident, &c.NSFW, &c.Enabled, &c.Sorting,
		&created, &lastScrape)
	if err != nil {
		return nil, err
	}

	if created.Valid {
		t := created.Time
		c.Created = &t
	}
	if lastScrape.Valid {
		t := lastScrape.Time
		c.LastScrape = &t
	}

	return &c, nil
}
