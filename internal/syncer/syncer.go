// Package syncer decides which community to scrape next, runs the
// scrape→dedup→transform→publish pipeline and handles inbound requests for
// new communities to mirror.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"lemmit/internal/lemmy"
	"lemmit/internal/models"
	"lemmit/internal/reddit"
)

// requestCheckInterval limits how often the request community inbox is read,
// regardless of how often the driving loop asks.
const requestCheckInterval = 180 * time.Second

// Source is the slice of the reddit reader the syncer needs.
type Source interface {
	SubredditTopics(ctx context.Context, ident, sorting string, since time.Time) ([]models.CandidatePost, error)
	PostDetails(ctx context.Context, post models.CandidatePost) (models.CandidatePost, error)
	SubredditInfo(ctx context.Context, ident string) (*models.CommunityInfo, error)
}

// Destination is the slice of the Lemmy API the syncer needs.
type Destination interface {
	CreatePost(ctx context.Context, params lemmy.CreatePostParams) (*lemmy.CreatedPost, error)
	CreateCommunity(ctx context.Context, params lemmy.CreateCommunityParams) (int64, error)
	UnreadPosts(ctx context.Context, communityName string) ([]lemmy.RequestPost, error)
	CreateComment(ctx context.Context, postID int64, content string) error
	MarkPostRead(ctx context.Context, postID int64, read bool) error
	Hostname() string
}

// Store is the persistence surface the syncer needs.
type Store interface {
	NextDueCommunity(ctx context.Context, now time.Time) (*models.Community, int64, error)
	ExistingSourceLinks(ctx context.Context, links []string) (map[string]struct{}, error)
	InsertPost(ctx context.Context, post *models.MirroredPost) error
	SetCommunityLastScrape(ctx context.Context, communityID int64, lastScrape time.Time) error
	CommunityByIdent(ctx context.Context, ident string) (*models.Community, error)
	InsertCommunity(ctx context.Context, community *models.Community) error
}

// requestError is a request-intake rejection whose message is surfaced back
// to the requester as a comment.
type requestError struct {
	message string
}

func (e *requestError) Error() string {
	return e.message
}

type Syncer struct {
	store            Store
	reddit           Source
	lemmy            Destination
	requestCommunity string
	log              *slog.Logger

	// Watermark for the inbox check, owned by this instance.
	lastRequestCheck time.Time
}

func New(store Store, source Source, destination Destination, requestCommunity string, log *slog.Logger) *Syncer {
	return &Syncer{
		store:            store,
		reddit:           source,
		lemmy:            destination,
		requestCommunity: requestCommunity,
		log:              log,
	}
}

// ScrapeOnce mirrors new posts of the single most overdue community. Doing
// nothing because no community is due is not an error. A failed listing or
// detail fetch aborts the cycle without advancing last_scrape, so the
// community is retried next time.
func (s *Syncer) ScrapeOnce(ctx context.Context) error {
	community, minInterval, err := s.store.NextDueCommunity(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("select next community: %w", err)
	}
	if community == nil {
		s.log.DebugContext(ctx, "No community due for update")

		return nil
	}

	lastScrape := "never"
	if community.LastScrape != nil {
		lastScrape = time.Since(*community.LastScrape).Round(time.Second).String() + " ago"
	}
	s.log.InfoContext(ctx, "Scraping subreddit",
		"ident", community.Ident,
		"lastScrape", lastScrape,
		"minInterval", minInterval)

	posts, err := s.reddit.SubredditTopics(ctx, community.Ident, community.Sorting, time.Time{})
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to retrieve topics",
			"error", err,
			"ident", community.Ident)

		return nil
	}

	posts, err = s.filterPosted(ctx, posts)
	if err != nil {
		return fmt.Errorf("filter posted: %w", err)
	}

	// Handle oldest entries first.
	slices.SortFunc(posts, func(a, b models.CandidatePost) int {
		return a.Updated.Compare(b.Updated)
	})

	for _, post := range posts {
		s.log.InfoContext(ctx, "Mirroring post",
			"sourceLink", post.SourceLink,
			"title", post.Title,
			"updated", post.Updated)

		detailed, err := s.reddit.PostDetails(ctx, post)
		if errors.Is(err, reddit.ErrNotFound) {
			s.log.WarnContext(ctx, "Post gone from reddit, skipping",
				"error", err,
				"sourceLink", post.SourceLink)

			continue
		}
		if err != nil {
			s.log.ErrorContext(ctx, "Failed to retrieve post details, trying again in a bit",
				"error", err,
				"sourceLink", post.SourceLink)

			return nil
		}

		s.publish(ctx, detailed, community)
	}

	if err = s.store.SetCommunityLastScrape(ctx, community.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamp last scrape: %w", err)
	}

	s.log.InfoContext(ctx, "Scrape done",
		"ident", community.Ident,
		"candidates", len(posts))

	return nil
}

// filterPosted drops candidates that were already mirrored, by exact source
// link equality.
func (s *Syncer) filterPosted(ctx context.Context, posts []models.CandidatePost) ([]models.CandidatePost, error) {
	links := make([]string, len(posts))
	for i, post := range posts {
		links[i] = post.SourceLink
	}

	existing, err := s.store.ExistingSourceLinks(ctx, links)
	if err != nil {
		return nil, err
	}

	var fresh []models.CandidatePost
	for _, post := range posts {
		if _, ok := existing[post.SourceLink]; !ok {
			fresh = append(fresh, post)
		}
	}

	return fresh, nil
}

// publish transforms and posts one candidate. Failures are isolated: the
// post is skipped and reappears as unmirrored on the next scrape. A gateway
// timeout is treated as a possible success and recorded with a placeholder
// link so the post is never attempted twice.
func (s *Syncer) publish(ctx context.Context, post models.CandidatePost, community *models.Community) {
	post = PreparePost(post, *community)

	var lemmyLink string

	created, err := s.lemmy.CreatePost(ctx, lemmy.CreatePostParams{
		CommunityID: community.LemmyID,
		Name:        post.Title,
		Body:        post.Body,
		URL:         post.ExternalLink,
		NSFW:        post.NSFW,
	})
	switch {
	case err == nil:
		lemmyLink = created.ApID
	case lemmy.IsGatewayTimeout(err):
		// Lemmy may well have created the post anyway. Record a
		// placeholder instead of re-posting and risking spam.
		s.log.WarnContext(ctx, "Gateway timeout on publish, assuming success",
			"error", err,
			"sourceLink", post.SourceLink)

		lemmyLink = "https://unconfirmed.invalid/" + community.Ident
	default:
		s.log.ErrorContext(ctx, "Failed to publish post",
			"error", err,
			"sourceLink", post.SourceLink)

		return
	}

	mirrored := &models.MirroredPost{
		SourceLink:  post.SourceLink,
		LemmyLink:   lemmyLink,
		Updated:     time.Now().UTC(),
		NSFW:        post.NSFW,
		CommunityID: community.ID,
	}
	if err = s.store.InsertPost(ctx, mirrored); err != nil {
		// The destination has the post but we have no record of it; the
		// next scrape would duplicate it unless this is cleaned up.
		s.log.ErrorContext(ctx, "Post published but not recorded locally, manual cleanup required",
			"error", err,
			"sourceLink", post.SourceLink,
			"lemmyLink", lemmyLink)
	}
}

// CheckRequests processes unread posts in the request community, each asking
// for a subreddit to be mirrored. Runs at most once per requestCheckInterval
// no matter how often it is called.
func (s *Syncer) CheckRequests(ctx context.Context) error {
	if !s.lastRequestCheck.IsZero() && time.Since(s.lastRequestCheck) < requestCheckInterval {
		s.log.DebugContext(ctx, "Not time yet for subreddit request check")

		return nil
	}

	s.log.InfoContext(ctx, "Checking for new subreddit requests",
		"requestCommunity", s.requestCommunity)

	posts, err := s.lemmy.UnreadPosts(ctx, s.requestCommunity)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to find new sub requests",
			"error", err,
			"requestCommunity", s.requestCommunity)

		return nil
	}

	for _, post := range posts {
		s.handleRequest(ctx, post)
	}

	s.lastRequestCheck = time.Now()

	return nil
}

func (s *Syncer) handleRequest(ctx context.Context, post lemmy.RequestPost) {
	s.log.InfoContext(ctx, "New subreddit request received",
		"postID", post.ID,
		"url", post.URL,
		"title", post.Name)

	info, err := s.communityFromRequest(ctx, post)
	if err != nil {
		var reqErr *requestError
		if !errors.As(err, &reqErr) {
			s.log.ErrorContext(ctx, "Failed to resolve subreddit request",
				"error", err,
				"postID", post.ID)

			return
		}

		s.log.WarnContext(ctx, "Rejecting subreddit request",
			"reason", reqErr.message,
			"postID", post.ID)
		s.comment(ctx, post.ID, reqErr.message)
		s.markRead(ctx, post.ID)

		return
	}

	if info.NSFW && !post.NSFW {
		s.log.WarnContext(ctx, "NSFW subreddit requested without NSFW flag",
			"ident", info.Ident,
			"postID", post.ID)
		s.comment(ctx, post.ID, "Requests for NSFW subs should be flagged as NSFW. "+
			"Please make a new request with the NSFW flag set.")
		s.markRead(ctx, post.ID)

		return
	}

	if err = s.createCommunity(ctx, info); err != nil {
		s.log.ErrorContext(ctx, "Failed to create new community",
			"error", err,
			"ident", info.Ident)
		s.comment(ctx, post.ID,
			"Something went terribly wrong trying to create that community. "+
				fmt.Sprintf("[@admin@%s](https://%s/u/admin) I need an adult! :(",
					s.lemmy.Hostname(), s.lemmy.Hostname()))
		s.markRead(ctx, post.ID)

		return
	}

	s.comment(ctx, post.ID, fmt.Sprintf(
		"I'll get right on that. Check out %s!\n\n"+
			"[Click here to fetch this community](/search/q/!%s%%40%s/"+
			"type/All/sort/TopAll/listing_type/All/community_id/0/creator_id/0/page/1) "+
			"for your Lemmy instance if you get a 404 error with the link above.",
		lemmy.CommunityURI(info.Ident, s.lemmy.Hostname()),
		info.Ident, s.lemmy.Hostname()))
	s.markRead(ctx, post.ID)
}

// communityFromRequest resolves a request post to the subreddit it asks for.
// All rejections come back as *requestError with a user-facing message.
func (s *Syncer) communityFromRequest(ctx context.Context, post lemmy.RequestPost) (*models.CommunityInfo, error) {
	ident := ""
	if post.URL != "" {
		if extracted, err := reddit.ExtractIdent(post.URL); err == nil {
			ident = extracted
		}
	}
	if ident == "" && post.Name != "" {
		if extracted, err := reddit.ExtractIdent(post.Name); err == nil {
			ident = extracted
		}
	}

	if ident == "" {
		return nil, &requestError{message: "Couldn't determine subreddit. Try requesting with both the " +
			"`url` (https://old.reddit.com/r/whatever) and `title` (/r/whatever)."}
	}

	existing, err := s.store.CommunityByIdent(ctx, ident)
	if err != nil {
		return nil, fmt.Errorf("look up community: %w", err)
	}
	if existing != nil {
		return nil, &requestError{message: fmt.Sprintf("There already is a '%s' community at %s!",
			ident, lemmy.CommunityURI(ident, s.lemmy.Hostname()))}
	}

	info, err := s.reddit.SubredditInfo(ctx, ident)
	if err != nil || info == nil {
		return nil, &requestError{message: fmt.Sprintf(
			"I cannot access https://old.reddit.com/r/%s. Does it exist and is it not private? "+
				"Otherwise make a new request again later.", ident)}
	}

	return info, nil
}

// AddCommunity mirrors a subreddit without going through the request flow,
// used by the management CLI.
func (s *Syncer) AddCommunity(ctx context.Context, ident string) error {
	// Accept both a bare name and any /r/<name> shaped reference.
	if extracted, err := reddit.ExtractIdent(ident); err == nil {
		ident = extracted
	} else {
		ident = strings.ToLower(strings.TrimSpace(ident))
	}
	if ident == "" {
		return errors.New("empty community ident")
	}

	existing, err := s.store.CommunityByIdent(ctx, ident)
	if err != nil {
		return fmt.Errorf("look up community: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("community %q already exists", ident)
	}

	info, err := s.reddit.SubredditInfo(ctx, ident)
	if err != nil {
		return fmt.Errorf("fetch subreddit info: %w", err)
	}
	if info == nil {
		return fmt.Errorf("subreddit %q does not exist or is private", ident)
	}

	return s.createCommunity(ctx, info)
}

// createCommunity creates the destination community (posting restricted to
// the bot) and the local record that puts it in the scrape rotation.
func (s *Syncer) createCommunity(ctx context.Context, info *models.CommunityInfo) error {
	lemmyID, err := s.lemmy.CreateCommunity(ctx, lemmy.CreateCommunityParams{
		Name:                    info.Ident,
		Title:                   info.Title,
		Description:             info.Description,
		Icon:                    info.Icon,
		NSFW:                    info.NSFW,
		PostingRestrictedToMods: true,
	})
	if err != nil {
		return fmt.Errorf("create destination community: %w", err)
	}

	community := &models.Community{
		LemmyID: lemmyID,
		Ident:   info.Ident,
		NSFW:    info.NSFW,
		Enabled: true,
		Sorting: models.SortHot,
	}
	if err = s.store.InsertCommunity(ctx, community); err != nil {
		return fmt.Errorf("insert local community: %w", err)
	}

	s.log.InfoContext(ctx, "New community created",
		"ident", info.Ident,
		"lemmyID", lemmyID,
		"nsfw", info.NSFW)

	return nil
}

func (s *Syncer) comment(ctx context.Context, postID int64, content string) {
	if err := s.lemmy.CreateComment(ctx, postID, content); err != nil {
		s.log.ErrorContext(ctx, "Failed to create comment",
			"error", err,
			"postID", postID)
	}
}

func (s *Syncer) markRead(ctx context.Context, postID int64) {
	if err := s.lemmy.MarkPostRead(ctx, postID, true); err != nil {
		s.log.ErrorContext(ctx, "Failed to mark post read",
			"error", err,
			"postID", postID)
	}
}
