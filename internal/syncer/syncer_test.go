package syncer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"lemmit/internal/lemmy"
	"lemmit/internal/models"
	"lemmit/internal/reddit"
)

type fakeStore struct {
	nextDue     *models.Community
	minInterval int64
	nextDueErr  error
	existing    map[string]struct{}
	communities map[string]*models.Community

	inserted      []models.MirroredPost
	insertErr     error
	lastScrape    map[int64]time.Time
	newCommunity  *models.Community
	insertedComms int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing:    make(map[string]struct{}),
		communities: make(map[string]*models.Community),
		lastScrape:  make(map[int64]time.Time),
	}
}

func (f *fakeStore) NextDueCommunity(context.Context, time.Time) (*models.Community, int64, error) {
	return f.nextDue, f.minInterval, f.nextDueErr
}

func (f *fakeStore) ExistingSourceLinks(_ context.Context, links []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	for _, link := range links {
		if _, ok := f.existing[link]; ok {
			found[link] = struct{}{}
		}
	}
	return found, nil
}

func (f *fakeStore) InsertPost(_ context.Context, post *models.MirroredPost) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, *post)
	return nil
}

func (f *fakeStore) SetCommunityLastScrape(_ context.Context, communityID int64, lastScrape time.Time) error {
	f.lastScrape[communityID] = lastScrape
	return nil
}

func (f *fakeStore) CommunityByIdent(_ context.Context, ident string) (*models.Community, error) {
	return f.communities[ident], nil
}

func (f *fakeStore) InsertCommunity(_ context.Context, community *models.Community) error {
	f.newCommunity = community
	f.insertedComms++
	return nil
}

type fakeSource struct {
	topics    []models.CandidatePost
	topicsErr error

	detailErr   map[string]error
	detailCalls []string

	info    *models.CommunityInfo
	infoErr error
}

func (f *fakeSource) SubredditTopics(context.Context, string, string, time.Time) ([]models.CandidatePost, error) {
	return f.topics, f.topicsErr
}

func (f *fakeSource) PostDetails(_ context.Context, post models.CandidatePost) (models.CandidatePost, error) {
	f.detailCalls = append(f.detailCalls, post.SourceLink)
	if err := f.detailErr[post.SourceLink]; err != nil {
		return models.CandidatePost{}, err
	}
	return post, nil
}

func (f *fakeSource) SubredditInfo(context.Context, string) (*models.CommunityInfo, error) {
	return f.info, f.infoErr
}

type fakeDestination struct {
	createPostErr   error
	createdPosts    []lemmy.CreatePostParams
	createCommErr   error
	createdComms    []lemmy.CreateCommunityParams
	unread          []lemmy.RequestPost
	unreadErr       error
	unreadCalls     int
	comments        map[int64][]string
	readPosts       map[int64]bool
	nextCommunityID int64
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		comments:        make(map[int64][]string),
		readPosts:       make(map[int64]bool),
		nextCommunityID: 42,
	}
}

func (f *fakeDestination) CreatePost(_ context.Context, params lemmy.CreatePostParams) (*lemmy.CreatedPost, error) {
	f.createdPosts = append(f.createdPosts, params)
	if f.createPostErr != nil {
		return nil, f.createPostErr
	}
	return &lemmy.CreatedPost{
		ID:   int64(len(f.createdPosts)),
		ApID: "https://lemmy.test/post/" + params.Name,
	}, nil
}

func (f *fakeDestination) CreateCommunity(_ context.Context, params lemmy.CreateCommunityParams) (int64, error) {
	if f.createCommErr != nil {
		return 0, f.createCommErr
	}
	f.createdComms = append(f.createdComms, params)
	return f.nextCommunityID, nil
}

func (f *fakeDestination) UnreadPosts(context.Context, string) ([]lemmy.RequestPost, error) {
	f.unreadCalls++
	return f.unread, f.unreadErr
}

func (f *fakeDestination) CreateComment(_ context.Context, postID int64, content string) error {
	f.comments[postID] = append(f.comments[postID], content)
	return nil
}

func (f *fakeDestination) MarkPostRead(_ context.Context, postID int64, read bool) error {
	f.readPosts[postID] = read
	return nil
}

func (f *fakeDestination) Hostname() string { return "lemmy.test" }

func candidate(link string, updated time.Time) models.CandidatePost {
	return models.CandidatePost{
		SourceLink: link,
		Title:      "Some post title",
		Author:     "/u/someone",
		Created:    updated,
		Updated:    updated,
		Body:       "body",
	}
}

func newTestSyncer(store *fakeStore, source *fakeSource, dest *fakeDestination) *Syncer {
	return New(store, source, dest, "requests", slog.Default())
}

func TestScrapeOnceNothingDue(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{}
	dest := newFakeDestination()

	if err := newTestSyncer(store, source, dest).ScrapeOnce(context.Background()); err != nil {
		t.Fatalf("ScrapeOnce: %v", err)
	}

	if len(dest.createdPosts) != 0 || len(store.lastScrape) != 0 {
		t.Error("expected a no-op cycle")
	}
}

func TestScrapeOnceMirrorsFreshPostsOldestFirst(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.nextDue = &models.Community{ID: 1, LemmyID: 9, Ident: "golang", Sorting: models.SortHot}
	store.existing["https://www.reddit.com/r/golang/comments/old/"] = struct{}{}

	source := &fakeSource{topics: []models.CandidatePost{
		candidate("https://www.reddit.com/r/golang/comments/b/", base.Add(2*time.Hour)),
		candidate("https://www.reddit.com/r/golang/comments/old/", base.Add(time.Hour)),
		candidate("https://www.reddit.com/r/golang/comments/a/", base),
	}}
	dest := newFakeDestination()

	if err := newTestSyncer(store, source, dest).ScrapeOnce(context.Background()); err != nil {
		t.Fatalf("ScrapeOnce: %v", err)
	}

	if len(store.inserted) != 2 {
		t.Fatalf("expected 2 mirrored posts, got %d", len(store.inserted))
	}
	if store.inserted[0].SourceLink != "https://www.reddit.com/r/golang/comments/a/" {
		t.Errorf("oldest post not mirrored first: %q", store.inserted[0].SourceLink)
	}
	for _, post := range store.inserted {
		if post.SourceLink == "https://www.reddit.com/r/golang/comments/old/" {
			t.Error("already mirrored post published again")
		}
		if post.CommunityID != 1 {
			t.Errorf("wrong community id: %d", post.CommunityID)
		}
	}

	for _, params := range dest.createdPosts {
		if params.CommunityID != 9 {
			t.Errorf("post created in wrong destination community: %d", params.CommunityID)
		}
		if !strings.Contains(params.Body, "This is an automated archive") {
			t.Error("post published without attribution header")
		}
	}

	if _, ok := store.lastScrape[1]; !ok {
		t.Error("last scrape not stamped")
	}
}

func TestScrapeOnceListingFailureRetriesLater(t *testing.T) {
	store := newFakeStore()
	store.nextDue = &models.Community{ID: 1, Ident: "golang"}
	source := &fakeSource{topicsErr: errors.New("reddit is down")}
	dest := newFakeDestination()

	if err := newTestSyncer(store, source, dest).ScrapeOnce(context.Background()); err != nil {
		t.Fatalf("ScrapeOnce: %v", err)
	}

	if len(store.lastScrape) != 0 {
		t.Error("last scrape stamped although nothing was scraped")
	}
}

func TestScrapeOnceDetailFailures(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		detailErr   error
		wantStamped bool
		wantSecond  bool
	}{
		{
			name:        "gone post is skipped",
			detailErr:   reddit.ErrNotFound,
			wantStamped: true,
			wantSecond:  true,
		},
		{
			name:        "transient failure aborts the cycle",
			detailErr:   errors.New("timeout"),
			wantStamped: false,
			wantSecond:  false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := newFakeStore()
			store.nextDue = &models.Community{ID: 1, Ident: "golang"}

			source := &fakeSource{
				topics: []models.CandidatePost{
					candidate("https://www.reddit.com/r/golang/comments/a/", base),
					candidate("https://www.reddit.com/r/golang/comments/b/", base.Add(time.Hour)),
				},
				detailErr: map[string]error{
					"https://www.reddit.com/r/golang/comments/a/": test.detailErr,
				},
			}
			dest := newFakeDestination()

			if err := newTestSyncer(store, source, dest).ScrapeOnce(context.Background()); err != nil {
				t.Fatalf("ScrapeOnce: %v", err)
			}

			_, stamped := store.lastScrape[1]
			if stamped != test.wantStamped {
				t.Errorf("last scrape stamped = %v, want %v", stamped, test.wantStamped)
			}

			second := false
			for _, post := range store.inserted {
				if post.SourceLink == "https://www.reddit.com/r/golang/comments/b/" {
					second = true
				}
				if post.SourceLink == "https://www.reddit.com/r/golang/comments/a/" {
					t.Error("failed post was mirrored anyway")
				}
			}
			if second != test.wantSecond {
				t.Errorf("second post mirrored = %v, want %v", second, test.wantSecond)
			}
		})
	}
}

func TestScrapeOnceGatewayTimeoutRecordsPlaceholder(t *testing.T) {
	store := newFakeStore()
	store.nextDue = &models.Community{ID: 1, LemmyID: 9, Ident: "golang"}

	source := &fakeSource{topics: []models.CandidatePost{
		candidate("https://www.reddit.com/r/golang/comments/a/", time.Now().UTC()),
	}}
	dest := newFakeDestination()
	dest.createPostErr = &lemmy.HTTPError{
		StatusCode: http.StatusGatewayTimeout,
		Body:       "<html>504 Gateway Time-out</html>",
	}

	if err := newTestSyncer(store, source, dest).ScrapeOnce(context.Background()); err != nil {
		t.Fatalf("ScrapeOnce: %v", err)
	}

	if len(dest.createdPosts) != 1 {
		t.Fatalf("expected exactly one publish attempt, got %d", len(dest.createdPosts))
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected the post recorded despite the timeout, got %d records", len(store.inserted))
	}
	if got := store.inserted[0].LemmyLink; got != "https://unconfirmed.invalid/golang" {
		t.Errorf("unexpected placeholder link %q", got)
	}
}

func TestScrapeOncePublishFailureSkipsPost(t *testing.T) {
	store := newFakeStore()
	store.nextDue = &models.Community{ID: 1, LemmyID: 9, Ident: "golang"}

	source := &fakeSource{topics: []models.CandidatePost{
		candidate("https://www.reddit.com/r/golang/comments/a/", time.Now().UTC()),
	}}
	dest := newFakeDestination()
	dest.createPostErr = &lemmy.HTTPError{StatusCode: http.StatusBadRequest, Body: "no"}

	if err := newTestSyncer(store, source, dest).ScrapeOnce(context.Background()); err != nil {
		t.Fatalf("ScrapeOnce: %v", err)
	}

	if len(store.inserted) != 0 {
		t.Error("failed publish must not be recorded")
	}
	if _, ok := store.lastScrape[1]; !ok {
		t.Error("publish failure must not block the scrape stamp")
	}
}

func TestCheckRequestsThrottled(t *testing.T) {
	dest := newFakeDestination()
	sync := newTestSyncer(newFakeStore(), &fakeSource{}, dest)
	sync.lastRequestCheck = time.Now()

	if err := sync.CheckRequests(context.Background()); err != nil {
		t.Fatalf("CheckRequests: %v", err)
	}

	if dest.unreadCalls != 0 {
		t.Error("inbox read although the previous check was recent")
	}
}

func TestCheckRequestsCreatesCommunity(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{info: &models.CommunityInfo{
		Ident:       "golang",
		Title:       "The Go Programming Language",
		Description: "Gophers",
	}}
	dest := newFakeDestination()
	dest.unread = []lemmy.RequestPost{{
		ID:   5,
		Name: "Please mirror this",
		URL:  "https://old.reddit.com/r/golang",
	}}

	sync := newTestSyncer(store, source, dest)
	if err := sync.CheckRequests(context.Background()); err != nil {
		t.Fatalf("CheckRequests: %v", err)
	}

	if len(dest.createdComms) != 1 {
		t.Fatalf("expected 1 community created, got %d", len(dest.createdComms))
	}
	created := dest.createdComms[0]
	if created.Name != "golang" || !created.PostingRestrictedToMods {
		t.Errorf("unexpected community params: %+v", created)
	}

	if store.newCommunity == nil {
		t.Fatal("local community record missing")
	}
	if store.newCommunity.LemmyID != 42 || !store.newCommunity.Enabled {
		t.Errorf("unexpected local record: %+v", store.newCommunity)
	}
	if store.newCommunity.Sorting != models.SortHot {
		t.Errorf("new community sorting = %q", store.newCommunity.Sorting)
	}

	comments := dest.comments[5]
	if len(comments) != 1 || !strings.Contains(comments[0], "golang@lemmy.test") {
		t.Errorf("unexpected confirmation comments: %v", comments)
	}
	if !dest.readPosts[5] {
		t.Error("request not marked read")
	}
	if sync.lastRequestCheck.IsZero() {
		t.Error("request check watermark not stamped")
	}
}

func TestCheckRequestsRejections(t *testing.T) {
	tests := []struct {
		name        string
		post        lemmy.RequestPost
		existing    *models.Community
		info        *models.CommunityInfo
		infoErr     error
		wantComment string
	}{
		{
			name:        "no subreddit recognizable",
			post:        lemmy.RequestPost{ID: 5, Name: "please add my favorite sub"},
			wantComment: "Couldn't determine subreddit",
		},
		{
			name:        "community already mirrored",
			post:        lemmy.RequestPost{ID: 5, URL: "https://old.reddit.com/r/golang"},
			existing:    &models.Community{ID: 1, Ident: "golang"},
			wantComment: "There already is a 'golang' community",
		},
		{
			name:        "subreddit unreachable",
			post:        lemmy.RequestPost{ID: 5, URL: "https://old.reddit.com/r/golang"},
			infoErr:     errors.New("boom"),
			wantComment: "I cannot access https://old.reddit.com/r/golang",
		},
		{
			name:        "nsfw subreddit without nsfw flag",
			post:        lemmy.RequestPost{ID: 5, URL: "https://old.reddit.com/r/golang"},
			info:        &models.CommunityInfo{Ident: "golang", NSFW: true},
			wantComment: "flagged as NSFW",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := newFakeStore()
			if test.existing != nil {
				store.communities[test.existing.Ident] = test.existing
			}
			source := &fakeSource{info: test.info, infoErr: test.infoErr}
			dest := newFakeDestination()
			dest.unread = []lemmy.RequestPost{test.post}

			if err := newTestSyncer(store, source, dest).CheckRequests(context.Background()); err != nil {
				t.Fatalf("CheckRequests: %v", err)
			}

			if len(dest.createdComms) != 0 || store.insertedComms != 0 {
				t.Error("rejected request still created a community")
			}

			comments := dest.comments[test.post.ID]
			if len(comments) != 1 || !strings.Contains(comments[0], test.wantComment) {
				t.Errorf("comments = %v, want one containing %q", comments, test.wantComment)
			}
			if !dest.readPosts[test.post.ID] {
				t.Error("rejected request not marked read")
			}
		})
	}
}

func TestCheckRequestsCreateFailureAsksForHelp(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{info: &models.CommunityInfo{Ident: "golang"}}
	dest := newFakeDestination()
	dest.unread = []lemmy.RequestPost{{ID: 5, URL: "https://old.reddit.com/r/golang"}}
	dest.createCommErr = errors.New("lemmy exploded")

	if err := newTestSyncer(store, source, dest).CheckRequests(context.Background()); err != nil {
		t.Fatalf("CheckRequests: %v", err)
	}

	comments := dest.comments[5]
	if len(comments) != 1 || !strings.Contains(comments[0], "I need an adult") {
		t.Errorf("unexpected comments: %v", comments)
	}
	if !dest.readPosts[5] {
		t.Error("failed request not marked read")
	}
	if store.insertedComms != 0 {
		t.Error("local record created although the destination call failed")
	}
}

func TestAddCommunity(t *testing.T) {
	tests := []struct {
		name  string
		ident string
	}{
		{"bare name", "Golang"},
		{"slash r reference", "/r/golang"},
		{"full url", "https://old.reddit.com/r/golang"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := newFakeStore()
			source := &fakeSource{info: &models.CommunityInfo{Ident: "golang"}}
			dest := newFakeDestination()

			sync := newTestSyncer(store, source, dest)
			if err := sync.AddCommunity(context.Background(), test.ident); err != nil {
				t.Fatalf("AddCommunity(%q): %v", test.ident, err)
			}

			if store.newCommunity == nil || store.newCommunity.Ident != "golang" {
				t.Errorf("unexpected local record: %+v", store.newCommunity)
			}
		})
	}
}

func TestAddCommunityAlreadyExists(t *testing.T) {
	store := newFakeStore()
	store.communities["golang"] = &models.Community{ID: 1, Ident: "golang"}
	source := &fakeSource{info: &models.CommunityInfo{Ident: "golang"}}
	dest := newFakeDestination()

	err := newTestSyncer(store, source, dest).AddCommunity(context.Background(), "golang")
	if err == nil {
		t.Fatal("expected an error for a known community")
	}
	if len(dest.createdComms) != 0 {
		t.Error("duplicate community created on destination")
	}
}
