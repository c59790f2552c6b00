// Package reddit scrapes old.reddit.com: topic listings through the RSS
// feeds, post details and subreddit metadata through the HTML pages.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"lemmit/internal/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/mmcdole/gofeed"
	"mvdan.cc/xurls/v2"
)

const (
	baseURL       = "https://old.reddit.com"
	userAgent     = "lemmit-mirror-bot/1.0"
	requestDelay  = 3 * time.Second
	clientTimeout = 30 * time.Second
	retryAttempts = 3
)

// ErrNotFound marks a resource that is permanently gone on reddit, as
// opposed to a transient fetch failure.
var ErrNotFound = errors.New("not found on reddit")

var (
	subredditRe  = regexp.MustCompile(`(?i)(.*reddit\.com/|^/?)r/([^/\s]+)`)
	stripEmptyRe = regexp.MustCompile(`\n{3,}`)
)

// page is the outcome of one paced fetch.
type page struct {
	body     []byte
	finalURL string
	nsfwGate bool // the over18 interstitial was encountered
}

type Reader struct {
	httpClient *http.Client
	libParser  *gofeed.Parser
	log        *slog.Logger

	// Watermark pacing outbound requests; reddit throttles aggressively.
	nextRequestAfter time.Time
}

func NewReader(log *slog.Logger) (*Reader, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Reader{
		httpClient: &http.Client{Timeout: clientTimeout, Jar: jar},
		libParser:  gofeed.NewParser(),
		log:        log,
	}, nil
}

// ExtractIdent pulls a subreddit name out of a URL or free-form text,
// normalized to lowercase. URLs found in the text are tried first.
func ExtractIdent(text string) (string, error) {
	text = strings.TrimSpace(text)

	for _, u := range xurls.Relaxed().FindAllString(text, -1) {
		if m := subredditRe.FindStringSubmatch(u); m != nil {
			return strings.ToLower(m[2]), nil
		}
	}

	if m := subredditRe.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[2]), nil
	}

	return "", fmt.Errorf("no subreddit found in %q", text)
}

// SubredditTopics lists a subreddit's current posts through its RSS feed.
// Posts not updated after since are dropped when since is non-zero.
func (r *Reader) SubredditTopics(
	ctx context.Context,
	ident string,
	sorting string,
	since time.Time,
) ([]models.CandidatePost, error) {
	feedURL := fmt.Sprintf("%s/r/%s/.rss", baseURL, ident)
	if sorting == models.SortNew {
		feedURL = fmt.Sprintf("%s/r/%s/new/.rss?sort=new", baseURL, ident)
	}

	p, err := r.get(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	feed, err := r.libParser.ParseString(string(p.body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	return feedToPosts(feed, since), nil
}

// PostDetails enriches a candidate with body, external link and the accurate
// NSFW flag from its post page. Returns ErrNotFound for deleted posts.
func (r *Reader) PostDetails(ctx context.Context, post models.CandidatePost) (models.CandidatePost, error) {
	oldURL := strings.Replace(post.SourceLink, "://www.", "://old.", 1)

	p, err := r.get(ctx, oldURL)
	if err != nil {
		return post, fmt.Errorf("fetch post page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(p.body)))
	if err != nil {
		return post, fmt.Errorf("parse post page: %w", err)
	}

	return parsePostDetails(doc, post)
}

// SubredditInfo scrapes a subreddit's front page for its title, description
// and icon. Returns nil without error when the subreddit does not exist or
// cannot be read.
func (r *Reader) SubredditInfo(ctx context.Context, ident string) (*models.CommunityInfo, error) {
	subURL := fmt.Sprintf("%s/r/%s/", baseURL, ident)

	p, err := r.get(ctx, subURL)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch subreddit page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(p.body)))
	if err != nil {
		return nil, fmt.Errorf("parse subreddit page: %w", err)
	}

	info := parseSubredditInfo(doc, ident)
	info.NSFW = p.nsfwGate

	return info, nil
}

func feedToPosts(feed *gofeed.Feed, since time.Time) []models.CandidatePost {
	var posts []models.CandidatePost
	for _, item := range feed.Items {
		var created, updated time.Time
		if item.PublishedParsed != nil {
			created = *item.PublishedParsed
		}
		if item.UpdatedParsed != nil {
			updated = *item.UpdatedParsed
		} else {
			updated = created
		}

		author := "[deleted]"
		if item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
			author = strings.TrimSpace(item.Author.Name)
		}

		if !since.IsZero() && !updated.After(since) {
			continue
		}

		posts = append(posts, models.CandidatePost{
			SourceLink:  item.Link,
			Title:       item.Title,
			Created:     created,
			Updated:     updated,
			Author:      author,
			Upvotes:     2,
			UpvoteRatio: 1.0,
		})
	}

	return posts
}

func parsePostDetails(doc *goquery.Document, post models.CandidatePost) (models.CandidatePost, error) {
	if body := doc.Find(".expando form .md").First(); body.Length() > 0 {
		post.Body = htmlToMarkdown(body)
	} else {
		post.Body = ""
	}

	info := doc.Find("div[data-timestamp][data-nsfw]").First()
	if info.Length() == 0 {
		return post, errors.New("post metadata node missing")
	}

	post.NSFW = info.AttrOr("data-nsfw", "false") != "false"

	dataURL := info.AttrOr("data-url", "")
	if strings.HasPrefix(dataURL, "/r/") {
		post.ExternalLink = ""
	} else {
		post.ExternalLink = dataURL
	}

	return post, nil
}

func parseSubredditInfo(doc *goquery.Document, ident string) *models.CommunityInfo {
	icon := ""
	if iconElm := doc.Find("img#header-img[src]").First(); iconElm.Length() > 0 {
		icon = iconElm.AttrOr("src", "")
		if strings.HasPrefix(icon, "//") {
			icon = "https:" + icon
		}
	}

	description := doc.Find(`head>meta[name="description"][content]`).First().AttrOr("content", "")

	return &models.CommunityInfo{
		Ident:       ident,
		Title:       strings.TrimSpace(doc.Find("head>title").First().Text()),
		Description: description,
		Icon:        icon,
	}
}

// get performs a paced GET with retries for transient failures. The over18
// interstitial is answered once and the original URL refetched.
func (r *Reader) get(ctx context.Context, rawURL string) (*page, error) {
	var result *page

	err := retry.Do(
		func() error {
			p, err := r.fetchOnce(ctx, rawURL)
			if err != nil {
				return err
			}

			result = p

			return nil
		},
		retry.Attempts(retryAttempts),
		retry.Delay(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.log.InfoContext(ctx, "Retrying reddit fetch",
				"attempt", n,
				"error", err,
				"url", rawURL)
		}),
	)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *Reader) fetchOnce(ctx context.Context, rawURL string) (*page, error) {
	resp, err := r.request(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	nsfwGate := false
	if strings.Contains(resp.Request.URL.String(), "over18") {
		nsfwGate = true

		if err = r.consentOver18(ctx, resp.Request.URL.String()); err != nil {
			return nil, err
		}

		if resp, err = r.request(ctx, http.MethodGet, rawURL, nil); err != nil {
			return nil, err
		}
		if strings.Contains(resp.Request.URL.String(), "over18") {
			return nil, retry.Unrecoverable(errors.New("over18 consent loop"))
		}
	}

	return &page{body: resp.body, finalURL: resp.Request.URL.String(), nsfwGate: nsfwGate}, nil
}

func (r *Reader) consentOver18(ctx context.Context, gateURL string) error {
	form := url.Values{"over18": {"yes"}}

	_, err := r.request(ctx, http.MethodPost, gateURL, form)
	if err != nil {
		return fmt.Errorf("over18 consent: %w", err)
	}

	return nil
}

// response bundles a drained HTTP response.
type response struct {
	*http.Response
	body []byte
}

func (r *Reader) request(ctx context.Context, method, rawURL string, form url.Values) (*response, error) {
	r.pace(ctx)

	var bodyReader io.Reader
	if form != nil {
		bodyReader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.log.ErrorContext(ctx, "Failed to close response body",
				"error", closeErr,
				"url", rawURL)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.Unrecoverable(fmt.Errorf("%w: %s", ErrNotFound, rawURL))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, retry.Unrecoverable(fmt.Errorf("reddit returned HTTP %d for %s", resp.StatusCode, rawURL))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("reddit returned HTTP %d for %s", resp.StatusCode, rawURL)
	}

	return &response{Response: resp, body: body}, nil
}

// pace blocks until the next request slot and claims the one after it.
func (r *Reader) pace(ctx context.Context) {
	now := time.Now()
	if wait := r.nextRequestAfter.Sub(now); wait > 0 {
		r.log.DebugContext(ctx, "Delaying next reddit request",
			"wait", wait.String())

		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}

	r.nextRequestAfter = time.Now().Add(requestDelay)
}
