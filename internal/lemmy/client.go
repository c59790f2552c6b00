// Package lemmy is a minimal client for the parts of the Lemmy HTTP API the
// mirror bot needs: community lookup and creation, post and comment creation,
// and inbox handling for the request community.
package lemmy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const clientTimeout = 30 * time.Second

// HTTPError is a non-2xx response from the Lemmy API. The body is kept so
// callers can distinguish the ambiguous gateway-timeout case on post
// creation.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("lemmy API returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an HTTP 404 from the Lemmy API.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// IsGatewayTimeout reports whether err is the reverse proxy's 504 page. Lemmy
// may have processed the request anyway, so callers treat this as a possible
// success.
func IsGatewayTimeout(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) &&
		httpErr.StatusCode == http.StatusGatewayTimeout &&
		strings.Contains(httpErr.Body, "Time-out")
}

// CommunityURI renders the user-facing markdown address of a community.
func CommunityURI(ident, hostname string) string {
	ref := fmt.Sprintf("/c/%s@%s", ident, hostname)
	return fmt.Sprintf("[%s](%s)", ref, ref)
}

type CommunityView struct {
	ID          int64
	Subscribers int64
	Published   time.Time
}

type CreatePostParams struct {
	CommunityID int64
	Name        string
	Body        string
	URL         string
	NSFW        bool
}

type CreatedPost struct {
	ID   int64
	ApID string
}

type CreateCommunityParams struct {
	Name                    string
	Title                   string
	Description             string
	Icon                    string
	NSFW                    bool
	PostingRestrictedToMods bool
}

// RequestPost is an entry from the request community's post list.
type RequestPost struct {
	ID   int64
	Name string
	URL  string
	NSFW bool
	Read bool
}

type Client struct {
	baseURL    string
	hostname   string
	httpClient *http.Client
	token      string
	log        *slog.Logger
}

// New logs in with the given credentials and returns an authenticated client.
func New(ctx context.Context, baseURL, username, password string, log *slog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	c := &Client{
		baseURL:    baseURL,
		hostname:   parsed.Hostname(),
		httpClient: &http.Client{Timeout: clientTimeout},
		log:        log,
	}

	if err = c.login(ctx, username, password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	return c, nil
}

// Hostname returns the destination instance's hostname, used in user-facing
// community addresses.
func (c *Client) Hostname() string {
	return c.hostname
}

func (c *Client) login(ctx context.Context, username, password string) error {
	body := map[string]any{
		"username_or_email": username,
		"password":          password,
	}

	var resp struct {
		JWT string `json:"jwt"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/user/login", nil, body, &resp); err != nil {
		return err
	}
	if resp.JWT == "" {
		return errors.New("login response contains no token")
	}

	c.token = resp.JWT

	return nil
}

// Community fetches subscriber count and publication date of a community by
// name. A missing community surfaces as an HTTPError with status 404.
func (c *Client) Community(ctx context.Context, name string) (*CommunityView, error) {
	query := url.Values{"name": {name}}

	var resp struct {
		CommunityView struct {
			Community struct {
				ID        int64  `json:"id"`
				Published string `json:"published"`
			} `json:"community"`
			Counts struct {
				Subscribers int64 `json:"subscribers"`
			} `json:"counts"`
		} `json:"community_view"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/community", query, nil, &resp); err != nil {
		return nil, err
	}

	published, err := parseTimestamp(resp.CommunityView.Community.Published)
	if err != nil {
		return nil, fmt.Errorf("parse published timestamp: %w", err)
	}

	return &CommunityView{
		ID:          resp.CommunityView.Community.ID,
		Subscribers: resp.CommunityView.Counts.Subscribers,
		Published:   published,
	}, nil
}

func (c *Client) CreatePost(ctx context.Context, params CreatePostParams) (*CreatedPost, error) {
	body := map[string]any{
		"community_id": params.CommunityID,
		"name":         params.Name,
		"nsfw":         params.NSFW,
	}
	if params.Body != "" {
		body["body"] = params.Body
	}
	if params.URL != "" {
		body["url"] = params.URL
	}

	var resp struct {
		PostView struct {
			Post struct {
				ID   int64  `json:"id"`
				ApID string `json:"ap_id"`
			} `json:"post"`
		} `json:"post_view"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/post", nil, body, &resp); err != nil {
		return nil, err
	}

	return &CreatedPost{ID: resp.PostView.Post.ID, ApID: resp.PostView.Post.ApID}, nil
}

func (c *Client) CreateCommunity(ctx context.Context, params CreateCommunityParams) (int64, error) {
	body := map[string]any{
		"name":                       params.Name,
		"title":                      params.Title,
		"nsfw":                       params.NSFW,
		"posting_restricted_to_mods": params.PostingRestrictedToMods,
	}
	if params.Description != "" {
		body["description"] = params.Description
	}
	if params.Icon != "" {
		body["icon"] = params.Icon
	}

	var resp struct {
		CommunityView struct {
			Community struct {
				ID int64 `json:"id"`
			} `json:"community"`
		} `json:"community_view"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/community", nil, body, &resp); err != nil {
		return 0, err
	}

	return resp.CommunityView.Community.ID, nil
}

// UnreadPosts lists the posts of the given community that have not been
// marked read by the bot account.
func (c *Client) UnreadPosts(ctx context.Context, communityName string) ([]RequestPost, error) {
	query := url.Values{
		"community_name": {communityName},
		"type_":          {"All"},
		"sort":           {"New"},
	}

	var resp struct {
		Posts []struct {
			Post struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
				URL  string `json:"url"`
				NSFW bool   `json:"nsfw"`
			} `json:"post"`
			Read bool `json:"read"`
		} `json:"posts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/post/list", query, nil, &resp); err != nil {
		return nil, err
	}

	var unread []RequestPost
	for _, p := range resp.Posts {
		if p.Read {
			continue
		}

		unread = append(unread, RequestPost{
			ID:   p.Post.ID,
			Name: p.Post.Name,
			URL:  p.Post.URL,
			NSFW: p.Post.NSFW,
		})
	}

	return unread, nil
}

func (c *Client) CreateComment(ctx context.Context, postID int64, content string) error {
	body := map[string]any{
		"post_id": postID,
		"content": content,
	}

	var resp json.RawMessage
	return c.do(ctx, http.MethodPost, "/api/v3/comment", nil, body, &resp)
}

func (c *Client) MarkPostRead(ctx context.Context, postID int64, read bool) error {
	body := map[string]any{
		"post_id": postID,
		"read":    read,
	}

	var resp json.RawMessage
	return c.do(ctx, http.MethodPost, "/api/v3/post/mark_as_read", nil, body, &resp)
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body any,
	out any,
) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.ErrorContext(ctx, "Failed to close response body",
				"error", closeErr,
				"url", reqURL)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err = json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}

	return nil
}

// Lemmy's published field comes without a timezone on older versions.
func parseTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, lastErr
}
