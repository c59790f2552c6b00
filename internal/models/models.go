package models

import "time"

const (
	SortHot = "hot"
	SortNew = "new"
)

// Community is a subreddit mirrored into a Lemmy community.
type Community struct {
	ID         int64
	LemmyID    int64
	Ident      string
	NSFW       bool
	Enabled    bool
	Sorting    string
	Created    *time.Time
	LastScrape *time.Time
}

// CommunityStats holds the adaptive scheduling state for one community.
// LastUpdate stays at the epoch-zero sentinel until the first refresh.
type CommunityStats struct {
	CommunityID int64
	Subscribers int64
	PostsPerDay int64
	MinInterval int64 // minutes
	LastUpdate  time.Time
}

// MirroredPost records a successfully published post. Write-once; used for
// dedup and posts-per-day counting only.
type MirroredPost struct {
	ID          int64
	SourceLink  string
	LemmyLink   string
	Updated     time.Time
	NSFW        bool
	CommunityID int64
}

// CandidatePost is a feed entry fetched from reddit, not yet known to be
// mirrored. Enriched with body/external link/NSFW before publishing.
type CandidatePost struct {
	SourceLink   string
	Title        string
	Created      time.Time
	Updated      time.Time
	Author       string
	ExternalLink string
	Body         string
	NSFW         bool
	Upvotes      int64
	UpvoteRatio  float64
}

// CommunityInfo describes a subreddit as scraped from its front page.
type CommunityInfo struct {
	Ident       string
	Title       string
	Description string
	Icon        string
	NSFW        bool
}
