package syncer

import (
	"fmt"
	"regexp"
	"strings"

	"lemmit/internal/models"
)

const (
	maxTitleLength = 200
	titleKeep      = 196

	maxURLLength = 512

	maxBodyLength = 10000
	bodyKeep      = 9800
)

// Lemmy rejects titles without at least three consecutive non-whitespace
// characters, which unfortunately also blocks titles like "uh oh".
var validTitleRe = regexp.MustCompile(`\S{3,}`)

// PreparePost turns a scraped reddit post into its mirrored form: an
// attribution header, a title that satisfies the destination's constraints,
// an external link within limits and a capped body. Pure; the input is not
// modified.
func PreparePost(post models.CandidatePost, community models.Community) models.CandidatePost {
	oldLink := strings.Replace(post.SourceLink, "https://www.", "https://old.", 1)

	// A deleted author is "[deleted]", not a /u/ reference, and gets no link.
	author := post.Author
	if strings.HasPrefix(author, "/u/") {
		author = fmt.Sprintf("[%s](https://old.reddit.com%s)", author, author)
	}

	header := fmt.Sprintf(
		"##### This is an automated archive.\n"+
			"The original was posted on [/r/%s](%s) by %s on %s.\n",
		community.Ident, oldLink, author,
		post.Created.UTC().Format("2006-01-02 15:04:05"))

	titleRunes := []rune(post.Title)
	if len(titleRunes) >= maxTitleLength {
		header += fmt.Sprintf("\n**Original Title**: %s\n", post.Title)
		post.Title = string(titleRunes[:titleKeep]) + "..."
	} else if !validTitleRe.MatchString(post.Title) {
		header += fmt.Sprintf("\n**Original Title**: %s\n", post.Title)
		post.Title = strings.TrimRight(post.Title, " \t\n") + "..."
	}

	if post.ExternalLink != "" {
		switch {
		case len(post.ExternalLink) > maxURLLength:
			header += fmt.Sprintf("\n**Original URL**: %s\n", post.ExternalLink)
			post.ExternalLink = ""
		case strings.HasPrefix(post.ExternalLink, "/"):
			post.ExternalLink = "https://old.reddit.com" + post.ExternalLink
		case strings.HasPrefix(post.ExternalLink, "https://v.redd.it"):
			// Lemmy cannot embed reddit video, point at the post instead.
			post.ExternalLink = oldLink
		}
	}

	if post.Body != "" {
		post.Body = header + "***\n" + post.Body
	} else {
		post.Body = header
	}

	bodyRunes := []rune(post.Body)
	if len(bodyRunes) > maxBodyLength {
		notice := "...\n***\nContent cut off. Read original on " + post.SourceLink

		keep := bodyKeep
		if most := maxBodyLength - len([]rune(notice)); most < keep {
			keep = max(most, 0)
		}

		post.Body = string(bodyRunes[:keep]) + notice
	}

	return post
}
