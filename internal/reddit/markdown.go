package reddit

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

// mdConverter renders reddit selftext HTML back into markdown. Safe for
// concurrent reuse; one instance serves the whole process.
var mdConverter = newMarkdownConverter()

func newMarkdownConverter() *md.Converter {
	conv := md.NewConverter(baseURL, true, &md.Options{
		EmDelimiter:    "*",
		CodeBlockStyle: "fenced",
		HorizontalRule: "---",
		// Only path-absolute links get the source domain; scheme-relative
		// and absolute ones pass through untouched.
		GetAbsoluteURL: func(_ *goquery.Selection, rawURL string, _ string) string {
			if strings.HasPrefix(rawURL, "/") && !strings.HasPrefix(rawURL, "//") {
				return baseURL + rawURL
			}
			return rawURL
		},
	})
	conv.Use(plugin.Strikethrough("~~"))

	return conv
}

// htmlToMarkdown converts a reddit selftext node into markdown. Zero-width
// spaces are stripped and runs of blank lines collapsed, matching what
// reddit's own renderer round-trips.
func htmlToMarkdown(sel *goquery.Selection) string {
	markdown := mdConverter.Convert(sel)

	markdown = strings.ReplaceAll(markdown, "\u200b", "")
	markdown = stripEmptyRe.ReplaceAllString(markdown, "\n\n")

	return strings.TrimSpace(markdown)
}
