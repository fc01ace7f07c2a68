// Package markup sanitizes learner-visible HTML fragments such as grader
// messages and hints.
package markup

import (
	"bytes"
	"io"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// AllowedTags is the fixed whitelist of elements kept by SanitizeHTML.
var AllowedTags = []string{"div", "p", "audio", "pre", "span", "a", "em", "strong", "mark"}

var (
	allowed = func() map[string]struct{} {
		set := make(map[string]struct{}, len(AllowedTags))
		for _, tag := range AllowedTags {
			set[tag] = struct{}{}
		}
		return set
	}()

	whitelistPolicy = newWhitelistPolicy()
	stripPolicy     = bluemonday.StrictPolicy()
)

func newWhitelistPolicy() *bluemonday.Policy {
	policy := bluemonday.NewPolicy()
	policy.AllowElements(AllowedTags...)
	policy.RequireParseableURLs(true)
	policy.AllowRelativeURLs(true)
	policy.AllowURLSchemes("mailto", "http", "https")
	policy.AllowAttrs("href").OnElements("a")
	policy.AllowNoAttrs().OnElements("a")
	return policy
}

// SanitizeHTML keeps whitelisted tags and HTML-escapes every other tag so it
// renders as text instead of disappearing.
func SanitizeHTML(fragment string) string {
	if fragment == "" {
		return ""
	}
	return whitelistPolicy.Sanitize(escapeForeignTags(fragment))
}

// RemoveMarkup drops all tags and leaves entity-encoded text.
func RemoveMarkup(fragment string) string {
	if fragment == "" {
		return ""
	}
	return stripPolicy.Sanitize(fragment)
}

// escapeForeignTags rewrites tags outside the whitelist, comments and
// doctypes as escaped text. Whitelisted tags pass through untouched and are
// attribute-filtered by the bluemonday policy afterwards.
func escapeForeignTags(fragment string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	var out bytes.Buffer
	out.Grow(len(fragment))

	for {
		kind := tokenizer.Next()
		if kind == html.ErrorToken {
			if tokenizer.Err() != io.EOF {
				out.WriteString(html.EscapeString(string(tokenizer.Raw())))
			}
			return out.String()
		}

		raw := string(tokenizer.Raw())
		switch kind {
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if _, ok := allowed[strings.ToLower(string(name))]; ok {
				out.WriteString(raw)
				continue
			}
			out.WriteString(html.EscapeString(raw))
		case html.TextToken:
			out.WriteString(raw)
		default:
			out.WriteString(html.EscapeString(raw))
		}
	}
}
