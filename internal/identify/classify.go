package identify

import (
	"net/url"
	"regexp"
	"strings"
)

// Classification is the routing decision for a raw input.
type Classification struct {
	Kind       QueryKind
	Normalized string // raw input trimmed, URLs given an https scheme
	Hint       string // accompanying text when an image forces Kind to photo
	Inert      bool   // too short to act on, no query should be issued
}

// bareDomainRe matches inputs like "example.com" or "www.shop.fi/clubs"
// that users paste without a scheme.
var bareDomainRe = regexp.MustCompile(`^(www\.)?[a-zA-Z0-9][a-zA-Z0-9-]*(\.[a-zA-Z0-9][a-zA-Z0-9-]*)+(/\S*)?$`)

// Classify decides whether raw input is a URL, free text, or accompanies
// an image. An attached image always wins: the text becomes a hint, not
// the query. Text shorter than two runes after trimming is inert.
func Classify(raw string, hasImage bool) Classification {
	trimmed := strings.TrimSpace(raw)

	if hasImage {
		return Classification{Kind: KindPhoto, Hint: trimmed}
	}

	if isURL(trimmed) {
		return Classification{Kind: KindURL, Normalized: normalizeURL(trimmed)}
	}

	if len([]rune(trimmed)) < 2 {
		return Classification{Kind: KindText, Normalized: trimmed, Inert: true}
	}

	return Classification{Kind: KindText, Normalized: trimmed}
}

func isURL(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return false
	}
	if u, err := url.Parse(s); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return true
	}
	return bareDomainRe.MatchString(s)
}

func normalizeURL(s string) string {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	return "https://" + s
}
