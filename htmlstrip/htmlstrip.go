// Package htmlstrip implements the HTML-stripping collaborator the
// design specification lists as out of scope for the core (section 1):
// a minimal, regexp-based tag stripper in the style of the reference
// corpus's own regexp-driven HTML handling, since no third-party HTML
// sanitizer is part of that corpus.
package htmlstrip

import "regexp"

var (
	tagPattern     = regexp.MustCompile(`<[^>]*>`)
	commentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// Strip removes HTML tags and comments from s, leaving the remaining
// text content. It does not attempt to decode HTML entities; that is the
// reconciler package's job (section 4.4 of the spec calls out only two
// literal entity replacements, not general entity decoding).
func Strip(s string) string {
	s = commentPattern.ReplaceAllString(s, "")
	s = tagPattern.ReplaceAllString(s, "")
	return s
}
