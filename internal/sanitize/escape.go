// Package sanitize holds the pure string transformations applied to
// untrusted values: escaping for rendering, markup removal, and the
// injection-shape check used to reject request parameters. Every function is
// total; malformed input degrades to a cleaned or empty string.
package sanitize

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
	"/", "&#x2F;",
	"`", "&#x60;",
	"=", "&#x3D;",
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	ugcPolicy    = bluemonday.UGCPolicy()
	tagName      = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*$`)
)

// EscapeHTML replaces & < > " ' / ` = with HTML entities.
func EscapeHTML(text string) string {
	if text == "" {
		return ""
	}
	return htmlEscaper.Replace(text)
}

// StripHTML removes all markup and returns the text content. Script and style
// bodies are dropped along with their tags.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	return html.UnescapeString(strictPolicy.Sanitize(s))
}

// SanitizeHTML keeps user-generated-content markup (paragraphs, emphasis,
// lists, links, images) and removes event handler attributes, script URLs and
// every element outside that set.
func SanitizeHTML(s string) string {
	if s == "" {
		return ""
	}
	return ugcPolicy.Sanitize(s)
}

// SanitizeUserInput escapes input, then restores bare <tag> and </tag>
// markers for the allowed tag names. Restoring runs on the escaped text, so
// attributes on an allowed tag stay escaped. Names that are not plain
// alphanumerics are ignored.
func SanitizeUserInput(input string, allowedTags ...string) string {
	if input == "" {
		return ""
	}
	out := html.EscapeString(input)
	for _, tag := range allowedTags {
		if !tagName.MatchString(tag) {
			continue
		}
		re := regexp.MustCompile(`(?i)&lt;(/?)(` + tag + `)&gt;`)
		out = re.ReplaceAllString(out, "<$1$2>")
	}
	return out
}

// SanitizeDeep escapes every string reachable through slices and string-keyed
// maps, returning a copy with the same shape. Map keys and non-string leaves
// are kept as they are.
func SanitizeDeep(value any) any {
	switch v := value.(type) {
	case string:
		return EscapeHTML(v)
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = EscapeHTML(s)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = SanitizeDeep(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = EscapeHTML(s)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = SanitizeDeep(e)
		}
		return out
	default:
		return value
	}
}
