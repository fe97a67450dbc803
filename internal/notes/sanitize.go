package notes

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	htmlPolicy  *bluemonday.Policy
	stripPolicy *bluemonday.Policy

	scriptBlockRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleBlockRe  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
)

func init() {
	htmlPolicy = bluemonday.NewPolicy()
	htmlPolicy.AllowElements(
		"b", "i", "em", "strong", "p", "br", "hr", "ul", "ol", "li",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "code", "pre",
		"span", "div", "mark", "u", "s", "strike",
	)
	htmlPolicy.AllowAttrs("class", "style", "title").Globally()
	htmlPolicy.AllowAttrs("href", "target").OnElements("a")
	htmlPolicy.AllowElements("a")
	htmlPolicy.AllowAttrs("src", "alt").OnElements("img")
	htmlPolicy.AllowElements("img")
	htmlPolicy.AllowStandardURLs()

	stripPolicy = bluemonday.StrictPolicy()
}

// SanitizeHTML keeps basic formatting tags and drops everything that can
// execute: scripts, frames, event handlers, javascript: URLs.
func SanitizeHTML(html string) string {
	return htmlPolicy.Sanitize(html)
}

// StripHTML returns only the text content, for plain previews and
// fallback headlines. Script and style bodies are removed first so their
// text does not leak into the output.
func StripHTML(html string) string {
	cleaned := scriptBlockRe.ReplaceAllString(html, "")
	cleaned = styleBlockRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(stripPolicy.Sanitize(cleaned))
}
