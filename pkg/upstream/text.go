package upstream

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// CleanText strips markup and entities from upstream-provided text such as
// user names and rank titles.
func CleanText(s string) string {
	s = strictPolicy.Sanitize(html.UnescapeString(s))
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}
