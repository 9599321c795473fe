// Package urltemplate builds the per-add-on feedback_url reported on
// list/info responses (spec.md §6), substituting a small set of named
// placeholders into a configured template, the Go equivalent of the
// original's construct_addon_feedback_url.
package urltemplate

import (
	"net/url"
	"strings"
)

// Params are the substitutable placeholders, keyed by name without the
// surrounding braces (e.g. "id" for "{id}").
type Params map[string]string

// Expand substitutes each "{name}" placeholder in tmpl with
// url.QueryEscape(value) from params. Unknown placeholders are left
// untouched so a misconfigured template fails visibly rather than
// silently dropping text.
func Expand(tmpl string, params Params) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		b.WriteString(tmpl[i:open])
		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			b.WriteString(tmpl[open:])
			break
		}
		close += open
		name := tmpl[open+1 : close]
		if v, ok := params[name]; ok {
			b.WriteString(url.QueryEscape(v))
		} else {
			b.WriteString(tmpl[open : close+1])
		}
		i = close + 1
	}
	return b.String()
}
