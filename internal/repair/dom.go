// SPDX-License-Identifier: Apache-2.0

package repair

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// textTokens are button and link labels worth retargeting a broken
// selector to, in lookup order.
var textTokens = []string{
	"submit",
	"确认",
	"下单",
	"login",
	"登录",
	"加入购物车",
	"confirm",
	"add to cart",
}

// snapshotHTML extracts markup from a DOM snapshot artifact. Snapshots are
// normally {"html": "..."}; anything else is treated as raw HTML.
func snapshotHTML(data []byte) string {
	var doc struct {
		HTML *string `json:"html"`
	}
	if err := json.Unmarshal(data, &doc); err == nil && doc.HTML != nil {
		return *doc.HTML
	}
	return string(data)
}

var (
	tokenPatterns = compileTokens(textTokens)

	inputTag   = regexp.MustCompile(`(?is)<input\b[^>]*>`)
	buttonType = regexp.MustCompile(`(?i)\stype\s*=\s*["']?(submit|button)\b`)
	valueAttr  = regexp.MustCompile(`(?i)\svalue\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>]+))`)
)

func compileTokens(tokens []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(tokens))
	for i, tok := range tokens {
		out[i] = regexp.MustCompile("(?i)" + regexp.QuoteMeta(tok))
	}
	return out
}

// visibleText strips tags, scripts and styles from markup. Labels of submit
// and button inputs live in attributes, so they are appended on their own
// lines.
func visibleText(markup string) string {
	var b strings.Builder
	b.WriteString(html.UnescapeString(bluemonday.StrictPolicy().Sanitize(markup)))
	for _, tag := range inputTag.FindAllString(markup, -1) {
		kind := buttonType.FindStringSubmatch(tag)
		if kind == nil {
			continue
		}
		var label string
		switch m := valueAttr.FindStringSubmatch(tag); {
		case m != nil:
			label = html.UnescapeString(m[1] + m[2] + m[3])
		case strings.EqualFold(kind[1], "submit"):
			// Browsers label a submit input without a value "Submit".
			label = "Submit"
		default:
			continue
		}
		b.WriteByte('\n')
		b.WriteString(label)
	}
	return b.String()
}

// findTextToken returns the first token present in the snapshot's visible
// text. Matching ignores case; the returned text keeps the page's casing.
func findTextToken(snapshot []byte) (string, bool) {
	text := visibleText(snapshotHTML(snapshot))
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	for _, re := range tokenPatterns {
		if m := re.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}
