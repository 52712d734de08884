// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"fmt"
	"strings"

	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/chromedp/chromedp"
)

// implicitRoles maps ARIA roles to the elements that carry them natively.
var implicitRoles = map[string]string{
	"main":       "main",
	"navigation": "nav",
	"button":     "button",
	"link":       "a[href]",
	"heading":    "h1, h2, h3, h4, h5, h6",
	"textbox":    "input[type=text], textarea",
}

// locator is a resolved element query.
type locator struct {
	sel  string
	opts []chromedp.QueryOption
}

func (l locator) String() string {
	return l.sel
}

// resolve turns a step target into a chromedp query. Text targets and
// "text=" selectors become XPath text searches; "role=" selectors become
// attribute selectors.
func resolve(t testir.Target) (locator, error) {
	value := strings.TrimSpace(t.Value)
	if value == "" {
		return locator{}, fmt.Errorf("%s target has no value", t.Kind)
	}

	switch {
	case t.Kind == testir.TargetText:
		return textLocator(value), nil
	case strings.HasPrefix(value, "text="):
		return textLocator(strings.TrimPrefix(value, "text=")), nil
	case strings.HasPrefix(value, "role="):
		role := strings.TrimSpace(strings.TrimPrefix(value, "role="))
		sel := fmt.Sprintf("[role=%q]", role)
		if native, ok := implicitRoles[role]; ok {
			sel += ", " + native
		}
		return locator{sel: sel, opts: []chromedp.QueryOption{chromedp.ByQuery}}, nil
	case t.Kind == testir.TargetURL:
		return locator{}, fmt.Errorf("url target %q cannot address an element", value)
	default:
		return locator{sel: value, opts: []chromedp.QueryOption{chromedp.ByQuery}}, nil
	}
}

func textLocator(text string) locator {
	text = strings.Trim(strings.TrimSpace(text), `"'`)
	xp := fmt.Sprintf("//*[not(self::script or self::style)][contains(normalize-space(.), %s)][not(*[contains(normalize-space(.), %s)])]",
		xpathLiteral(text), xpathLiteral(text))
	return locator{sel: xp, opts: []chromedp.QueryOption{chromedp.BySearch}}
}

// xpathLiteral quotes s for use in an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		quoted = append(quoted, `"`+p+`"`)
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
