package strategy

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Fragment is one catalog entry's rendered markup. It stays parsed so that
// entries whose tag only makes sense inside a parent (li, tr) keep their
// structure.
type Fragment struct {
	sel *goquery.Selection
}

// Fragments parses a rendered page and returns every element matching the
// product selector, in document order.
func Fragments(pageHTML, selector string) ([]Fragment, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("strategy: parse page: %w", err)
	}
	var out []Fragment
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		out = append(out, Fragment{sel: s})
	})
	return out, nil
}

// HTML renders the fragment for logging.
func (f Fragment) HTML() string {
	if f.sel == nil {
		return ""
	}
	s, err := goquery.OuterHtml(f.sel)
	if err != nil {
		return ""
	}
	return s
}
