// CLAUDE:SUMMARY Declarative locate → step → extract rules evaluated with goquery over one catalog fragment.
package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/vitrine/catalog"
)

// errNoMatch marks a rule whose element or attribute was not found.
var errNoMatch = errors.New("no match")

// Match selects which located element a rule uses.
type Match string

const (
	First Match = "first"
	Last  Match = "last"
)

// Rule is one declarative extraction step:
//
//	locate : elements below the fragment matching Tag + Attrs
//	match  : the first or the last of them
//	child  : optionally the Nth child node, text nodes included
//	descend: optionally the first descendant with this tag
//	extract: "text" or the name of an attribute (href, src, ...)
//
// When any step comes up empty the Fallback rule, if set, is tried.
type Rule struct {
	Tag      string            `yaml:"tag"`
	Attrs    map[string]string `yaml:"attrs"`
	Match    Match             `yaml:"match"`
	Child    *int              `yaml:"child"`
	Descend  string            `yaml:"descend"`
	Extract  string            `yaml:"extract"`
	Fallback *Rule             `yaml:"fallback"`
}

// At returns a pointer to n, for Rule.Child literals.
func At(n int) *int { return &n }

// Apply evaluates the rule against a fragment and returns the extracted
// value, trimmed. An empty value counts as no match.
func (r Rule) Apply(f Fragment) (string, error) {
	v, err := r.apply(f.sel)
	if err == nil {
		return v, nil
	}
	if r.Fallback != nil {
		if fv, ferr := r.Fallback.Apply(f); ferr == nil {
			return fv, nil
		}
	}
	return "", err
}

func (r Rule) apply(root *goquery.Selection) (string, error) {
	sel := catalog.Selector(r.Tag, r.Attrs)
	found := root.Find(sel)
	if found.Length() == 0 {
		return "", fmt.Errorf("%w: %s", errNoMatch, sel)
	}
	if r.Match == Last {
		found = found.Last()
	} else {
		found = found.First()
	}

	if r.Child != nil {
		found = found.Contents().Eq(*r.Child)
		if found.Length() == 0 {
			return "", fmt.Errorf("%w: %s child %d", errNoMatch, sel, *r.Child)
		}
	}

	if r.Descend != "" {
		found = found.Find(r.Descend).First()
		if found.Length() == 0 {
			return "", fmt.Errorf("%w: %s > %s", errNoMatch, sel, r.Descend)
		}
	}

	var v string
	switch r.Extract {
	case "", "text":
		v = CleanText(found.Text())
	default:
		attr, ok := found.Attr(r.Extract)
		if !ok {
			return "", fmt.Errorf("%w: %s@%s", errNoMatch, sel, r.Extract)
		}
		v = strings.TrimSpace(attr)
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", errNoMatch, sel)
	}
	return v, nil
}
