// CLAUDE:SUMMARY Strategy table: per-site rules turning a catalog fragment into a canonical catalog.Product.
// Package strategy turns one rendered catalog fragment into a
// catalog.Product. Each site names a Strategy row by id; rows are data,
// so adding a site means adding rules, not code.
package strategy

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/vitrine/catalog"
)

// ErrUnknownStrategy is returned by Lookup for an id no row carries.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// ExtractionError reports a fragment whose title or URL could not be
// located. The fragment is dropped; the rest of the page is unaffected.
type ExtractionError struct {
	Site  string
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("strategy: %s: extract %s: %v", e.Site, e.Field, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Strategy is one row of the table.
type Strategy struct {
	ID    string `yaml:"id"`
	Brand string `yaml:"brand"`
	Title Rule   `yaml:"title"`
	URL   Rule   `yaml:"url"`
	Image Rule   `yaml:"image"`
}

// Extract builds the canonical product for one fragment. Title and URL
// are required. A missing image is not an error: the product comes back
// with empty ImageURL and ImagePath and is later skipped by image sync.
func (s Strategy) Extract(f Fragment, site catalog.Site, imageDir string, now time.Time) (catalog.Product, error) {
	title, err := s.Title.Apply(f)
	if err != nil {
		return catalog.Product{}, &ExtractionError{Site: site.ID, Field: "title", Err: err}
	}
	path, err := s.URL.Apply(f)
	if err != nil {
		return catalog.Product{}, &ExtractionError{Site: site.ID, Field: "url", Err: err}
	}

	p := catalog.Product{
		Title:      title,
		URL:        ProductURL(site.BaseURL, path),
		Brand:      s.Brand,
		CapturedAt: now.In(site.Location()),
		Site:       site.ID,
	}
	if src, err := s.Image.Apply(f); err == nil {
		if abs := ImageURL(site.BaseURL, src); abs != "" {
			p.ImageURL = abs
			p.ImagePath = catalog.ImagePath(imageDir, title)
		}
	}
	return p, nil
}

// ProductURL keeps a path that already carries the base URL and prefixes
// any other path with it.
func ProductURL(base, path string) string {
	if strings.Contains(path, base) {
		return path
	}
	return base + path
}

// ImageURL makes an image source absolute. Protocol-relative sources get
// https, relative ones resolve against the site base. Inline data URIs
// and unparsable sources yield "".
func ImageURL(base, src string) string {
	src = strings.TrimSpace(src)
	switch {
	case src == "", strings.HasPrefix(src, "data:"):
		return ""
	case strings.HasPrefix(src, "//"):
		return "https:" + src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(ref).String()
}

// Table maps strategy ids to rows. The zero value is empty and usable.
type Table struct {
	mu   sync.RWMutex
	rows map[string]Strategy
}

// NewTable returns a table holding the built-in rows.
func NewTable() *Table {
	t := &Table{}
	for _, s := range Builtin() {
		t.Register(s)
	}
	return t
}

// Register adds or replaces a row.
func (t *Table) Register(s Strategy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rows == nil {
		t.rows = make(map[string]Strategy)
	}
	t.rows[s.ID] = s
}

// Lookup returns the row for id.
func (t *Table) Lookup(id string) (Strategy, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.rows[id]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, id)
	}
	return s, nil
}

// IDs lists registered ids, sorted.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
