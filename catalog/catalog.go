// CLAUDE:SUMMARY Shared data model: site configuration, canonical product, relational item, similarity record, search hit.
// Package catalog holds the value types that flow through the harvesting and
// ingestion pipeline. It has no dependencies on any other vitrine package.
package catalog

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTimezone is the capture time zone used when a site does not set one.
const DefaultTimezone = "Asia/Singapore"

// Site describes one target catalog. Sites are loaded once and passed by
// value; nothing in the pipeline mutates them.
type Site struct {
	ID             string            `yaml:"id"`
	BaseURL        string            `yaml:"base_url"`
	ListingPath    string            `yaml:"listing_path"`
	ProductTag     string            `yaml:"product_tag"`
	ProductAttrs   map[string]string `yaml:"product_attrs"`
	NextPageXPath  string            `yaml:"next_page_xpath"`
	NextPageScript string            `yaml:"next_page_script"`
	ButtonXPath    string            `yaml:"button_xpath"`
	ButtonScript   string            `yaml:"button_script"`
	Strategy       string            `yaml:"strategy"`
	Timezone       string            `yaml:"timezone"`
}

// ListingURL is the first catalog page of the site.
func (s Site) ListingURL() string {
	return s.BaseURL + s.ListingPath
}

// Paginated reports whether the site has a next-page action configured.
func (s Site) Paginated() bool {
	return s.NextPageXPath != ""
}

// ProductSelector builds a CSS selector from the product tag and attribute
// filter. The class attribute is matched per token, every other attribute
// exactly, so {"class": "grid-item"} also matches class="grid-item large".
func (s Site) ProductSelector() string {
	return Selector(s.ProductTag, s.ProductAttrs)
}

// Location returns the capture time zone, falling back to UTC when the
// zone database does not know the configured name.
func (s Site) Location() *time.Location {
	name := s.Timezone
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Selector renders a tag + attribute filter as a CSS selector. Keys are
// sorted so the output is stable.
func Selector(tag string, attrs map[string]string) string {
	var sb strings.Builder
	sb.WriteString(tag)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := attrs[k]
		if k == "class" {
			for _, cls := range strings.Fields(v) {
				sb.WriteString(`[class~="` + cssEscape(cls) + `"]`)
			}
			continue
		}
		sb.WriteString(`[` + k + `="` + cssEscape(v) + `"]`)
	}
	if sb.Len() == 0 {
		return "*"
	}
	return sb.String()
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// Product is the canonical, site-agnostic record produced by extraction.
// It is built in one step and never mutated afterwards; image acquisition
// reads it but does not change it.
type Product struct {
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Brand      string    `json:"brand"`
	ImageURL   string    `json:"image_url"`
	ImagePath  string    `json:"image_path"`
	CapturedAt time.Time `json:"captured_at"`
	Site       string    `json:"site"`
}

// HasImage reports whether the product carries an image to acquire.
func (p Product) HasImage() bool {
	return p.ImageURL != "" && p.ImagePath != ""
}

// ImagePath maps a product title to its cache file. Spaces and slashes are
// replaced by underscores so every title lands flat inside dir, and the
// same title always yields the same path.
func ImagePath(dir, title string) string {
	name := strings.NewReplacer(" ", "_", "/", "_").Replace(title)
	return filepath.Join(dir, name+".jpg")
}

// Item is a relational row: a product plus its surrogate id and the
// similarity-sync flag.
type Item struct {
	ID int64 `json:"id"`
	Product
	SyncedToSimilarity bool `json:"synced_to_similarity"`
}

// SimilarityID is the identifier the similarity store uses for this item.
func (it Item) SimilarityID() string {
	return FormatID(it.ID)
}

// FormatID renders a surrogate id the way the similarity store keys it.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID is the inverse of FormatID.
func ParseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// SimilarityRecord is what the pipeline submits to the similarity store.
type SimilarityRecord struct {
	ID        string
	ImagePath string
	Title     string
}

// Match is one ranked result returned by the similarity store.
type Match struct {
	ID    string
	Score float64
}

// Hit is a search result: the relational item plus its similarity score.
type Hit struct {
	Item
	Score float64 `json:"distance"`
}
