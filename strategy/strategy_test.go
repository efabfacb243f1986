package strategy

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/vitrine/catalog"
)

const themePage = `<!DOCTYPE html><html><body>
<ul class="grid">
<li class="grid-item large">
  <img class="img-responsive" src="//cdn.example.com/thumb-1.jpg">
  <img class="img-responsive" src="//cdn.example.com/full-1.jpg">
  <div class="product-title">
    <a href="/products/maxi-dress">Maxi   Dress</a>
  </div>
</li>
<li class="grid-item">
  <img class="img-responsive" src="/files/full-2.jpg">
  <div class="product-title">
    <a href="https://shop.example.com/products/red-blue">Red / Blue Dress</a>
  </div>
</li>
<li class="grid-item">
  <div class="product-title">
    <a href="/products/no-photo">No Photo Top</a>
  </div>
</li>
<li class="grid-item">
  <div class="product-price">$30</div>
</li>
</ul>
<li class="other">ignored</li>
</body></html>`

func themeSite(strategyID string) catalog.Site {
	return catalog.Site{
		ID:           "willow",
		BaseURL:      "https://shop.example.com",
		ListingPath:  "/collections/all",
		ProductTag:   "li",
		ProductAttrs: map[string]string{"class": "grid-item"},
		Strategy:     strategyID,
	}
}

func mustLookup(t *testing.T, id string) Strategy {
	t.Helper()
	s, err := NewTable().Lookup(id)
	if err != nil {
		t.Fatalf("lookup %s: %v", id, err)
	}
	return s
}

func TestFragments_SelectsProductCards(t *testing.T) {
	// WHAT: The product selector matches class tokens, not the whole attribute.
	// WHY: "grid-item large" must be picked up by a {"class": "grid-item"} filter.
	site := themeSite("TWLProduct")
	frags, err := Fragments(themePage, site.ProductSelector())
	if err != nil {
		t.Fatalf("fragments: %v", err)
	}
	if len(frags) != 4 {
		t.Fatalf("fragments: got %d, want 4", len(frags))
	}
}

func TestExtract_TitleLinkTheme(t *testing.T) {
	site := themeSite("TWLProduct")
	s := mustLookup(t, site.Strategy)
	frags, err := Fragments(themePage, site.ProductSelector())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dir := t.TempDir()

	p, err := s.Extract(frags[0], site, dir, now)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if p.Title != "Maxi Dress" {
		t.Errorf("Title: got %q", p.Title)
	}
	if p.URL != "https://shop.example.com/products/maxi-dress" {
		t.Errorf("URL: got %q", p.URL)
	}
	if p.Brand != "The Willow Label" {
		t.Errorf("Brand: got %q", p.Brand)
	}
	if p.ImageURL != "https://cdn.example.com/full-1.jpg" {
		t.Errorf("ImageURL: got %q, want the last matching image", p.ImageURL)
	}
	if p.ImagePath != filepath.Join(dir, "Maxi_Dress.jpg") {
		t.Errorf("ImagePath: got %q", p.ImagePath)
	}
	if !p.CapturedAt.Equal(now) {
		t.Errorf("CapturedAt: got %v, want %v", p.CapturedAt, now)
	}
	if p.Site != "willow" {
		t.Errorf("Site: got %q", p.Site)
	}

	p, err = s.Extract(frags[1], site, dir, now)
	if err != nil {
		t.Fatalf("extract second: %v", err)
	}
	if p.URL != "https://shop.example.com/products/red-blue" {
		t.Errorf("URL with base already present: got %q", p.URL)
	}
	if p.ImageURL != "https://shop.example.com/files/full-2.jpg" {
		t.Errorf("relative ImageURL: got %q", p.ImageURL)
	}
	if filepath.Base(p.ImagePath) != "Red___Blue_Dress.jpg" {
		t.Errorf("ImagePath: got %q", p.ImagePath)
	}
}

func TestExtract_MissingImageIsSoft(t *testing.T) {
	// WHAT: A card without a photo still yields a product.
	// WHY: Only title and URL are mandatory; image sync skips it later.
	site := themeSite("TTRProduct")
	s := mustLookup(t, site.Strategy)
	frags, _ := Fragments(themePage, site.ProductSelector())

	p, err := s.Extract(frags[2], site, t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if p.Title != "No Photo Top" {
		t.Errorf("Title: got %q", p.Title)
	}
	if p.HasImage() || p.ImageURL != "" || p.ImagePath != "" {
		t.Errorf("expected no image, got url=%q path=%q", p.ImageURL, p.ImagePath)
	}
}

func TestExtract_MissingTitleIsExtractionError(t *testing.T) {
	site := themeSite("SSDProduct")
	s := mustLookup(t, site.Strategy)
	frags, _ := Fragments(themePage, site.ProductSelector())

	_, err := s.Extract(frags[3], site, t.TempDir(), time.Now())
	var xe *ExtractionError
	if !errors.As(err, &xe) {
		t.Fatalf("expected *ExtractionError, got %v", err)
	}
	if xe.Field != "title" || xe.Site != "willow" {
		t.Errorf("error fields: %+v", xe)
	}
}

const lbPage = `<html><body>
<div class="sf-product-card">
  <a class="sf-product-card__link" href="/products/ines-midi"><div class="sf-image"><img src="https://cdn.lb.com/ines.jpg"></div></a>
  <p class="paragraph-2">  Ines Midi Dress  <span>New</span></p>
</div>
<div class="sf-product-card">
  <a class="sf-product-card__link" href="https://www.lovebonito.com/products/ada"><span></span><span></span><span></span><span></span><span></span><span></span><span href="//cdn.lb.com/ada.jpg"></span></a>
  <p class="paragraph-2">Ada Top</p>
</div>
</body></html>`

func TestExtract_LoveBonito(t *testing.T) {
	site := catalog.Site{
		ID:           "lovebonito",
		BaseURL:      "https://www.lovebonito.com",
		ProductTag:   "div",
		ProductAttrs: map[string]string{"class": "sf-product-card"},
		Strategy:     "LBProduct",
	}
	s := mustLookup(t, site.Strategy)
	frags, err := Fragments(lbPage, site.ProductSelector())
	if err != nil || len(frags) != 2 {
		t.Fatalf("fragments: %d, %v", len(frags), err)
	}
	dir := t.TempDir()

	p, err := s.Extract(frags[0], site, dir, time.Now())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if p.Title != "Ines Midi Dress" {
		t.Errorf("Title: got %q, want first text node only", p.Title)
	}
	if p.URL != "https://www.lovebonito.com/products/ines-midi" {
		t.Errorf("URL: got %q", p.URL)
	}
	if p.ImageURL != "https://cdn.lb.com/ines.jpg" {
		t.Errorf("ImageURL: got %q", p.ImageURL)
	}

	// WHAT: The second card has no <img>; the seventh child's href is used.
	p, err = s.Extract(frags[1], site, dir, time.Now())
	if err != nil {
		t.Fatalf("extract fallback: %v", err)
	}
	if p.ImageURL != "https://cdn.lb.com/ada.jpg" {
		t.Errorf("fallback ImageURL: got %q", p.ImageURL)
	}
	if p.URL != "https://www.lovebonito.com/products/ada" {
		t.Errorf("URL: got %q", p.URL)
	}
}

func TestExtract_Pure(t *testing.T) {
	// WHAT: The same fragment always yields the same product.
	site := themeSite("ACWProduct")
	s := mustLookup(t, site.Strategy)
	frags, _ := Fragments(themePage, site.ProductSelector())
	now := time.Now()
	a, err1 := s.Extract(frags[0], site, "img", now)
	b, err2 := s.Extract(frags[0], site, "img", now)
	if err1 != nil || err2 != nil {
		t.Fatalf("extract: %v / %v", err1, err2)
	}
	if a != b {
		t.Errorf("not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestTable_Lookup(t *testing.T) {
	tbl := NewTable()
	for _, id := range []string{"TWLProduct", "TTRProduct", "SSDProduct", "ACWProduct", "LBProduct"} {
		if _, err := tbl.Lookup(id); err != nil {
			t.Errorf("lookup %s: %v", id, err)
		}
	}
	if _, err := tbl.Lookup("Nope"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("unknown id: got %v", err)
	}

	tbl.Register(Strategy{ID: "Custom", Brand: "Custom"})
	if got := len(tbl.IDs()); got != 6 {
		t.Errorf("IDs: got %d, want 6", got)
	}
}

func TestImageURL(t *testing.T) {
	base := "https://shop.example.com"
	cases := []struct{ src, want string }{
		{"//cdn.example.com/a.jpg", "https://cdn.example.com/a.jpg"},
		{"/a.jpg", "https://shop.example.com/a.jpg"},
		{"https://x.example.com/a.jpg", "https://x.example.com/a.jpg"},
		{"data:image/png;base64,AAAA", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ImageURL(base, tc.src); got != tc.want {
			t.Errorf("ImageURL(%q): got %q, want %q", tc.src, got, tc.want)
		}
	}
}

func TestCleanText(t *testing.T) {
	if got := CleanText("  Maxi\u200b \n\t Dress "); got != "Maxi Dress" {
		t.Errorf("got %q", got)
	}
}
