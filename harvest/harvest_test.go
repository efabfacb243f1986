package harvest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/vitrine/browser"
	"github.com/hazyhaar/vitrine/catalog"
)

// fakeSession replays a fixed list of pages. The pagination xpath moves
// to the next page while there is one; past the end the URL stays put.
type fakeSession struct {
	mu       sync.Mutex
	pages    []fakePage
	cur      int
	nextXP   string
	buttonXP string

	navigateErr error
	buttonErr   error
	waitLoadErr error

	// events records paginate, wait-load, dismiss and scroll in call order.
	events []string

	navigated []string
	clicks    int
	scrolls   int
	closed    int
}

type fakePage struct {
	url  string
	html string
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	return f.navigateErr
}

func (f *fakeSession) URL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[f.cur].url, nil
}

func (f *fakeSession) HTML(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[f.cur].html, nil
}

func (f *fakeSession) RunOnXPath(_ context.Context, xpath, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch xpath {
	case f.buttonXP:
		f.clicks++
		f.events = append(f.events, "dismiss")
		return f.buttonErr
	case f.nextXP:
		f.events = append(f.events, "paginate")
		if f.cur+1 < len(f.pages) {
			f.cur++
			return nil
		}
		return browser.ErrNoElement
	}
	return browser.ErrNoElement
}

func (f *fakeSession) ScrollToBottom(context.Context) error {
	f.mu.Lock()
	f.scrolls++
	f.events = append(f.events, "scroll")
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) WaitLoad(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "wait-load")
	return f.waitLoadErr
}

func (f *fakeSession) CloseOtherTabs(context.Context) error { return nil }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func factoryFor(s *fakeSession) SessionFactory {
	return func(context.Context) (Session, error) { return s, nil }
}

// cards renders n theme product cards whose titles start with prefix.
func cards(prefix string, n int) string {
	var sb strings.Builder
	sb.WriteString("<html><body><ul>")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, `<li class="grid-item">
<img class="img-responsive" src="/img/%[1]s-%[2]d.jpg">
<div class="product-title">
<a href="/products/%[1]s-%[2]d">%[1]s %[2]d</a>
</div></li>`, prefix, i)
	}
	sb.WriteString("</ul></body></html>")
	return sb.String()
}

func testSite() catalog.Site {
	return catalog.Site{
		ID:            "willow",
		BaseURL:       "https://shop.example.com",
		ListingPath:   "/collections/all",
		ProductTag:    "li",
		ProductAttrs:  map[string]string{"class": "grid-item"},
		NextPageXPath: `//a[@rel="next"]`,
		ButtonXPath:   `//button[@id="consent"]`,
		ButtonScript:  "arguments[0].click();",
		Strategy:      "TWLProduct",
	}
}

func twoPageSession() *fakeSession {
	site := testSite()
	return &fakeSession{
		nextXP:   site.NextPageXPath,
		buttonXP: site.ButtonXPath,
		pages: []fakePage{
			{url: "https://shop.example.com/collections/all", html: cards("First", 3)},
			{url: "https://shop.example.com/collections/all?page=2", html: cards("Second", 2)},
		},
	}
}

var fastNav = Options{Settle: 20 * time.Millisecond, Poll: 5 * time.Millisecond}

func TestNavigator_PaginatesUntilURLStops(t *testing.T) {
	sess := twoPageSession()
	nav, err := Open(t.Context(), factoryFor(sess), testSite(), 10, fastNav)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer nav.Close()

	var counts []int
	for {
		p, err := nav.Next(t.Context())
		if errors.Is(err, ErrEndOfCatalog) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		counts = append(counts, len(p.Fragments))
		if p.Number != len(counts) {
			t.Errorf("page number: got %d, want %d", p.Number, len(counts))
		}
	}
	if len(counts) != 2 || counts[0] != 3 || counts[1] != 2 {
		t.Fatalf("pages: got %v, want [3 2]", counts)
	}
	if sess.navigated[0] != "https://shop.example.com/collections/all" {
		t.Errorf("listing url: got %q", sess.navigated[0])
	}
	// Dismiss runs on open and again after the page change.
	if sess.clicks != 2 {
		t.Errorf("consent clicks: got %d, want 2", sess.clicks)
	}
	if sess.scrolls != 2 {
		t.Errorf("scrolls: got %d, want 2", sess.scrolls)
	}
}

// WHAT: after a page change the navigator waits for the load before the
// dismiss and scroll, and a failed wait does not end the catalog.
// WHY: reading a half-loaded page finds no cards and stops the harvest early.
func TestNavigator_WaitsForLoadAfterPaginate(t *testing.T) {
	for _, waitErr := range []error{nil, errors.New("context deadline exceeded")} {
		sess := twoPageSession()
		sess.waitLoadErr = waitErr
		nav, err := Open(t.Context(), factoryFor(sess), testSite(), 2, fastNav)
		if err != nil {
			t.Fatal(err)
		}
		pages := 0
		for {
			_, err := nav.Next(t.Context())
			if errors.Is(err, ErrEndOfCatalog) {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			pages++
		}
		nav.Close()

		if pages != 2 {
			t.Errorf("waitErr=%v: pages = %d, want 2", waitErr, pages)
		}
		want := []string{"dismiss", "scroll", "paginate", "wait-load", "dismiss", "scroll"}
		if strings.Join(sess.events, ",") != strings.Join(want, ",") {
			t.Errorf("waitErr=%v: events = %v, want %v", waitErr, sess.events, want)
		}
	}
}

func TestNavigator_EndIsSticky(t *testing.T) {
	// WHAT: Once the catalog ends, Next keeps returning ErrEndOfCatalog.
	// WHY: Termination must hold within a bounded number of calls.
	sess := twoPageSession()
	sess.pages = sess.pages[:1]
	nav, err := Open(t.Context(), factoryFor(sess), testSite(), 100, fastNav)
	if err != nil {
		t.Fatal(err)
	}
	defer nav.Close()

	if _, err := nav.Next(t.Context()); err != nil {
		t.Fatalf("first page: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := nav.Next(t.Context()); !errors.Is(err, ErrEndOfCatalog) {
			t.Fatalf("call %d: got %v, want end of catalog", i, err)
		}
	}
}

func TestNavigator_NoPaginationYieldsOnePage(t *testing.T) {
	sess := twoPageSession()
	site := testSite()
	site.NextPageXPath = ""
	nav, err := Open(t.Context(), factoryFor(sess), site, 10, fastNav)
	if err != nil {
		t.Fatal(err)
	}
	defer nav.Close()

	if p, err := nav.Next(t.Context()); err != nil || len(p.Fragments) != 3 {
		t.Fatalf("first page: %d fragments, %v", len(p.Fragments), err)
	}
	if _, err := nav.Next(t.Context()); !errors.Is(err, ErrEndOfCatalog) {
		t.Fatalf("got %v, want end of catalog", err)
	}
}

func TestNavigator_EmptyPageEnds(t *testing.T) {
	sess := twoPageSession()
	sess.pages[0].html = "<html><body><p>Nothing here</p></body></html>"
	nav, err := Open(t.Context(), factoryFor(sess), testSite(), 10, fastNav)
	if err != nil {
		t.Fatal(err)
	}
	defer nav.Close()
	if _, err := nav.Next(t.Context()); !errors.Is(err, ErrEndOfCatalog) {
		t.Fatalf("got %v, want end of catalog", err)
	}
}

func TestNavigator_ZeroBudgetOpensNothing(t *testing.T) {
	called := false
	factory := func(context.Context) (Session, error) {
		called = true
		return nil, errors.New("unexpected")
	}
	nav, err := Open(t.Context(), factory, testSite(), 0, fastNav)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := nav.Next(t.Context()); !errors.Is(err, ErrEndOfCatalog) {
		t.Fatalf("got %v, want end of catalog", err)
	}
	if called {
		t.Error("session opened for a zero budget")
	}
	if err := nav.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestNavigator_SessionErrors(t *testing.T) {
	down := errors.New("connection refused")
	_, err := Open(t.Context(), func(context.Context) (Session, error) { return nil, down }, testSite(), 1, fastNav)
	var se *SessionError
	if !errors.As(err, &se) || !errors.Is(err, down) {
		t.Fatalf("factory failure: got %v, want SessionError wrapping cause", err)
	}

	sess := twoPageSession()
	sess.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	_, err = Open(t.Context(), factoryFor(sess), testSite(), 1, fastNav)
	if !errors.As(err, &se) {
		t.Fatalf("navigate failure: got %v, want SessionError", err)
	}
	if sess.closed != 1 {
		t.Errorf("session not released after failed navigate: closed=%d", sess.closed)
	}
}

func TestNavigator_DismissFailureIsNonFatal(t *testing.T) {
	sess := twoPageSession()
	sess.buttonErr = browser.ErrNoElement
	nav, err := Open(t.Context(), factoryFor(sess), testSite(), 1, fastNav)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer nav.Close()
	if _, err := nav.Next(t.Context()); err != nil {
		t.Fatalf("next: %v", err)
	}
}

type fakeImages struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (f *fakeImages) EnsureAll(_ context.Context, ps []catalog.Product) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := make([]error, len(ps))
	for i, p := range ps {
		f.seen = append(f.seen, p.Title)
		if f.fail[p.Title] {
			errs[i] = errors.New("404")
		}
	}
	return errs
}

func newTestHarvester(t *testing.T, sess *fakeSession, images Acquirer) *Harvester {
	t.Helper()
	h, err := NewHarvester(Config{
		Sessions:   factoryFor(sess),
		Images:     images,
		ImageDir:   t.TempDir(),
		Navigation: fastNav,
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHarvester_Budget(t *testing.T) {
	cases := []struct {
		budget int
		want   []string
	}{
		{10, []string{"First 1", "First 2", "First 3", "Second 1", "Second 2"}},
		{1, []string{"First 1", "First 2", "First 3"}},
		{0, nil},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("budget=%d", tc.budget), func(t *testing.T) {
			sess := twoPageSession()
			h := newTestHarvester(t, sess, nil)
			got, err := h.Harvest(t.Context(), testSite(), tc.budget)
			if err != nil {
				t.Fatalf("harvest: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("products: got %d, want %d", len(got), len(tc.want))
			}
			for i, p := range got {
				if p.Title != tc.want[i] {
					t.Errorf("product %d: got %q, want %q", i, p.Title, tc.want[i])
				}
			}
			if tc.budget > 0 && sess.closed != 1 {
				t.Errorf("session closed %d times, want 1", sess.closed)
			}
		})
	}
}

func TestHarvester_DropsBadFragmentsKeepsImageFailures(t *testing.T) {
	sess := twoPageSession()
	sess.pages = sess.pages[:1]
	sess.pages[0].html = strings.Replace(cards("Card", 3),
		`<div class="product-title">
<a href="/products/Card-2">Card 2</a>
</div>`, `<div class="price">$20</div>`, 1)

	images := &fakeImages{fail: map[string]bool{"Card 3": true}}
	h := newTestHarvester(t, sess, images)
	got, err := h.Harvest(t.Context(), testSite(), 5)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if len(got) != 2 || got[0].Title != "Card 1" || got[1].Title != "Card 3" {
		t.Fatalf("products: %+v", got)
	}
	if len(images.seen) != 2 {
		t.Errorf("images requested: %v", images.seen)
	}
	if !got[1].HasImage() {
		t.Error("image failure must not strip the product's image fields")
	}
}

// WHAT: at debug level a dropped fragment's markup is logged.
// WHY: a theme change shows up as dropped cards; the markup says which field moved.
func TestHarvester_DroppedFragmentMarkupLogged(t *testing.T) {
	sess := twoPageSession()
	sess.pages = sess.pages[:1]
	sess.pages[0].html = strings.Replace(cards("Card", 2),
		`<div class="product-title">
<a href="/products/Card-2">Card 2</a>
</div>`, `<div class="price">$20</div>`, 1)

	var buf bytes.Buffer
	h, err := NewHarvester(Config{
		Sessions:   factoryFor(sess),
		ImageDir:   t.TempDir(),
		Navigation: fastNav,
		Logger:     slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Harvest(t.Context(), testSite(), 1); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "dropped fragment markup") || !strings.Contains(out, "$20") {
		t.Fatalf("debug log lacks fragment markup:\n%s", out)
	}
}

func TestHarvester_UnknownStrategy(t *testing.T) {
	site := testSite()
	site.Strategy = "Nope"
	h := newTestHarvester(t, twoPageSession(), nil)
	if _, err := h.Harvest(t.Context(), site, 1); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
