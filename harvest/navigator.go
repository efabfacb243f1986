// CLAUDE:SUMMARY Page navigator state machine: open listing, yield pages of fragments, paginate until the URL stops changing or the budget is spent.
package harvest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/metrics"
	"github.com/hazyhaar/vitrine/strategy"
)

// ErrEndOfCatalog is returned by Next once no further page is reachable.
var ErrEndOfCatalog = errors.New("harvest: end of catalog")

// Options tune navigation.
type Options struct {
	// Settle is how long to wait for the URL to change after the
	// pagination action. Default: 2s.
	Settle time.Duration

	// Poll is the URL check interval while settling. Default: 100ms.
	Poll time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) defaults() {
	if o.Settle <= 0 {
		o.Settle = 2 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Page is one yielded catalog page.
type Page struct {
	Number    int
	URL       string
	Fragments []strategy.Fragment
}

type navState int

const (
	stateLoaded   navState = iota // current page rendered, not yet yielded
	stateYielded                  // current page yielded, advance on next call
	stateFinished                 // nothing more to yield
)

// Navigator walks one site's paginated listing. It is single-use and not
// safe for concurrent calls.
type Navigator struct {
	sess   Session
	site   catalog.Site
	budget int
	opts   Options
	log    *slog.Logger

	state navState
	page  int
	url   string
}

// Open starts a session, loads the listing, dismisses the consent element
// and scrolls so lazy cards render. A budget of zero or less yields no
// pages and opens no session.
func Open(ctx context.Context, factory SessionFactory, site catalog.Site, budget int, opts Options) (*Navigator, error) {
	opts.defaults()
	n := &Navigator{
		site:   site,
		budget: budget,
		opts:   opts,
		log:    opts.Logger.With("site", site.ID),
		page:   1,
	}
	if budget <= 0 {
		n.state = stateFinished
		return n, nil
	}

	sess, err := factory(ctx)
	if err != nil {
		return nil, &SessionError{Site: site.ID, Err: err}
	}
	n.sess = sess

	listing := site.ListingURL()
	if err := sess.Navigate(ctx, listing); err != nil {
		sess.Close()
		return nil, &SessionError{Site: site.ID, Err: err}
	}
	n.prepare(ctx)

	n.url, err = sess.URL(ctx)
	if err != nil {
		n.url = listing
	}
	n.log.Info("harvest: listing open", "url", n.url, "budget", budget)
	return n, nil
}

// prepare runs the consent dismiss and progressive scroll, both of which
// are best effort.
func (n *Navigator) prepare(ctx context.Context) {
	if n.site.ButtonXPath != "" {
		if err := n.sess.RunOnXPath(ctx, n.site.ButtonXPath, n.site.ButtonScript); err != nil {
			n.stepFailed("dismiss", err)
		}
	}
	if err := n.sess.ScrollToBottom(ctx); err != nil {
		n.stepFailed("scroll", err)
	}
}

func (n *Navigator) stepFailed(step string, err error) {
	se := &NavigationStepError{Site: n.site.ID, Step: step, Err: err}
	n.log.Warn("harvest: step skipped", "step", step, "error", se)
	n.opts.Metrics.NavigationError(n.site.ID, step)
}

// Next yields the current page's fragments or ErrEndOfCatalog.
//
// A page is yielded when it is within budget and has at least one
// fragment. After a page is yielded the navigator advances on the next
// call, and only if the page number is below the budget and a pagination
// action is configured. Advancing to a URL identical to the previous one
// ends the catalog.
func (n *Navigator) Next(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	switch n.state {
	case stateFinished:
		return Page{}, ErrEndOfCatalog
	case stateYielded:
		if !n.advance(ctx) {
			n.state = stateFinished
			return Page{}, ErrEndOfCatalog
		}
	}

	if n.page > n.budget {
		n.state = stateFinished
		return Page{}, ErrEndOfCatalog
	}

	html, err := n.sess.HTML(ctx)
	if err != nil {
		n.stepFailed("read", err)
		n.state = stateFinished
		return Page{}, ErrEndOfCatalog
	}
	frags, err := strategy.Fragments(html, n.site.ProductSelector())
	if err != nil {
		n.stepFailed("parse", err)
		n.state = stateFinished
		return Page{}, ErrEndOfCatalog
	}
	if len(frags) == 0 {
		n.log.Info("harvest: empty page ends catalog", "page", n.page, "url", n.url)
		n.state = stateFinished
		return Page{}, ErrEndOfCatalog
	}

	n.opts.Metrics.Page(n.site.ID, len(frags))
	n.log.Debug("harvest: page", "page", n.page, "url", n.url, "fragments", len(frags))
	n.state = stateYielded
	return Page{Number: n.page, URL: n.url, Fragments: frags}, nil
}

// advance moves to the following page. It reports false when the catalog
// is over.
func (n *Navigator) advance(ctx context.Context) bool {
	if !n.site.Paginated() || n.page >= n.budget {
		return false
	}

	if err := n.sess.CloseOtherTabs(ctx); err != nil {
		n.stepFailed("close-tabs", err)
	}
	if err := n.sess.RunOnXPath(ctx, n.site.NextPageXPath, n.site.NextPageScript); err != nil {
		n.stepFailed("paginate", err)
	}

	prev := n.url
	cur, changed := n.waitURLChange(ctx, prev)
	if !changed {
		n.log.Info("harvest: url unchanged after paginate", "page", n.page, "url", prev)
		return false
	}
	// The URL flips when the navigation commits, before the new document
	// has rendered its cards.
	if err := n.sess.WaitLoad(ctx); err != nil {
		n.stepFailed("wait-load", err)
	}

	n.prepare(ctx)
	n.page++
	n.url = cur
	return true
}

func (n *Navigator) waitURLChange(ctx context.Context, prev string) (string, bool) {
	deadline := time.NewTimer(n.opts.Settle)
	defer deadline.Stop()
	tick := time.NewTicker(n.opts.Poll)
	defer tick.Stop()

	for {
		if cur, err := n.sess.URL(ctx); err == nil && cur != prev {
			return cur, true
		}
		select {
		case <-ctx.Done():
			return prev, false
		case <-deadline.C:
			cur, err := n.sess.URL(ctx)
			if err != nil {
				return prev, false
			}
			return cur, cur != prev
		case <-tick.C:
		}
	}
}

// Close releases the session. Safe to call more than once.
func (n *Navigator) Close() error {
	n.state = stateFinished
	if n.sess == nil {
		return nil
	}
	err := n.sess.Close()
	n.sess = nil
	return err
}
