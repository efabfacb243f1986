package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrNoElement is returned by RunOnXPath when the expression matches nothing.
var ErrNoElement = errors.New("browser: no element matches")

// FallbackScrollHeight is used when the document reports no scroll height,
// which happens on pages that scroll an inner container.
const FallbackScrollHeight = 26888

// maxScrollSteps caps the progressive scroll on infinite feeds.
const maxScrollSteps = 400

// Session is one catalog's private browsing context and its page.
type Session struct {
	incog  *rod.Browser
	page   *rod.Page
	router *rod.HijackRouter
	cfg    Config
	log    *slog.Logger
}

func openSession(ctx context.Context, b *rod.Browser, cfg Config) (*Session, error) {
	incog, err := b.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser: incognito context: %w", err)
	}
	incog = incog.Context(context.Background())

	var page *rod.Page
	if cfg.Stealth {
		page, err = stealth.Page(incog)
	} else {
		page, err = incog.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		incog.Close()
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	s := &Session{incog: incog, page: page, cfg: cfg, log: cfg.Logger}
	if len(cfg.ResourceBlocking) > 0 {
		s.router = blockResources(page, cfg.ResourceBlocking)
	}
	return s, nil
}

// Navigate loads url and waits for the load event. A load timeout after a
// successful navigation is logged, not returned: the listing is usually
// rendered long before the last tracker finishes.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigateTimeout)
	defer cancel()

	p := s.page.Context(navCtx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		s.log.Warn("browser: wait load", "url", url, "error", err)
	}
	return nil
}

// URL returns the page's current address.
func (s *Session) URL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, nil
}

// WaitLoad waits for the current document's load event, bounded by
// ActionTimeout. Call it after an action that navigates the page.
func (s *Session) WaitLoad(ctx context.Context) error {
	actCtx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()
	if err := s.page.Context(actCtx).WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait load: %w", err)
	}
	return nil
}

// HTML serialises the rendered document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: get html: %w", err)
	}
	return html, nil
}

// RunOnXPath locates the first element matching xpath and runs script
// with the element bound to arguments[0]. An empty script clicks it.
func (s *Session) RunOnXPath(ctx context.Context, xpath, script string) error {
	actCtx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	els, err := s.page.Context(actCtx).ElementsX(xpath)
	if err != nil {
		return fmt.Errorf("browser: xpath %s: %w", xpath, err)
	}
	if len(els) == 0 {
		return fmt.Errorf("%w: %s", ErrNoElement, xpath)
	}
	if script == "" {
		script = "arguments[0].click();"
	}
	_, err = els.First().Eval(`function(src) { return (new Function(src)).apply(this, [this]); }`, script)
	if err != nil {
		return fmt.Errorf("browser: run script on %s: %w", xpath, err)
	}
	return nil
}

const scrollJS = `async (step, pause, fallback, maxSteps) => {
	const height = () => (document.body && document.body.scrollHeight) || fallback;
	let total = height();
	for (let i = 0, y = 0; y < total && i < maxSteps; i++, y += step) {
		window.scrollTo(0, y);
		await new Promise(r => setTimeout(r, pause));
		total = height();
	}
	window.scrollTo(0, total);
	return total;
}`

// ScrollToBottom scrolls progressively so lazy-loaded cards render.
func (s *Session) ScrollToBottom(ctx context.Context) error {
	budget := s.cfg.ActionTimeout + time.Duration(maxScrollSteps)*s.cfg.ScrollPause
	actCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	_, err := s.page.Context(actCtx).Eval(scrollJS,
		s.cfg.ScrollStep, s.cfg.ScrollPause.Milliseconds(), FallbackScrollHeight, maxScrollSteps)
	if err != nil {
		return fmt.Errorf("browser: scroll: %w", err)
	}
	return nil
}

// CloseOtherTabs closes pages popped up inside this session's context.
func (s *Session) CloseOtherTabs(ctx context.Context) error {
	pages, err := s.incog.Context(ctx).Pages()
	if err != nil {
		return fmt.Errorf("browser: list pages: %w", err)
	}
	for _, p := range pages {
		if p.TargetID == s.page.TargetID {
			continue
		}
		info, err := p.Info()
		if err != nil || info.BrowserContextID != s.incog.BrowserContextID {
			continue
		}
		if err := p.Close(); err != nil {
			s.log.Debug("browser: close tab", "target", p.TargetID, "error", err)
		}
	}
	return nil
}

// Close disposes the browsing context and everything in it.
func (s *Session) Close() error {
	if s.router != nil {
		_ = s.router.Stop()
	}
	if err := s.incog.Close(); err != nil {
		return fmt.Errorf("browser: dispose context: %w", err)
	}
	return nil
}
