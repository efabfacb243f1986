// CLAUDE:SUMMARY Site harvester: navigator + strategy + image acquisition for one site, returning products in page order.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/metrics"
	"github.com/hazyhaar/vitrine/strategy"
)

// Acquirer caches product images. The returned slice is aligned with the
// input; a nil entry means the image is on disk.
type Acquirer interface {
	EnsureAll(ctx context.Context, products []catalog.Product) []error
}

// Config wires a Harvester.
type Config struct {
	Sessions   SessionFactory
	Strategies *strategy.Table
	Images     Acquirer
	ImageDir   string
	Navigation Options
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Harvester produces the canonical products of one site per call. It
// holds no per-site state and can serve several sites concurrently.
type Harvester struct {
	cfg Config
}

// NewHarvester validates cfg and fills defaults.
func NewHarvester(cfg Config) (*Harvester, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("harvest: session factory is required")
	}
	if cfg.Strategies == nil {
		cfg.Strategies = strategy.NewTable()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Navigation.Logger == nil {
		cfg.Navigation.Logger = cfg.Logger
	}
	if cfg.Navigation.Metrics == nil {
		cfg.Navigation.Metrics = cfg.Metrics
	}
	return &Harvester{cfg: cfg}, nil
}

// Harvest walks the site up to budget pages. Fragments that fail
// extraction are dropped; image failures keep the product. Only session
// failures and an unknown strategy are returned as errors.
func (h *Harvester) Harvest(ctx context.Context, site catalog.Site, budget int) ([]catalog.Product, error) {
	log := h.cfg.Logger.With("site", site.ID)

	strat, err := h.cfg.Strategies.Lookup(site.Strategy)
	if err != nil {
		return nil, fmt.Errorf("harvest: %s: %w", site.ID, err)
	}

	nav, err := Open(ctx, h.cfg.Sessions, site, budget, h.cfg.Navigation)
	if err != nil {
		return nil, err
	}
	defer nav.Close()

	var products []catalog.Product
	for {
		page, err := nav.Next(ctx)
		if errors.Is(err, ErrEndOfCatalog) {
			break
		}
		if err != nil {
			return products, fmt.Errorf("harvest: %s: %w", site.ID, err)
		}

		now := h.cfg.Now()
		for _, frag := range page.Fragments {
			p, err := strat.Extract(frag, site, h.cfg.ImageDir, now)
			if err != nil {
				var xe *strategy.ExtractionError
				if errors.As(err, &xe) {
					h.cfg.Metrics.ExtractionError(site.ID, xe.Field)
				}
				log.Warn("harvest: fragment dropped", "page", page.Number, "error", err)
				if log.Enabled(ctx, slog.LevelDebug) {
					log.Debug("harvest: dropped fragment markup", "page", page.Number, "html", truncate(frag.HTML(), 2048))
				}
				continue
			}
			h.cfg.Metrics.Product(site.ID)
			products = append(products, p)
		}
	}
	nav.Close()

	h.acquireImages(ctx, log, products)
	log.Info("harvest: site done", "products", len(products))
	return products, nil
}

func (h *Harvester) acquireImages(ctx context.Context, log *slog.Logger, products []catalog.Product) {
	if h.cfg.Images == nil {
		return
	}
	var withImage []catalog.Product
	for _, p := range products {
		if p.HasImage() {
			withImage = append(withImage, p)
		}
	}
	if len(withImage) == 0 {
		return
	}
	errs := h.cfg.Images.EnsureAll(ctx, withImage)
	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			log.Warn("harvest: image not cached", "title", withImage[i].Title, "error", err)
		}
	}
	log.Debug("harvest: images", "wanted", len(withImage), "failed", failed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
