package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/vitrine/browser"
	"github.com/hazyhaar/vitrine/config"
	"github.com/hazyhaar/vitrine/dbopen"
	"github.com/hazyhaar/vitrine/embed"
	"github.com/hazyhaar/vitrine/harvest"
	"github.com/hazyhaar/vitrine/imagecache"
	"github.com/hazyhaar/vitrine/ingest"
	"github.com/hazyhaar/vitrine/itemstore"
	"github.com/hazyhaar/vitrine/metrics"
	"github.com/hazyhaar/vitrine/strategy"
	"github.com/hazyhaar/vitrine/vecstore"
)

// app holds every wired component of one process.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	items    *itemstore.Store
	vectors  *vecstore.Store
	browser  *browser.Manager
	pipeline *ingest.Pipeline
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := slog.Default()
	m := metrics.New()
	a := &app{cfg: cfg, log: log, metrics: m}

	dialect, _ := dbopen.ParseDialect(cfg.Relational.Driver)
	if a.items, err = itemstore.Open(dialect, cfg.Relational.DSN, cfg.Relational.Options()...); err != nil {
		return nil, err
	}

	emb := embed.New(embed.Config{
		Endpoint:  cfg.Similarity.Embed.Endpoint,
		Model:     cfg.Similarity.Embed.Model,
		Dimension: cfg.Similarity.Embed.Dimension,
		BatchSize: cfg.Similarity.Embed.BatchSize,
		Timeout:   cfg.Similarity.Embed.Timeout,
		APIKey:    cfg.Similarity.Embed.APIKey,
		Logger:    log,
	})
	a.vectors, err = vecstore.Open(vecstore.Config{
		DBPath:         cfg.Similarity.DBPath,
		IndexThreshold: cfg.Similarity.IndexThreshold,
		EmbedBatch:     cfg.Similarity.Embed.BatchSize,
		Logger:         log,
	}, emb)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.browser = browser.NewManager(browser.Config{
		Remote:           cfg.Browser.Remote,
		Headless:         cfg.Browser.Headless,
		Stealth:          cfg.Browser.Stealth,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		NavigateTimeout:  cfg.Browser.NavigateTimeout,
		ActionTimeout:    cfg.Browser.ActionTimeout,
		ScrollStep:       cfg.Browser.ScrollStep,
		Logger:           log,
	})

	images := imagecache.New(imagecache.Config{
		Timeout:      cfg.Images.Timeout,
		MaxBytes:     cfg.Images.MaxBytes,
		Retries:      *cfg.Images.Retries,
		Concurrency:  cfg.Images.Concurrency,
		PerHostRate:  cfg.Images.PerHostRate,
		PerHostBurst: cfg.Images.PerHostBurst,
		UserAgent:    cfg.Images.UserAgent,
		Logger:       log,
		Metrics:      m,
	})

	h, err := harvest.NewHarvester(harvest.Config{
		Sessions:   harvest.FromBrowser(a.browser),
		Strategies: strategy.NewTable(),
		Images:     images,
		ImageDir:   cfg.Images.Dir,
		Navigation: harvest.Options{Settle: cfg.Browser.Settle, Logger: log, Metrics: m},
		Logger:     log,
		Metrics:    m,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pipeline, err = ingest.New(ingest.Config{
		Sites:           cfg.Sites,
		Harvester:       h,
		Items:           a.items,
		Similarity:      a.vectors,
		SiteConcurrency: cfg.Harvest.SiteConcurrency,
		ImageRoots:      []string{cfg.Images.Dir},
		RunTimeout:      cfg.HTTP.RunTimeout,
		Logger:          log,
		Metrics:         m,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the browser and both stores.
func (a *app) Close() error {
	var errs []error
	if a.browser != nil {
		errs = append(errs, a.browser.Close())
	}
	if a.vectors != nil {
		errs = append(errs, a.vectors.Close())
	}
	if a.items != nil {
		errs = append(errs, a.items.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("vitrine: close: %w", err)
	}
	return nil
}
