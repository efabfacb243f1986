// CLAUDE:SUMMARY Ingestion orchestrator: concurrent per-site harvest, insert-if-absent into the relational store, set-difference sync into the similarity store.
// Package ingest runs the harvest-and-reconcile cycle and answers
// similarity searches by joining similarity matches back to relational
// items.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/horosafe"
	"github.com/hazyhaar/vitrine/idgen"
	"github.com/hazyhaar/vitrine/itemstore"
	"github.com/hazyhaar/vitrine/metrics"
)

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("ingest: a run is already in progress")

// Reconciliation stages reported by StoreError.
const (
	StageRunLog          = "run-log"
	StageRelationalWrite = "relational-insert"
	StageRelationalRead  = "relational-read"
	StageSimilarityRead  = "similarity-read"
	StageSimilarityWrite = "similarity-insert"
	StageMarkSynced      = "relational-mark-synced"
)

// StoreError is a relational or similarity store failure. It aborts the
// run; rows written before it are kept.
type StoreError struct {
	Stage string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ingest: %s: %v", e.Stage, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Harvester produces the ordered products of one site.
type Harvester interface {
	Harvest(ctx context.Context, site catalog.Site, budget int) ([]catalog.Product, error)
}

// ItemStore is the relational side.
type ItemStore interface {
	InsertIfAbsent(ctx context.Context, p catalog.Product) (int64, bool, error)
	CountAll(ctx context.Context) (int, error)
	QueryByIDs(ctx context.Context, ids []int64) ([]catalog.Item, error)
	FilterByFields(ctx context.Context, f itemstore.Filter) ([]catalog.Item, error)
	ListAll(ctx context.Context, limit, offset int) ([]catalog.Item, error)
	Get(ctx context.Context, id int64) (catalog.Item, error)
	ListImaged(ctx context.Context) ([]itemstore.Imaged, error)
	MarkSynced(ctx context.Context, ids []int64) (int, error)
	Delete(ctx context.Context, id int64) error
	StartRun(ctx context.Context, id string, budget int, at time.Time) error
	FinishRun(ctx context.Context, r itemstore.Run) error
	RecentRuns(ctx context.Context, limit int) ([]itemstore.Run, error)
}

// SimilarityStore is the embedding-backed side.
type SimilarityStore interface {
	InsertBatch(ctx context.Context, recs []catalog.SimilarityRecord) (int, error)
	ListIdentifiers(ctx context.Context) ([]string, error)
	CountAll(ctx context.Context) (int, error)
	QueryByText(ctx context.Context, text string, k int) ([]catalog.Match, error)
	QueryByImage(ctx context.Context, path string, k int) ([]catalog.Match, error)
	Delete(ctx context.Context, id string) error
}

// Config wires a Pipeline.
type Config struct {
	Sites      []catalog.Site
	Harvester  Harvester
	Items      ItemStore
	Similarity SimilarityStore

	// SiteConcurrency bounds how many sites are harvested at once.
	// Default: 2.
	SiteConcurrency int

	// ImageRoots, when set, restrict which local files sync may embed.
	ImageRoots []string

	// RunTimeout bounds a run started through the MCP tool. Zero means
	// no bound.
	RunTimeout time.Duration

	IDs     idgen.Generator
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) defaults() {
	if c.SiteConcurrency <= 0 {
		c.SiteConcurrency = 2
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("run_", idgen.UUIDv7())
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SiteError records a site whose harvest failed.
type SiteError struct {
	Site  string `json:"site"`
	Error string `json:"error"`
}

// Summary is the outcome of a run.
type Summary struct {
	RunID      string        `json:"run_id"`
	PageBudget int           `json:"page_budget"`
	Harvested  int           `json:"harvested"`
	Inserted   int           `json:"inserted"`
	Synced     int           `json:"synced"`
	Items      int           `json:"items"`
	Vectors    int           `json:"vectors"`
	SiteErrors []SiteError   `json:"site_errors,omitempty"`
	Took       time.Duration `json:"took_ns"`
}

// Pipeline runs ingestion and serves searches. Runs are serialized.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	running bool
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	cfg.defaults()
	if cfg.Harvester == nil || cfg.Items == nil || cfg.Similarity == nil {
		return nil, errors.New("ingest: harvester, item store and similarity store are required")
	}
	return &Pipeline{cfg: cfg, log: cfg.Logger}, nil
}

// Running reports whether a run is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	return true
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Run harvests every configured site with the given page budget, then
// reconciles both stores. Site failures are reported in the summary;
// store failures abort the run with a *StoreError.
func (p *Pipeline) Run(ctx context.Context, budget int) (*Summary, error) {
	if !p.acquire() {
		return nil, ErrRunInProgress
	}
	defer p.release()

	start := p.cfg.Now()
	sum := &Summary{RunID: p.cfg.IDs(), PageBudget: budget}
	log := p.log.With("run", sum.RunID)

	if err := p.cfg.Items.StartRun(ctx, sum.RunID, budget, start); err != nil {
		return nil, &StoreError{Stage: StageRunLog, Err: err}
	}
	log.Info("ingest: run started", "sites", len(p.cfg.Sites), "budget", budget)

	runErr := p.run(ctx, log, budget, sum)
	sum.Took = p.cfg.Now().Sub(start)

	rec := itemstore.Run{
		ID:        sum.RunID,
		Status:    itemstore.RunOK,
		Harvested: sum.Harvested,
		Inserted:  sum.Inserted,
		Synced:    sum.Synced,
		Items:     sum.Items,
		Vectors:   sum.Vectors,
	}
	if runErr != nil {
		rec.Status = itemstore.RunFailed
		rec.Error = runErr.Error()
	}
	finished := start.Add(sum.Took)
	rec.FinishedAt = &finished
	// The run log must be closed even when ctx was cancelled mid-run.
	if err := p.cfg.Items.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("ingest: run log not closed", "error", err)
	}

	if runErr != nil {
		p.cfg.Metrics.Run(itemstore.RunFailed, sum.Took, -1, -1)
		log.Error("ingest: run failed", "error", runErr)
		return nil, runErr
	}
	p.cfg.Metrics.Run(itemstore.RunOK, sum.Took, sum.Items, sum.Vectors)
	log.Info("ingest: run done",
		"harvested", sum.Harvested, "inserted", sum.Inserted, "synced", sum.Synced,
		"items", sum.Items, "vectors", sum.Vectors, "site_errors", len(sum.SiteErrors),
		"took", sum.Took)
	return sum, nil
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, budget int, sum *Summary) error {
	products := p.harvestAll(ctx, log, budget, sum)
	sum.Harvested = len(products)

	for _, prod := range products {
		_, inserted, err := p.cfg.Items.InsertIfAbsent(ctx, prod)
		if err != nil {
			return &StoreError{Stage: StageRelationalWrite, Err: err}
		}
		if inserted {
			sum.Inserted++
		}
	}

	synced, err := p.sync(ctx, log)
	if err != nil {
		return err
	}
	sum.Synced = synced

	if sum.Items, err = p.cfg.Items.CountAll(ctx); err != nil {
		return &StoreError{Stage: StageRelationalRead, Err: err}
	}
	if sum.Vectors, err = p.cfg.Similarity.CountAll(ctx); err != nil {
		return &StoreError{Stage: StageSimilarityRead, Err: err}
	}
	return nil
}

// harvestAll runs the sites concurrently. The result keeps configuration
// order across sites and page order within each site.
func (p *Pipeline) harvestAll(ctx context.Context, log *slog.Logger, budget int, sum *Summary) []catalog.Product {
	perSite := make([][]catalog.Product, len(p.cfg.Sites))
	siteErrs := make([]error, len(p.cfg.Sites))

	var g errgroup.Group
	g.SetLimit(p.cfg.SiteConcurrency)
	for i, site := range p.cfg.Sites {
		g.Go(func() error {
			prods, err := p.cfg.Harvester.Harvest(ctx, site, budget)
			if err != nil {
				log.Error("ingest: site harvest failed", "site", site.ID, "error", err)
				siteErrs[i] = err
				return nil
			}
			perSite[i] = prods
			return nil
		})
	}
	_ = g.Wait()

	var all []catalog.Product
	for i, prods := range perSite {
		if siteErrs[i] != nil {
			sum.SiteErrors = append(sum.SiteErrors, SiteError{Site: p.cfg.Sites[i].ID, Error: siteErrs[i].Error()})
			continue
		}
		all = append(all, prods...)
	}
	return all
}

// sync submits every imaged relational row missing from the similarity
// store in one batch, then flags the rows the similarity store now holds.
func (p *Pipeline) sync(ctx context.Context, log *slog.Logger) (int, error) {
	imaged, err := p.cfg.Items.ListImaged(ctx)
	if err != nil {
		return 0, &StoreError{Stage: StageRelationalRead, Err: err}
	}
	present, err := p.identifiers(ctx)
	if err != nil {
		return 0, err
	}

	var delta []catalog.SimilarityRecord
	missing := 0
	for _, im := range imaged {
		id := catalog.FormatID(im.ID)
		if present[id] {
			continue
		}
		// Rows whose download has not succeeded yet stay in the delta
		// for a later run.
		if _, err := horosafe.ImageFile(im.ImagePath, p.cfg.ImageRoots...); err != nil {
			missing++
			continue
		}
		delta = append(delta, catalog.SimilarityRecord{ID: id, ImagePath: im.ImagePath, Title: im.Title})
	}
	if missing > 0 {
		log.Warn("ingest: imaged rows without a usable file", "count", missing)
	}

	written := 0
	if len(delta) > 0 {
		n, err := p.cfg.Similarity.InsertBatch(ctx, delta)
		if err != nil {
			return 0, &StoreError{Stage: StageSimilarityWrite, Err: err}
		}
		written = n
		log.Info("ingest: similarity delta", "submitted", len(delta), "written", n)
		if present, err = p.identifiers(ctx); err != nil {
			return 0, err
		}
	}

	var ids []int64
	for _, im := range imaged {
		if present[catalog.FormatID(im.ID)] {
			ids = append(ids, im.ID)
		}
	}
	if _, err := p.cfg.Items.MarkSynced(ctx, ids); err != nil {
		return 0, &StoreError{Stage: StageMarkSynced, Err: err}
	}
	return written, nil
}

func (p *Pipeline) identifiers(ctx context.Context) (map[string]bool, error) {
	ids, err := p.cfg.Similarity.ListIdentifiers(ctx)
	if err != nil {
		return nil, &StoreError{Stage: StageSimilarityRead, Err: err}
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}
