package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/horosafe"
	"github.com/hazyhaar/vitrine/itemstore"
)

// DefaultK is the number of hits returned when k is not set.
const DefaultK = 10

// ErrEmptyQuery is returned for a blank text query.
var ErrEmptyQuery = errors.New("ingest: empty query")

// SearchByText returns the items closest to a text query, best first.
func (p *Pipeline) SearchByText(ctx context.Context, text string, k int) ([]catalog.Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	matches, err := p.cfg.Similarity.QueryByText(ctx, text, kOrDefault(k))
	if err != nil {
		return nil, &StoreError{Stage: StageSimilarityRead, Err: err}
	}
	return p.hits(ctx, matches)
}

// SearchByImage returns the items closest to a local image. The path may
// be anywhere on disk (ImageRoots only bounds what sync embeds) but must
// name an existing image file, else the error wraps horosafe.ErrNotImage.
func (p *Pipeline) SearchByImage(ctx context.Context, path string, k int) ([]catalog.Hit, error) {
	abs, err := horosafe.ImageFile(path)
	if err != nil {
		return nil, err
	}
	matches, err := p.cfg.Similarity.QueryByImage(ctx, abs, kOrDefault(k))
	if err != nil {
		return nil, &StoreError{Stage: StageSimilarityRead, Err: err}
	}
	return p.hits(ctx, matches)
}

func kOrDefault(k int) int {
	if k <= 0 {
		return DefaultK
	}
	return k
}

// hits joins matches to relational rows, keeping similarity order. Ids
// the relational store no longer has are dropped.
func (p *Pipeline) hits(ctx context.Context, matches []catalog.Match) ([]catalog.Hit, error) {
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		id, err := catalog.ParseID(m.ID)
		if err != nil {
			p.log.Warn("ingest: foreign similarity id", "id", m.ID)
			continue
		}
		ids = append(ids, id)
	}
	items, err := p.cfg.Items.QueryByIDs(ctx, ids)
	if err != nil {
		return nil, &StoreError{Stage: StageRelationalRead, Err: err}
	}
	byID := make(map[string]catalog.Item, len(items))
	for _, it := range items {
		byID[it.SimilarityID()] = it
	}
	out := make([]catalog.Hit, 0, len(matches))
	for _, m := range matches {
		it, ok := byID[m.ID]
		if !ok {
			continue
		}
		out = append(out, catalog.Hit{Item: it, Score: m.Score})
	}
	return out, nil
}

// Filter returns relational items matching every non-empty field.
func (p *Pipeline) Filter(ctx context.Context, f itemstore.Filter) ([]catalog.Item, error) {
	items, err := p.cfg.Items.FilterByFields(ctx, f)
	if err != nil {
		return nil, &StoreError{Stage: StageRelationalRead, Err: err}
	}
	return items, nil
}

// List pages through every item in id order.
func (p *Pipeline) List(ctx context.Context, limit, offset int) ([]catalog.Item, error) {
	items, err := p.cfg.Items.ListAll(ctx, limit, offset)
	if err != nil {
		return nil, &StoreError{Stage: StageRelationalRead, Err: err}
	}
	return items, nil
}

// Item returns one item, or itemstore.ErrNotFound.
func (p *Pipeline) Item(ctx context.Context, id int64) (catalog.Item, error) {
	it, err := p.cfg.Items.Get(ctx, id)
	if err != nil && !errors.Is(err, itemstore.ErrNotFound) {
		return catalog.Item{}, &StoreError{Stage: StageRelationalRead, Err: err}
	}
	return it, err
}

// Delete removes an item from both stores. The similarity record goes
// first so a failure never leaves a vector without its row.
func (p *Pipeline) Delete(ctx context.Context, id int64) error {
	if err := p.cfg.Similarity.Delete(ctx, catalog.FormatID(id)); err != nil {
		return &StoreError{Stage: StageSimilarityWrite, Err: err}
	}
	if err := p.cfg.Items.Delete(ctx, id); err != nil {
		if errors.Is(err, itemstore.ErrNotFound) {
			return err
		}
		return &StoreError{Stage: StageRelationalWrite, Err: err}
	}
	return nil
}

// Stats is the consistency probe across both stores.
type Stats struct {
	Items   int             `json:"items"`
	Vectors int             `json:"vectors"`
	Running bool            `json:"running"`
	Runs    []itemstore.Run `json:"recent_runs"`
}

// Stats reports store sizes and the latest runs.
func (p *Pipeline) Stats(ctx context.Context, runs int) (Stats, error) {
	var st Stats
	var err error
	if st.Items, err = p.cfg.Items.CountAll(ctx); err != nil {
		return st, &StoreError{Stage: StageRelationalRead, Err: err}
	}
	if st.Vectors, err = p.cfg.Similarity.CountAll(ctx); err != nil {
		return st, &StoreError{Stage: StageSimilarityRead, Err: err}
	}
	if st.Runs, err = p.cfg.Items.RecentRuns(ctx, runs); err != nil {
		return st, &StoreError{Stage: StageRelationalRead, Err: err}
	}
	st.Running = p.Running()
	return st, nil
}
