// CLAUDE:SUMMARY Similarity store: image vectors keyed by item id in SQLite, horosvec ANN index above a size threshold, exact rerank.
// Package vecstore is the similarity side of vitrine. Every record's
// image vector lives in a plain table; once the collection is large
// enough a horosvec (Vamana + RaBitQ) index is built over it and queries
// go through the index, then get reranked exactly.
package vecstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/horosvec"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/dbopen"
	"github.com/hazyhaar/vitrine/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS similarity_records (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	image_path TEXT NOT NULL,
	vector     BLOB NOT NULL
);`

// Config configures the store.
type Config struct {
	// DBPath is the SQLite file holding vectors and the ANN graph.
	DBPath string `yaml:"db_path"`

	// IndexThreshold is the record count from which the ANN index is
	// built and used. Below it queries scan exactly. Default: 1000.
	IndexThreshold int `yaml:"index_threshold"`

	// EmbedBatch is how many images are embedded per call. Default: 16.
	EmbedBatch int `yaml:"embed_batch"`

	// Candidates multiplies k for the ANN pre-selection. Default: 4.
	Candidates int `yaml:"candidates"`

	// CacheSize sets PRAGMA cache_size. Default: -64000 (64 MB).
	CacheSize int `yaml:"cache_size"`

	// Index tunes horosvec. Nil means horosvec.DefaultConfig().
	Index  *horosvec.Config `yaml:"-"`
	Logger *slog.Logger     `yaml:"-"`
}

func (c *Config) defaults() {
	if c.IndexThreshold <= 0 {
		c.IndexThreshold = 1000
	}
	if c.EmbedBatch <= 0 {
		c.EmbedBatch = 16
	}
	if c.Candidates <= 0 {
		c.Candidates = 4
	}
	if c.CacheSize == 0 {
		c.CacheSize = -64000
	}
	if c.Index == nil {
		def := horosvec.DefaultConfig()
		c.Index = &def
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store holds image vectors and answers nearest-neighbour queries.
type Store struct {
	db     *sql.DB
	ownsDB bool
	emb    embed.Embedder
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	idx     *horosvec.Index
	indexed bool
}

// Open opens cfg.DBPath and prepares the store.
func Open(cfg Config, emb embed.Embedder) (*Store, error) {
	cfg.defaults()
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithCacheSize(cfg.CacheSize))
	if err != nil {
		return nil, fmt.Errorf("vecstore: %w", err)
	}
	s, err := New(db, emb, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New prepares a store on an existing database.
func New(db *sql.DB, emb embed.Embedder, cfg Config) (*Store, error) {
	cfg.defaults()
	if emb == nil {
		return nil, errors.New("vecstore: embedder is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("vecstore: init schema: %w", err)
	}
	idx, err := horosvec.New(db, *cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("vecstore: open index: %w", err)
	}
	return &Store{
		db:      db,
		emb:     emb,
		cfg:     cfg,
		log:     cfg.Logger,
		idx:     idx,
		indexed: idx.Count() > 0,
	}, nil
}

// Close releases the index and, when opened by Open, the database.
func (s *Store) Close() error {
	err := s.idx.Close()
	if s.ownsDB {
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// CountAll returns the number of records.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM similarity_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("vecstore: count: %w", err)
	}
	return n, nil
}

// ListIdentifiers returns every record id.
func (s *Store) ListIdentifiers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM similarity_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("vecstore: list ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("vecstore: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertBatch embeds the records' images and stores them. Records whose
// id is already present are skipped. A record whose image file cannot be
// read (embed.ErrUnreadableImage) is logged and skipped. Embedder backend
// and store failures abort the batch; the count of records written before
// the failure is returned with the error.
func (s *Store) InsertBatch(ctx context.Context, recs []catalog.SimilarityRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := s.absent(ctx, recs)
	if err != nil {
		return 0, err
	}

	written := 0
	var newVecs [][]float32
	var newIDs [][]byte
	for start := 0; start < len(fresh); start += s.cfg.EmbedBatch {
		chunk := fresh[start:min(start+s.cfg.EmbedBatch, len(fresh))]
		ok, vecs, err := s.embedChunk(ctx, chunk)
		if err != nil {
			if written > 0 {
				s.updateIndexLocked(ctx, newVecs, newIDs)
			}
			return written, err
		}
		if len(ok) == 0 {
			continue
		}
		if err := s.writeChunk(ctx, ok, vecs); err != nil {
			return written, err
		}
		written += len(ok)
		for i, r := range ok {
			newIDs = append(newIDs, []byte(r.ID))
			newVecs = append(newVecs, vecs[i])
		}
	}

	if written > 0 {
		s.updateIndexLocked(ctx, newVecs, newIDs)
	}
	return written, nil
}

func (s *Store) absent(ctx context.Context, recs []catalog.SimilarityRecord) ([]catalog.SimilarityRecord, error) {
	existing, err := s.ListIdentifiers(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing)+len(recs))
	for _, id := range existing {
		seen[id] = true
	}
	var out []catalog.SimilarityRecord
	for _, r := range recs {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out, nil
}

// embedChunk embeds a chunk in one call. When that call reports an
// unreadable image it retries record by record so only the bad file is
// skipped. Any other embedder error is returned: the backend is down and
// nothing in the chunk can be written.
func (s *Store) embedChunk(ctx context.Context, chunk []catalog.SimilarityRecord) ([]catalog.SimilarityRecord, [][]float32, error) {
	paths := make([]string, len(chunk))
	for i, r := range chunk {
		paths[i] = r.ImagePath
	}
	vecs, err := s.emb.EmbedImages(ctx, paths)
	switch {
	case err == nil && len(vecs) == len(chunk):
		return chunk, vecs, nil
	case err == nil:
		return nil, nil, fmt.Errorf("vecstore: embedder returned %d vectors for %d images", len(vecs), len(chunk))
	case !errors.Is(err, embed.ErrUnreadableImage):
		return nil, nil, fmt.Errorf("vecstore: embed images: %w", err)
	}

	var ok []catalog.SimilarityRecord
	var okVecs [][]float32
	for _, r := range chunk {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		v, err := s.emb.EmbedImages(ctx, []string{r.ImagePath})
		if errors.Is(err, embed.ErrUnreadableImage) {
			s.log.Warn("vecstore: image skipped", "id", r.ID, "path", r.ImagePath, "error", err)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("vecstore: embed image %s: %w", r.ID, err)
		}
		if len(v) != 1 {
			return nil, nil, fmt.Errorf("vecstore: embedder returned %d vectors for 1 image", len(v))
		}
		ok = append(ok, r)
		okVecs = append(okVecs, v[0])
	}
	return ok, okVecs, nil
}

func (s *Store) writeChunk(ctx context.Context, recs []catalog.SimilarityRecord, vecs [][]float32) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO similarity_records (id, title, image_path, vector)
			VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, r := range recs {
			if _, err := stmt.ExecContext(ctx, r.ID, r.Title, r.ImagePath, encodeVector(vecs[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("vecstore: write records: %w", err)
	}
	return nil
}

// updateIndexLocked keeps the ANN index in step with the table. Index
// failures are logged: exact scans still answer queries.
func (s *Store) updateIndexLocked(ctx context.Context, vecs [][]float32, ids [][]byte) {
	n, err := s.CountAll(ctx)
	if err != nil || n < s.cfg.IndexThreshold {
		return
	}
	if s.indexed && !s.idx.NeedsRebuild() {
		if err := s.idx.Insert(vecs, ids); err == nil {
			return
		} else {
			s.log.Warn("vecstore: index insert failed, rebuilding", "error", err)
		}
	}
	if err := s.idx.Build(ctx, &rowIterator{ctx: ctx, db: s.db}); err != nil {
		s.log.Error("vecstore: index build failed", "error", err)
		s.indexed = false
		return
	}
	s.indexed = true
	s.log.Info("vecstore: index built", "records", n)
}

// Stats describes the store.
type Stats struct {
	Records      int  `json:"records"`
	Indexed      bool `json:"indexed"`
	IndexNodes   int  `json:"index_nodes"`
	NeedsRebuild bool `json:"needs_rebuild"`
}

// Stats reports record and index counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	n, err := s.CountAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Records:      n,
		Indexed:      s.indexed,
		IndexNodes:   s.idx.Count(),
		NeedsRebuild: s.idx.NeedsRebuild(),
	}, nil
}

// Delete removes a record. Stale index nodes are filtered at query time.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := dbopen.Exec(ctx, s.db, `DELETE FROM similarity_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("vecstore: delete %s: %w", id, err)
	}
	return nil
}

// QueryByText ranks records against a text query.
func (s *Store) QueryByText(ctx context.Context, text string, k int) ([]catalog.Match, error) {
	vecs, err := s.emb.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("vecstore: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("vecstore: embed query: got %d vectors", len(vecs))
	}
	return s.query(ctx, vecs[0], k)
}

// QueryByImage ranks records against a local image.
func (s *Store) QueryByImage(ctx context.Context, path string, k int) ([]catalog.Match, error) {
	vecs, err := s.emb.EmbedImages(ctx, []string{path})
	if err != nil {
		return nil, fmt.Errorf("vecstore: embed query image: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("vecstore: embed query image: got %d vectors", len(vecs))
	}
	return s.query(ctx, vecs[0], k)
}

// query returns the k nearest records by cosine distance, closest first.
func (s *Store) query(ctx context.Context, q []float32, k int) ([]catalog.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	useIndex := s.indexed
	s.mu.Unlock()

	var cands []candidate
	var err error
	if useIndex {
		cands, err = s.indexCandidates(ctx, q, k*s.cfg.Candidates)
		if err != nil {
			s.log.Warn("vecstore: index search failed, scanning", "error", err)
			useIndex = false
		}
	}
	if !useIndex {
		cands, err = s.scan(ctx)
		if err != nil {
			return nil, err
		}
	}

	matches := make([]catalog.Match, 0, len(cands))
	for _, c := range cands {
		matches = append(matches, catalog.Match{ID: c.id, Score: 1 - embed.Cosine(q, c.vec)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score < matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

type candidate struct {
	id  string
	vec []float32
}

func (s *Store) scan(ctx context.Context) ([]candidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, vector FROM similarity_records`)
	if err != nil {
		return nil, fmt.Errorf("vecstore: scan: %w", err)
	}
	defer rows.Close()
	var out []candidate
	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.id, &blob); err != nil {
			return nil, fmt.Errorf("vecstore: scan row: %w", err)
		}
		c.vec = decodeVector(blob)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) indexCandidates(ctx context.Context, q []float32, n int) ([]candidate, error) {
	results, err := s.idx.Search(q, n)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(results))
	for _, r := range results {
		var blob []byte
		err := s.db.QueryRowContext(ctx, `SELECT vector FROM similarity_records WHERE id = ?`, string(r.ID)).Scan(&blob)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{id: string(r.ID), vec: decodeVector(blob)})
	}
	return out, nil
}
