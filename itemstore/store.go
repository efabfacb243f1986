// CLAUDE:SUMMARY Relational item store: insert-if-absent on (title, brand), id lookups, field filters, sync flags, run log. SQLite or Postgres.
// Package itemstore is the relational side of vitrine: one row per
// distinct (title, brand) product, plus a log of ingestion runs.
package itemstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/dbopen"
)

// ErrNotFound is returned when an id matches no row.
var ErrNotFound = errors.New("itemstore: not found")

// chunkSize bounds the number of placeholders in one IN (...) list.
const chunkSize = 500

// Store wraps the database handle.
type Store struct {
	db      *sql.DB
	dialect dbopen.Dialect
}

// New wraps an open database. Call Init to create the schema.
func New(db *sql.DB, dialect dbopen.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open opens dsn with the dialect and creates the schema. opts are passed
// to dbopen (pool size, bouncer mode).
func Open(dialect dbopen.Dialect, dsn string, opts ...dbopen.Option) (*Store, error) {
	if dialect == dbopen.SQLite {
		opts = append(opts, dbopen.WithMkdirAll())
	}
	db, err := dbopen.OpenDialect(dialect, dsn, opts...)
	if err != nil {
		return nil, fmt.Errorf("itemstore: %w", err)
	}
	s := New(db, dialect)
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates tables and indexes if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaFor(s.dialect), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("itemstore: init schema: %w", err)
		}
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

const itemCols = `id, filepath, title, url, brand, site, image_url, updated_vectordb, scraped_time`

func scanItem(sc interface{ Scan(...any) error }) (catalog.Item, error) {
	var it catalog.Item
	var scraped int64
	err := sc.Scan(&it.ID, &it.ImagePath, &it.Title, &it.URL, &it.Brand, &it.Site,
		&it.ImageURL, &it.SyncedToSimilarity, &scraped)
	if err != nil {
		return catalog.Item{}, err
	}
	it.CapturedAt = time.UnixMilli(scraped).UTC()
	return it, nil
}

// InsertIfAbsent stores p unless a row with the same (title, brand)
// exists. Existing rows are never updated. It returns the row id either
// way and whether a new row was written.
func (s *Store) InsertIfAbsent(ctx context.Context, p catalog.Product) (int64, bool, error) {
	var id int64
	var inserted bool
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO items (filepath, title, url, brand, site, image_url, updated_vectordb, scraped_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (title, brand) DO NOTHING`),
			p.ImagePath, p.Title, p.URL, p.Brand, p.Site, p.ImageURL, false, p.CapturedAt.UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return tx.QueryRowContext(ctx, s.q(`SELECT id FROM items WHERE title = ? AND brand = ?`),
			p.Title, p.Brand).Scan(&id)
	})
	if err != nil {
		return 0, false, fmt.Errorf("itemstore: insert %q/%q: %w", p.Title, p.Brand, err)
	}
	return id, inserted, nil
}

// CountAll returns the number of rows.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("itemstore: count: %w", err)
	}
	return n, nil
}

// Get returns one row.
func (s *Store) Get(ctx context.Context, id int64) (catalog.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, s.q(`SELECT `+itemCols+` FROM items WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Item{}, ErrNotFound
	}
	if err != nil {
		return catalog.Item{}, fmt.Errorf("itemstore: get %d: %w", id, err)
	}
	return it, nil
}

// QueryByIDs returns the rows for ids in the order the ids were given.
// Unknown ids are skipped.
func (s *Store) QueryByIDs(ctx context.Context, ids []int64) ([]catalog.Item, error) {
	byID := make(map[int64]catalog.Item, len(ids))
	for start := 0; start < len(ids); start += chunkSize {
		chunk := ids[start:min(start+chunkSize, len(ids))]
		query := `SELECT ` + itemCols + ` FROM items WHERE id IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.db.QueryContext(ctx, s.q(query), int64Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("itemstore: query by ids: %w", err)
		}
		for rows.Next() {
			it, err := scanItem(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("itemstore: scan: %w", err)
			}
			byID[it.ID] = it
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("itemstore: query by ids: %w", err)
		}
	}

	out := make([]catalog.Item, 0, len(byID))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// Filter selects rows by case-insensitive substring on each non-empty field.
type Filter struct {
	Title string
	Brand string
	Site  string
	URL   string
	Limit int
}

// FilterByFields returns rows matching every non-empty criterion, newest first.
func (s *Store) FilterByFields(ctx context.Context, f Filter) ([]catalog.Item, error) {
	var where []string
	var args []any
	for _, c := range []struct{ col, val string }{
		{"title", f.Title}, {"brand", f.Brand}, {"site", f.Site}, {"url", f.URL},
	} {
		if c.val == "" {
			continue
		}
		where = append(where, `LOWER(`+c.col+`) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(c.val))+"%")
	}
	query := `SELECT ` + itemCols + ` FROM items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	return s.list(ctx, query, args...)
}

// ListAll pages through every row in id order.
func (s *Store) ListAll(ctx context.Context, limit, offset int) ([]catalog.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `SELECT `+itemCols+` FROM items ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]catalog.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("itemstore: list: %w", err)
	}
	defer rows.Close()
	var out []catalog.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("itemstore: scan: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Imaged is the id and image path of a row that has an image.
type Imaged struct {
	ID        int64
	ImagePath string
	Title     string
}

// ListImaged returns every row with a non-empty image path.
func (s *Store) ListImaged(ctx context.Context) ([]Imaged, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, filepath, title FROM items WHERE filepath <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("itemstore: list imaged: %w", err)
	}
	defer rows.Close()
	var out []Imaged
	for rows.Next() {
		var im Imaged
		if err := rows.Scan(&im.ID, &im.ImagePath, &im.Title); err != nil {
			return nil, fmt.Errorf("itemstore: scan: %w", err)
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

// MarkSynced sets the similarity flag on ids and returns how many rows
// changed.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) (int, error) {
	total := 0
	for start := 0; start < len(ids); start += chunkSize {
		chunk := ids[start:min(start+chunkSize, len(ids))]
		args := append([]any{true}, int64Args(chunk)...)
		res, err := dbopen.Exec(ctx, s.db, s.q(`UPDATE items SET updated_vectordb = ?
			WHERE id IN (`+placeholders(len(chunk))+`) AND updated_vectordb = `+s.falseLit()), args...)
		if err != nil {
			return total, fmt.Errorf("itemstore: mark synced: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *Store) falseLit() string {
	if s.dialect == dbopen.Postgres {
		return "FALSE"
	}
	return "0"
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := dbopen.Exec(ctx, s.db, s.q(`DELETE FROM items WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("itemstore: delete %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
