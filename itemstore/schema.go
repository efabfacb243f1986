package itemstore

import "github.com/hazyhaar/vitrine/dbopen"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	filepath         TEXT    NOT NULL DEFAULT '',
	title            TEXT    NOT NULL,
	url              TEXT    NOT NULL,
	brand            TEXT    NOT NULL,
	site             TEXT    NOT NULL DEFAULT '',
	image_url        TEXT    NOT NULL DEFAULT '',
	updated_vectordb INTEGER NOT NULL DEFAULT 0,
	scraped_time     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_title_brand ON items(title, brand);
CREATE INDEX IF NOT EXISTS idx_items_site ON items(site);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id          TEXT    PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	page_budget INTEGER NOT NULL,
	status      TEXT    NOT NULL DEFAULT 'running',
	harvested   INTEGER NOT NULL DEFAULT 0,
	inserted    INTEGER NOT NULL DEFAULT 0,
	synced      INTEGER NOT NULL DEFAULT 0,
	items       INTEGER NOT NULL DEFAULT 0,
	vectors     INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS items (
	id               BIGINT  GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	filepath         TEXT    NOT NULL DEFAULT '',
	title            TEXT    NOT NULL,
	url              TEXT    NOT NULL,
	brand            TEXT    NOT NULL,
	site             TEXT    NOT NULL DEFAULT '',
	image_url        TEXT    NOT NULL DEFAULT '',
	updated_vectordb BOOLEAN NOT NULL DEFAULT FALSE,
	scraped_time     BIGINT  NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_title_brand ON items(title, brand);
CREATE INDEX IF NOT EXISTS idx_items_site ON items(site);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id          TEXT    PRIMARY KEY,
	started_at  BIGINT  NOT NULL,
	finished_at BIGINT,
	page_budget INTEGER NOT NULL,
	status      TEXT    NOT NULL DEFAULT 'running',
	harvested   INTEGER NOT NULL DEFAULT 0,
	inserted    INTEGER NOT NULL DEFAULT 0,
	synced      INTEGER NOT NULL DEFAULT 0,
	items       INTEGER NOT NULL DEFAULT 0,
	vectors     INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`

func schemaFor(d dbopen.Dialect) string {
	if d == dbopen.Postgres {
		return postgresSchema
	}
	return sqliteSchema
}
