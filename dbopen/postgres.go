package dbopen

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a Postgres database through pgx's database/sql
// adapter, so stores share one code path with SQLite.
func OpenPostgres(dsn string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("dbopen: parse dsn: %w", err)
	}
	if cfg.viaBouncer {
		connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	db := stdlib.OpenDB(*connCfg)
	if cfg.maxConns > 0 {
		db.SetMaxOpenConns(cfg.maxConns)
		db.SetMaxIdleConns(cfg.maxConns)
	}
	if err := finish(db, &cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
