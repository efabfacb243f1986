// CLAUDE:SUMMARY Loads vitrine configuration from YAML with defaults and VITRINE_* environment overrides, validates the site table.
// Package config handles vitrine configuration: store locations, browser,
// image cache, embedding endpoint, HTTP address and the site table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/dbopen"
	"github.com/hazyhaar/vitrine/shield"
	"github.com/hazyhaar/vitrine/strategy"
)

// Config is the top-level vitrine configuration.
type Config struct {
	Relational RelationalConfig `yaml:"relational"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Images     ImagesConfig     `yaml:"images"`
	Browser    BrowserConfig    `yaml:"browser"`
	Harvest    HarvestConfig    `yaml:"harvest"`
	HTTP       HTTPConfig       `yaml:"http"`
	Sites      []catalog.Site   `yaml:"sites"`
}

// RelationalConfig selects the item store backend.
type RelationalConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`

	// Postgres only. Bouncer switches to the simple query protocol for
	// transaction-pooling bouncers; MaxConns caps the pool (default 4).
	Bouncer  bool `yaml:"bouncer"`
	MaxConns int  `yaml:"max_conns"`
}

// Options translates the Postgres pool settings into dbopen options.
func (r RelationalConfig) Options() []dbopen.Option {
	var opts []dbopen.Option
	if r.Bouncer {
		opts = append(opts, dbopen.WithBouncer())
	}
	if r.MaxConns > 0 {
		opts = append(opts, dbopen.WithMaxConns(r.MaxConns))
	}
	return opts
}

// SimilarityConfig locates the vector store and the embedding service.
type SimilarityConfig struct {
	DBPath         string      `yaml:"db_path"`
	IndexThreshold int         `yaml:"index_threshold"`
	Embed          EmbedConfig `yaml:"embed"`
}

// EmbedConfig points at an OpenAI-compatible /v1/embeddings endpoint.
// An empty endpoint selects the offline hash embedder.
type EmbedConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
	APIKey    string        `yaml:"api_key"`
}

// ImagesConfig controls the local image cache and its downloader.
type ImagesConfig struct {
	Dir          string        `yaml:"dir"`
	Timeout      time.Duration `yaml:"timeout"`
	Concurrency  int           `yaml:"concurrency"`
	// Retries is the number of extra attempts on transient failures.
	// Unset means 2; 0 disables retrying.
	Retries      *int          `yaml:"retries"`
	MaxBytes     int64         `yaml:"max_bytes"`
	PerHostRate  float64       `yaml:"per_host_rate"`
	PerHostBurst int           `yaml:"per_host_burst"`
	UserAgent    string        `yaml:"user_agent"`
}

// BrowserConfig controls the rendering backend.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"` // host:port or ws:// URL; empty launches Chrome locally
	Headless         *bool         `yaml:"headless"`
	Stealth          bool          `yaml:"stealth"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
	ActionTimeout    time.Duration `yaml:"action_timeout"`
	Settle           time.Duration `yaml:"settle"`
	ScrollStep       int           `yaml:"scroll_step"`
}

// HarvestConfig controls the ingestion run.
type HarvestConfig struct {
	SiteConcurrency int `yaml:"site_concurrency"`
	DefaultPages    int `yaml:"default_pages"`
}

// HTTPConfig is the API listener.
type HTTPConfig struct {
	Addr       string                 `yaml:"addr"`
	RunTimeout time.Duration          `yaml:"run_timeout"`
	MaxBody    int64                  `yaml:"max_body"`
	RateLimit  shield.RateLimitConfig `yaml:"rate_limit"`
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, then validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(strategy.NewTable()); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Relational.Driver = env("VITRINE_DB_DRIVER", c.Relational.Driver)
	c.Relational.DSN = env("VITRINE_DB", c.Relational.DSN)
	c.Similarity.DBPath = env("VITRINE_VECTOR_DB", c.Similarity.DBPath)
	c.Similarity.Embed.Endpoint = env("VITRINE_EMBED_URL", c.Similarity.Embed.Endpoint)
	c.Similarity.Embed.Model = env("VITRINE_EMBED_MODEL", c.Similarity.Embed.Model)
	c.Similarity.Embed.APIKey = env("VITRINE_EMBED_KEY", c.Similarity.Embed.APIKey)
	c.Images.Dir = env("VITRINE_IMAGE_DIR", c.Images.Dir)
	c.Browser.Remote = env("VITRINE_BROWSER", c.Browser.Remote)
	c.HTTP.Addr = env("VITRINE_ADDR", c.HTTP.Addr)
	if v, err := strconv.Atoi(os.Getenv("VITRINE_PAGES")); err == nil && v > 0 {
		c.Harvest.DefaultPages = v
	}
}

func (c *Config) applyDefaults() {
	if d, err := dbopen.ParseDialect(c.Relational.Driver); err == nil {
		c.Relational.Driver = string(d)
	}
	if c.Relational.DSN == "" && c.Relational.Driver == string(dbopen.SQLite) {
		c.Relational.DSN = "data/items.db"
	}
	if c.Similarity.DBPath == "" {
		c.Similarity.DBPath = "data/vectors.db"
	}
	if c.Similarity.Embed.Timeout <= 0 {
		c.Similarity.Embed.Timeout = 60 * time.Second
	}
	if c.Images.Dir == "" {
		c.Images.Dir = "data/images"
	}
	if c.Images.Timeout <= 0 {
		c.Images.Timeout = 30 * time.Second
	}
	if c.Images.Concurrency <= 0 {
		c.Images.Concurrency = 8
	}
	if c.Images.Retries == nil {
		n := 2
		c.Images.Retries = &n
	}
	if *c.Images.Retries < 0 {
		*c.Images.Retries = 0
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 45 * time.Second
	}
	if c.Browser.ActionTimeout <= 0 {
		c.Browser.ActionTimeout = 30 * time.Second
	}
	if c.Browser.Settle <= 0 {
		c.Browser.Settle = 2 * time.Second
	}
	if c.Harvest.SiteConcurrency <= 0 {
		c.Harvest.SiteConcurrency = 2
	}
	if c.Harvest.DefaultPages <= 0 {
		c.Harvest.DefaultPages = 1
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8000"
	}
	for i := range c.Sites {
		if c.Sites[i].Timezone == "" {
			c.Sites[i].Timezone = catalog.DefaultTimezone
		}
	}
}

// Validate checks the store driver and every site entry against the
// strategy table.
func (c *Config) Validate(table *strategy.Table) error {
	if _, err := dbopen.ParseDialect(c.Relational.Driver); err != nil {
		return fmt.Errorf("config: relational.driver: %w", err)
	}
	if c.Relational.DSN == "" {
		return errors.New("config: relational.dsn is required")
	}
	seen := make(map[string]bool, len(c.Sites))
	var errs []error
	for i, s := range c.Sites {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("config: sites[%d]: id is required", i))
			continue
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("config: sites[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.BaseURL == "" {
			errs = append(errs, fmt.Errorf("config: site %s: base_url is required", s.ID))
		}
		if s.ProductTag == "" {
			errs = append(errs, fmt.Errorf("config: site %s: product_tag is required", s.ID))
		}
		if _, err := table.Lookup(s.Strategy); err != nil {
			errs = append(errs, fmt.Errorf("config: site %s: %w", s.ID, err))
		}
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("config: site %s: timezone: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Site returns the site with the given id.
func (c *Config) Site(id string) (catalog.Site, bool) {
	for _, s := range c.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return catalog.Site{}, false
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
