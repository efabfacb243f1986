// CLAUDE:SUMMARY Local image cache: idempotent fetch-once downloads with retry, per-host rate limit, bounded concurrency and atomic writes.
// Package imagecache materialises product images on local disk. A file
// that already exists is never fetched again, so repeated runs only
// download what earlier runs missed.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/horosafe"
	"github.com/hazyhaar/vitrine/metrics"
)

// FetchError reports an image that could not be cached. The product is
// kept; the next run retries because the file is still missing.
type FetchError struct {
	URL    string
	Path   string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("imagecache: %s: http %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("imagecache: %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var (
	errStatus      = errors.New("unexpected status")
	errContentType = errors.New("not an image")
)

// Config configures the cache.
type Config struct {
	Timeout     time.Duration // per request. Default: 30s.
	MaxBytes    int64         // per image. Default: 15MB.
	Retries     int           // extra attempts on transient failures.
	Backoff     time.Duration // first retry wait, doubled each attempt. Default: 500ms.
	Concurrency int           // parallel downloads in EnsureAll. Default: 8.

	// PerHostRate limits requests per second to one host. Default: 4.
	PerHostRate  float64
	PerHostBurst int

	UserAgent string

	// URLValidator runs before every request and redirect.
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error

	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 15 << 20
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PerHostRate <= 0 {
		c.PerHostRate = 4
	}
	if c.PerHostBurst <= 0 {
		c.PerHostBurst = 2
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; vitrine/1.0)"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Cache downloads images into their product paths.
type Cache struct {
	cfg    Config
	client *http.Client
	sem    *semaphore.Weighted
	flight singleflight.Group

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Cache.
func New(cfg Config) *Cache {
	cfg.defaults()
	client := cfg.Client
	if client == nil {
		validate := cfg.URLValidator
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		}
	}
	return &Cache{
		cfg:      cfg,
		client:   client,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Exists reports whether path is already cached.
func (c *Cache) Exists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0
}

// Ensure makes p's image present at p.ImagePath. Products without an
// image and images already on disk return immediately.
func (c *Cache) Ensure(ctx context.Context, p catalog.Product) error {
	if !p.HasImage() {
		return nil
	}
	if c.Exists(p.ImagePath) {
		c.cfg.Metrics.Image(metrics.ImageCached)
		return nil
	}

	// Two products with the same title share a file; fetch it once.
	_, err, _ := c.flight.Do(p.ImagePath, func() (any, error) {
		if c.Exists(p.ImagePath) {
			return nil, nil
		}
		return nil, c.fetchWithRetry(ctx, p.ImageURL, p.ImagePath)
	})
	if err != nil {
		c.cfg.Metrics.Image(metrics.ImageFailed)
		return err
	}
	c.cfg.Metrics.Image(metrics.ImageFetched)
	return nil
}

// EnsureAll runs Ensure for every product with at most Concurrency
// downloads in flight. The error slice is aligned with products.
func (c *Cache) EnsureAll(ctx context.Context, products []catalog.Product) []error {
	errs := make([]error, len(products))
	var wg sync.WaitGroup
	for i, p := range products {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(products); j++ {
				errs[j] = &FetchError{URL: products[j].ImageURL, Path: products[j].ImagePath, Err: err}
			}
			break
		}
		wg.Add(1)
		go func(i int, p catalog.Product) {
			defer wg.Done()
			defer c.sem.Release(1)
			errs[i] = c.Ensure(ctx, p)
		}(i, p)
	}
	wg.Wait()
	return errs
}

func (c *Cache) fetchWithRetry(ctx context.Context, rawURL, path string) error {
	log := c.cfg.Logger
	var lastErr *FetchError
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		err := c.fetch(ctx, rawURL, path)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		if attempt < c.cfg.Retries {
			wait := c.cfg.Backoff * (1 << uint(attempt))
			log.Debug("imagecache: retrying", "url", rawURL, "attempt", attempt+1, "backoff_ms", wait.Milliseconds(), "error", err)
			select {
			case <-ctx.Done():
				return &FetchError{URL: rawURL, Path: path, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

// retryable: network errors, 429 and 5xx.
func retryable(e *FetchError) bool {
	switch {
	case e.Status == 0:
		return !errors.Is(e.Err, errContentType) && !errors.Is(e.Err, horosafe.ErrSSRF) && !errors.Is(e.Err, horosafe.ErrUnsafeScheme)
	case e.Status == http.StatusTooManyRequests, e.Status >= 500:
		return true
	}
	return false
}

func (c *Cache) fetch(ctx context.Context, rawURL, path string) *FetchError {
	fail := func(status int, err error) *FetchError {
		return &FetchError{URL: rawURL, Path: path, Status: status, Err: err}
	}

	if err := c.cfg.URLValidator(rawURL); err != nil {
		return fail(0, err)
	}
	if err := c.limiter(rawURL).Wait(ctx); err != nil {
		return fail(0, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(resp.StatusCode, errStatus)
	}
	if !isImage(resp.Header.Get("Content-Type")) {
		return fail(0, fmt.Errorf("%w: %s", errContentType, resp.Header.Get("Content-Type")))
	}
	data, err := horosafe.LimitedReadAll(resp.Body, c.cfg.MaxBytes)
	if err != nil {
		return fail(0, err)
	}
	if len(data) == 0 {
		return fail(0, errors.New("empty body"))
	}
	if err := writeAtomic(path, data); err != nil {
		return fail(0, err)
	}
	return nil
}

// limiter is keyed by registrable domain so a shop and its CDN
// subdomains share one budget.
func (c *Cache) limiter(rawURL string) *rate.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	if site, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		host = site
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.PerHostRate), c.cfg.PerHostBurst)
		c.limiters[host] = l
	}
	return l
}

// isImage accepts image/* and the generic types some CDNs send.
func isImage(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/") || mt == "application/octet-stream" || mt == "binary/octet-stream"
}

// writeAtomic writes data next to path and renames it into place so
// readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close tmp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
