// CLAUDE:SUMMARY chi HTTP façade: healthcheck, ingestion trigger, similarity search, item listing and delete, Prometheus metrics.
// Package api exposes the ingestion pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/vitrine/catalog"
	"github.com/hazyhaar/vitrine/horosafe"
	"github.com/hazyhaar/vitrine/ingest"
	"github.com/hazyhaar/vitrine/itemstore"
	"github.com/hazyhaar/vitrine/kit"
	"github.com/hazyhaar/vitrine/shield"
)

// Service is what the HTTP layer needs from the pipeline.
type Service interface {
	Run(ctx context.Context, budget int) (*ingest.Summary, error)
	SearchByText(ctx context.Context, text string, k int) ([]catalog.Hit, error)
	SearchByImage(ctx context.Context, path string, k int) ([]catalog.Hit, error)
	Filter(ctx context.Context, f itemstore.Filter) ([]catalog.Item, error)
	List(ctx context.Context, limit, offset int) ([]catalog.Item, error)
	Item(ctx context.Context, id int64) (catalog.Item, error)
	Delete(ctx context.Context, id int64) error
	Stats(ctx context.Context, runs int) (ingest.Stats, error)
}

// Options configures the router.
type Options struct {
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// MCP serves the streamable MCP transport at /mcp when set.
	MCP http.Handler
	// RunTimeout bounds one POST /update. Zero means no bound.
	RunTimeout time.Duration
	// MaxBody caps request bodies. Default: 1 MiB.
	MaxBody int64
	// RateLimit applies per-client limits to /update and /search.
	RateLimit shield.RateLimitConfig
	Logger     *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Service, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 1 << 20
	}
	h := &handlers{svc: svc, log: log, runTimeout: opts.RunTimeout}
	limited := shield.NewRateLimiter(opts.RateLimit).Middleware

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestContext)
	r.Use(accessLog(log))
	for _, mw := range shield.APIStack(opts.MaxBody) {
		r.Use(mw)
	}

	r.Get("/healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "connected!"})
	})
	r.With(limited).Post("/update/{pages}", h.update)
	r.With(limited).Post("/search", h.search)
	r.Get("/stats", h.stats)
	r.Route("/items", func(r chi.Router) {
		r.Get("/", h.listItems)
		r.Get("/{id}", h.getItem)
		r.Delete("/{id}", h.deleteItem)
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.MCP != nil {
		r.Handle("/mcp", opts.MCP)
	}
	return r
}

type handlers struct {
	svc        Service
	log        *slog.Logger
	runTimeout time.Duration
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	pages, err := strconv.Atoi(chi.URLParam(r, "pages"))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "pages must be an integer"})
		return
	}

	ctx := r.Context()
	if h.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runTimeout)
		defer cancel()
	}
	sum, err := h.svc.Run(ctx, pages)
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"detail": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Error triggering ETL pipeline: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("ETL pipeline trigger successful. %d in Items DB. %d in Vector DB.", sum.Items, sum.Vectors),
		"summary": sum,
	})
}

type searchRequest struct {
	Text string `json:"text"`
	Type string `json:"type"`
	K    int    `json:"k,omitempty"`
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid JSON body"})
		return
	}
	k := req.K
	if k <= 0 {
		k = ingest.DefaultK
	}

	var hits []catalog.Hit
	var err error
	switch req.Type {
	case "text":
		hits, err = h.svc.SearchByText(r.Context(), req.Text, k)
	case "image":
		hits, err = h.svc.SearchByImage(r.Context(), req.Text, k)
		if errors.Is(err, horosafe.ErrNotImage) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Image path invalid"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid query type"})
		return
	}
	if errors.Is(err, ingest.ErrEmptyQuery) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		h.log.ErrorContext(r.Context(), "api: search failed", "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if hits == nil {
		hits = []catalog.Hit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

// listItems filters when any field criterion is given and otherwise pages
// through the whole table with limit and offset.
func (h *handlers) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := itemstore.Filter{
		Title: q.Get("title"),
		Brand: q.Get("brand"),
		Site:  q.Get("site"),
		URL:   q.Get("url"),
		Limit: queryInt(r, "limit", 100),
	}
	var items []catalog.Item
	var err error
	if f.Title == "" && f.Brand == "" && f.Site == "" && f.URL == "" {
		items, err = h.svc.List(r.Context(), f.Limit, max(queryInt(r, "offset", 0), 0))
	} else {
		items, err = h.svc.Filter(r.Context(), f)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []catalog.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handlers) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "id must be an integer"})
		return
	}
	it, err := h.svc.Item(r.Context(), id)
	switch {
	case errors.Is(err, itemstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, it)
	}
}

func (h *handlers) deleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "id must be an integer"})
		return
	}
	err = h.svc.Delete(r.Context(), id)
	switch {
	case errors.Is(err, itemstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context(), queryInt(r, "runs", 5))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// requestContext copies chi's request id and the client address into
// the kit context keys read by endpoint middleware.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRequestID(ctx, middleware.GetReqID(ctx))
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.InfoContext(r.Context(), "api: request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", kit.GetRequestID(r.Context()),
				"remote", kit.GetRemoteAddr(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
