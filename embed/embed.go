// CLAUDE:SUMMARY Multimodal embedding capability: OpenAI-compatible /v1/embeddings client for texts and images, deterministic hash fallback.
// Package embed turns product photos and free-text queries into vectors in
// one shared space, so a text query can rank images.
//
// Usage:
//
//	emb := embed.New(embed.Config{
//	    Endpoint: "http://localhost:8003",
//	    Model:    "ViT-B-32",
//	})
//	vecs, err := emb.EmbedImages(ctx, []string{"images/Maxi_Dress.jpg"})
package embed

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrUnreadableImage marks an image that could not be read from disk or
// exceeds MaxImageBytes. It concerns that one input only; every other
// error from an Embedder means the backend itself failed.
var ErrUnreadableImage = errors.New("embed: unreadable image")

// Embedder converts texts and images to vectors of the same space.
type Embedder interface {
	// EmbedTexts returns one vector per text, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedImages reads each local image and returns one vector per path.
	EmbedImages(ctx context.Context, paths []string) ([][]float32, error)

	// Dimension returns the vector dimension, 0 until known.
	Dimension() int

	// Model returns the model name.
	Model() string
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL of the embedding server. Empty selects the
	// deterministic hash embedder.
	Endpoint string `yaml:"endpoint"`

	// Model is sent with every request (e.g. "ViT-B-32").
	Model string `yaml:"model"`

	// Dimension is the expected vector size. 0 auto-detects on first call
	// for the HTTP client; the hash embedder defaults to 512.
	Dimension int `yaml:"dimension"`

	// BatchSize caps inputs per request. Default: 16.
	BatchSize int `yaml:"batch_size"`

	// Timeout per HTTP request. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxImageBytes caps image files sent to the server. Default: 15MB.
	MaxImageBytes int64 `yaml:"max_image_bytes"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 15 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New returns the HTTP client for a configured endpoint, or the hash
// embedder when Endpoint is empty.
func New(cfg Config) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 512
		}
		cfg.Logger.Warn("embed: no endpoint configured, using hash embedder", "dimension", dim)
		return NewHash(dim, cfg.MaxImageBytes)
	}
	return newOpenAIClient(cfg)
}
