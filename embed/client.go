package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hazyhaar/vitrine/horosafe"
)

// openaiClient speaks the OpenAI /v1/embeddings format. Images are sent
// as data URIs with "modality": "image", the convention CLIP-serving
// backends (infinity, clip-as-service gateways) accept.
type openaiClient struct {
	endpoint string
	client   *http.Client
	cfg      Config

	mu  sync.Mutex
	dim int
}

func newOpenAIClient(cfg Config) *openaiClient {
	return &openaiClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		dim:      cfg.Dimension,
	}
}

type embedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Modality string   `json:"modality,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (c *openaiClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return c.batched(ctx, texts, "text")
}

func (c *openaiClient) EmbedImages(ctx context.Context, paths []string) ([][]float32, error) {
	inputs := make([]string, len(paths))
	for i, p := range paths {
		uri, err := dataURI(p, c.cfg.MaxImageBytes)
		if err != nil {
			return nil, err
		}
		inputs[i] = uri
	}
	return c.batched(ctx, inputs, "image")
}

func (c *openaiClient) batched(ctx context.Context, inputs []string, modality string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(inputs))
	for start := 0; start < len(inputs); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(inputs))
		vecs, err := c.call(ctx, inputs[start:end], modality)
		if err != nil {
			return nil, fmt.Errorf("embed: %s batch [%d:%d]: %w", modality, start, end, err)
		}
		copy(out[start:end], vecs)
	}
	return out, nil
}

func (c *openaiClient) call(ctx context.Context, inputs []string, modality string) ([][]float32, error) {
	req := embedRequest{Model: c.cfg.Model, Input: inputs}
	if modality == "image" {
		req.Modality = modality
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.endpoint + "/v1/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, msg)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vecs := make([][]float32, len(inputs))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}

	c.mu.Lock()
	if c.dim == 0 {
		c.dim = len(vecs[0])
		c.cfg.Logger.Info("embed: detected dimension", "dimension", c.dim, "model", result.Model)
	}
	dim := c.dim
	c.mu.Unlock()
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), dim)
		}
	}
	return vecs, nil
}

func (c *openaiClient) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

func (c *openaiClient) Model() string { return c.cfg.Model }

var mimeByExt = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png",
	".webp": "image/webp", ".gif": "image/gif",
}

func readImage(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableImage, err)
	}
	defer f.Close()
	data, err := horosafe.LimitedReadAll(f, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreadableImage, path, err)
	}
	return data, nil
}

func dataURI(path string, maxBytes int64) (string, error) {
	data, err := readImage(path, maxBytes)
	if err != nil {
		return "", err
	}
	mt := mimeByExt[strings.ToLower(filepath.Ext(path))]
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
