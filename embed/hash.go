package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// Hash is a deterministic offline embedder. Equal inputs map to equal
// unit vectors; nothing else about the space is meaningful. Texts are
// lower-cased and trimmed first, images hash their file bytes.
type Hash struct {
	dim      int
	maxBytes int64
}

// NewHash returns a Hash embedder of the given dimension.
func NewHash(dim int, maxImageBytes int64) *Hash {
	if maxImageBytes <= 0 {
		maxImageBytes = 15 << 20
	}
	return &Hash{dim: dim, maxBytes: maxImageBytes}
}

func (h *Hash) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector([]byte("text:" + strings.ToLower(strings.TrimSpace(t))))
	}
	return out, nil
}

func (h *Hash) EmbedImages(ctx context.Context, paths []string) ([][]float32, error) {
	out := make([][]float32, len(paths))
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := readImage(p, h.maxBytes)
		if err != nil {
			return nil, err
		}
		out[i] = h.vector(append([]byte("image:"), data...))
	}
	return out, nil
}

func (h *Hash) Dimension() int { return h.dim }
func (h *Hash) Model() string  { return "hash" }

func (h *Hash) vector(seed []byte) []float32 {
	vec := make([]float32, h.dim)
	sum := sha256.Sum256(seed)
	var ctr [8]byte
	for i := 0; i < h.dim; i += 8 {
		binary.LittleEndian.PutUint64(ctr[:], uint64(i))
		block := sha256.Sum256(append(sum[:], ctr[:]...))
		for j := 0; j < 8 && i+j < h.dim; j++ {
			u := binary.LittleEndian.Uint32(block[j*4:])
			vec[i+j] = float32(u)/math.MaxUint32*2 - 1
		}
	}
	Normalize(vec)
	return vec
}

// Normalize scales vec to unit length in place. Zero vectors are left alone.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// Cosine returns the cosine similarity of two vectors of equal length.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
