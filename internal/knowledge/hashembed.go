package knowledge

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultHashDims is the vector width of HashEmbedder when none is given.
const DefaultHashDims = 512

// HashEmbedder is a local feature-hashing embedder. Each lower-cased word
// and adjacent word pair is hashed into a signed bucket; the vector is
// L2-normalised so Cosine behaves like a weighted overlap score.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder returns a HashEmbedder with dims buckets.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashEmbedder{Dims: dims}
}

// Embed never fails.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = DefaultHashDims
	}
	vec := make([]float64, dims)

	toks := tokenize(text)
	add := func(feature string, weight float64) {
		sum := xxhash.Sum64String(feature)
		idx := sum % uint64(dims)
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, t := range toks {
		add(t, 1)
		if i > 0 {
			add(toks[i-1]+" "+t, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
