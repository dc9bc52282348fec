// Package hashing is a deterministic, network-free embedder used for
// offline dry runs and tests. Tokens are hashed into a fixed number of
// buckets and the result is L2-normalized, so texts sharing most of their
// words land close together.
package hashing

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

const DefaultDimensions = 256

type Provider struct {
	dims int
}

func NewProvider(dims int) *Provider {
	if dims < 1 {
		dims = DefaultDimensions
	}
	return &Provider{dims: dims}
}

func (p *Provider) Name() string  { return "hashing" }
func (p *Provider) Model() string { return "hashing-v1" }

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embed(text)
	}
	return out, nil
}

func (p *Provider) embed(text string) []float32 {
	vec := make([]float32, p.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[sum%uint64(p.dims)] += sign
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Keep empty texts embeddable.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

var _ models.EmbeddingProvider = (*Provider)(nil)
