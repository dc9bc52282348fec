package hashing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestEmbedBatch(t *testing.T) {
	p := NewProvider(0)
	vecs, err := p.EmbedBatch(context.Background(), []string{
		"Rule: SQLI-01\nDescription: user input flows into SQL query",
		"Rule: SQLI-01\nDescription: user input flows into a SQL query string",
		"Rule: XSS-02\nDescription: reflected output without escaping",
		"",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 4)

	for _, v := range vecs {
		assert.Len(t, v, DefaultDimensions)
		assert.InDelta(t, 1.0, math.Sqrt(cosine(v, v)), 1e-5)
	}
	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))

	again, err := p.EmbedBatch(context.Background(), []string{"Rule: SQLI-01\nDescription: user input flows into SQL query"})
	require.NoError(t, err)
	assert.Equal(t, vecs[0], again[0])
}

func TestEmbedBatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewProvider(8).EmbedBatch(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}
