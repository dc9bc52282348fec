package embedding_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/cache"
	"github.com/kiranshivaraju/findingdedup/internal/embedding"
	"github.com/kiranshivaraju/findingdedup/internal/embedding/mock"
	"github.com/kiranshivaraju/findingdedup/internal/retry"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
		Timeout:           time.Second,
	}
}

func finding(rule, path, msg string) *models.Finding {
	return &models.Finding{ID: uuid.New(), RuleID: rule, FilePath: path, Message: msg}
}

func TestText(t *testing.T) {
	tests := []struct {
		name string
		f    *models.Finding
		max  int
		want string
	}{
		{
			name: "no snippet",
			f:    &models.Finding{RuleID: "SQLI-01", FilePath: "src/app.py", Message: "tainted query"},
			max:  500,
			want: "Rule: SQLI-01\nFile type: py\nDescription: tainted query",
		},
		{
			name: "with snippet",
			f:    &models.Finding{RuleID: "SQLI-01", FilePath: "src/app.py", Message: "m", Snippet: "cur.execute(q)"},
			max:  500,
			want: "Rule: SQLI-01\nFile type: py\nDescription: m\nCode: cur.execute(q)",
		},
		{
			name: "no extension",
			f:    &models.Finding{RuleID: "R", FilePath: "Dockerfile", Message: "m"},
			max:  500,
			want: "Rule: R\nFile type: unknown\nDescription: m",
		},
		{
			name: "dot in directory only",
			f:    &models.Finding{RuleID: "R", FilePath: `conf.d\Makefile`, Message: "m"},
			max:  500,
			want: "Rule: R\nFile type: unknown\nDescription: m",
		},
		{
			name: "snippet truncated by runes",
			f:    &models.Finding{RuleID: "R", FilePath: "a.go", Message: "m", Snippet: "héllo wörld"},
			max:  4,
			want: "Rule: R\nFile type: go\nDescription: m\nCode: héll",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, embedding.Text(tt.f, tt.max))
		})
	}
}

func TestTextHash(t *testing.T) {
	h := embedding.TextHash("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
}

func TestEmbed_OrderAndCache(t *testing.T) {
	findings := []*models.Finding{
		finding("A", "a.go", "first"),
		finding("B", "b.go", "second"),
		finding("C", "c.go", "third"),
	}
	vectors := map[string][]float32{
		embedding.Text(findings[0], 500): {1, 0, 0},
		embedding.Text(findings[1], 500): {0, 1, 0},
		embedding.Text(findings[2], 500): {0, 0, 1},
	}
	provider := mock.NewMockProvider(vectors)
	c := cache.NewMemoryCache()
	a := embedding.NewAdapter(provider, c, embedding.Options{BatchSize: 2, SnippetMax: 500, CacheTTL: time.Hour, Retry: fastRetry(1)})

	res, err := a.Embed(context.Background(), findings)
	require.NoError(t, err)
	require.Len(t, res.Embeddings, 3)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, 2, res.Requests)
	for i, e := range res.Embeddings {
		require.NotNil(t, e)
		assert.Equal(t, findings[i].ID, e.FindingID)
		assert.Equal(t, "mock-embed-v1", e.Model)
		assert.Equal(t, embedding.TextHash(embedding.Text(findings[i], 500)), e.TextHash)
		assert.Equal(t, vectors[embedding.Text(findings[i], 500)], e.Vector)
	}

	res, err = a.Embed(context.Background(), findings)
	require.NoError(t, err)
	assert.Equal(t, 3, res.CacheHits)
	assert.Equal(t, 0, res.Requests)
	assert.Equal(t, 2, provider.Calls(), "cached vectors must not be requested again")
}

func TestEmbed_IdenticalTextsRequestedOnce(t *testing.T) {
	provider := mock.NewMockProvider(nil)
	a := embedding.NewAdapter(provider, nil, embedding.Options{Retry: fastRetry(1)})

	f1 := finding("A", "a.go", "same")
	f2 := finding("A", "b.go", "same")
	res, err := a.Embed(context.Background(), []*models.Finding{f1, f2})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.Texts())
	assert.Equal(t, f1.ID, res.Embeddings[0].FindingID)
	assert.Equal(t, f2.ID, res.Embeddings[1].FindingID)
}

func TestEmbed_ProviderFailureDegrades(t *testing.T) {
	provider := mock.NewFailingProvider(fmt.Errorf("%w: 503", models.ErrProviderUnavailable))
	a := embedding.NewAdapter(provider, nil, embedding.Options{BatchSize: 10, Retry: fastRetry(3)})

	findings := []*models.Finding{finding("A", "a.go", "x"), finding("B", "b.go", "y")}
	res, err := a.Embed(context.Background(), findings)
	require.NoError(t, err)
	assert.Equal(t, 3, provider.Calls(), "transient failures are retried up to the attempt limit")
	require.Len(t, res.Failures, 2)
	for i, f := range res.Failures {
		assert.Equal(t, findings[i].ID, f.FindingID)
		assert.ErrorIs(t, f.Err, embedding.ErrProviderUnavailable)
		assert.Nil(t, res.Embeddings[i])
	}
}

func TestEmbed_RejectedIsNotRetried(t *testing.T) {
	provider := mock.NewFailingProvider(fmt.Errorf("%w: 400 bad model", models.ErrProviderRejected))
	a := embedding.NewAdapter(provider, nil, embedding.Options{Retry: fastRetry(4)})

	res, err := a.Embed(context.Background(), []*models.Finding{finding("A", "a.go", "x")})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.Calls())
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, models.ErrProviderRejected)
}

func TestEmbed_OneFailedBatchLeavesOthers(t *testing.T) {
	findings := []*models.Finding{finding("A", "a.go", "ok"), finding("B", "b.go", "boom")}
	provider := &mock.MockProvider{
		Name_:  "mock",
		Model_: "m",
		EmbedBatchFunc: func(_ context.Context, texts []string) ([][]float32, error) {
			if strings.Contains(texts[0], "boom") {
				return nil, errors.New("503 service unavailable")
			}
			return [][]float32{{1, 1}}, nil
		},
	}
	a := embedding.NewAdapter(provider, nil, embedding.Options{BatchSize: 1, Concurrency: 2, Retry: fastRetry(2)})

	res, err := a.Embed(context.Background(), findings)
	require.NoError(t, err)
	require.NotNil(t, res.Embeddings[0])
	assert.Nil(t, res.Embeddings[1])
	require.Len(t, res.Failures, 1)
	assert.Equal(t, findings[1].ID, res.Failures[0].FindingID)
	assert.ErrorIs(t, res.Failures[0].Err, embedding.ErrProviderUnavailable)
}

func TestEmbed_InvalidVectors(t *testing.T) {
	findings := []*models.Finding{
		finding("A", "a.go", "good"),
		finding("B", "b.go", "nan"),
		finding("C", "c.go", "short"),
		finding("D", "d.go", "zero"),
	}
	vectors := map[string][]float32{
		embedding.Text(findings[0], 0): {1, 0, 0},
		embedding.Text(findings[1], 0): {float32(math.NaN()), 0, 0},
		embedding.Text(findings[2], 0): {1, 0},
		embedding.Text(findings[3], 0): {0, 0, 0},
	}
	a := embedding.NewAdapter(mock.NewMockProvider(vectors), nil, embedding.Options{Retry: fastRetry(1)})

	res, err := a.Embed(context.Background(), findings)
	require.NoError(t, err)
	assert.NotNil(t, res.Embeddings[0])
	require.Len(t, res.Failures, 3)
	for _, f := range res.Failures {
		assert.ErrorIs(t, f.Err, models.ErrInvalidResponse)
	}
}

func TestEmbed_WrongVectorCount(t *testing.T) {
	provider := &mock.MockProvider{
		Name_:  "mock",
		Model_: "m",
		EmbedBatchFunc: func(_ context.Context, _ []string) ([][]float32, error) {
			return [][]float32{{1}}, nil
		},
	}
	a := embedding.NewAdapter(provider, nil, embedding.Options{Retry: fastRetry(3)})

	res, err := a.Embed(context.Background(), []*models.Finding{finding("A", "a", "x"), finding("B", "b", "y")})
	require.NoError(t, err)
	assert.Len(t, res.Failures, 2)
	assert.Equal(t, 1, provider.Calls())
}

func TestEmbed_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := embedding.NewAdapter(mock.NewMockProvider(nil), nil, embedding.Options{Retry: fastRetry(1)})

	_, err := a.Embed(ctx, []*models.Finding{finding("A", "a.go", "x")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbed_Empty(t *testing.T) {
	provider := mock.NewMockProvider(nil)
	res, err := embedding.NewAdapter(provider, nil, embedding.Options{}).Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Embeddings)
	assert.Equal(t, 0, provider.Calls())
}
