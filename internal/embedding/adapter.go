// Package embedding turns findings into vectors through an external
// provider with batching, bounded concurrency, a request-rate ceiling,
// retries, and a vector cache keyed by the embedding text.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/retry"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrProviderUnavailable is the provider failure a finding is reported with
// once its retries are exhausted.
var ErrProviderUnavailable = models.ErrProviderUnavailable

// VectorCache stores vectors by model and text hash.
type VectorCache interface {
	GetEmbedding(ctx context.Context, model, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, textHash string, vector []float32, ttl time.Duration) error
}

// Options tune an Adapter. Zero values fall back to defaults.
type Options struct {
	BatchSize   int
	Concurrency int
	RatePerSec  float64
	SnippetMax  int
	CacheTTL    time.Duration
	Retry       retry.Config
}

// Adapter embeds findings through a provider.
type Adapter struct {
	provider models.EmbeddingProvider
	cache    VectorCache
	limiter  *rate.Limiter
	opts     Options
	now      func() time.Time
}

// NewAdapter creates an Adapter. cache may be nil.
func NewAdapter(provider models.EmbeddingProvider, cache VectorCache, opts Options) *Adapter {
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.DefaultConfig()
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &Adapter{
		provider: provider,
		cache:    cache,
		limiter:  rate.NewLimiter(limit, opts.Concurrency),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Model returns the provider's model identifier.
func (a *Adapter) Model() string { return a.provider.Model() }

// TextHash returns the hash of the text f would be embedded from. A stored
// embedding with a different hash is stale.
func (a *Adapter) TextHash(f *models.Finding) string {
	return TextHash(Text(f, a.opts.SnippetMax))
}

// Failure records a finding that could not be embedded.
type Failure struct {
	FindingID uuid.UUID
	Err       error
}

// Result is aligned with the input: Embeddings[i] belongs to findings[i]
// and is nil when that finding failed.
type Result struct {
	Embeddings []*models.Embedding
	Failures   []Failure
	CacheHits  int
	Requests   int
}

// Embed returns one embedding per finding, in input order. Provider failures
// never fail the call; they are reported per finding. Only cancellation of
// ctx is returned as an error.
func (a *Adapter) Embed(ctx context.Context, findings []*models.Finding) (*Result, error) {
	n := len(findings)
	res := &Result{Embeddings: make([]*models.Embedding, n)}
	if n == 0 {
		return res, nil
	}
	model := a.provider.Model()

	texts := make([]string, n)
	hashes := make([]string, n)
	vectors := make([][]float32, n)
	errs := make([]error, n)
	for i, f := range findings {
		texts[i] = Text(f, a.opts.SnippetMax)
		hashes[i] = TextHash(texts[i])
	}

	// Identical texts are requested once.
	pending := make(map[string][]int)
	var order []string
	for i := range findings {
		if a.cache != nil {
			vec, found, err := a.cache.GetEmbedding(ctx, model, hashes[i])
			if err != nil {
				slog.Warn("embedding cache read failed", "finding_id", findings[i].ID, "error", err)
			}
			if found && len(vec) > 0 {
				vectors[i] = vec
				res.CacheHits++
				continue
			}
		}
		if _, ok := pending[hashes[i]]; !ok {
			order = append(order, hashes[i])
		}
		pending[hashes[i]] = append(pending[hashes[i]], i)
	}

	var batches [][]string
	for start := 0; start < len(order); start += a.opts.BatchSize {
		end := min(start+a.opts.BatchSize, len(order))
		batches = append(batches, order[start:end])
	}
	res.Requests = len(batches)

	batchVecs := make([][][]float32, len(batches))
	batchErrs := make([]error, len(batches))

	g := new(errgroup.Group)
	g.SetLimit(a.opts.Concurrency)
	for bi, batch := range batches {
		g.Go(func() error {
			input := make([]string, len(batch))
			for k, h := range batch {
				input[k] = texts[pending[h][0]]
			}
			batchVecs[bi], batchErrs[bi] = a.embedBatch(ctx, input)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}

	for bi, batch := range batches {
		for k, h := range batch {
			for _, i := range pending[h] {
				if batchErrs[bi] != nil {
					errs[i] = batchErrs[bi]
					continue
				}
				vectors[i] = batchVecs[bi][k]
			}
		}
	}

	// Every vector in a run must share one dimension; the first valid one
	// in input order sets it.
	dim := 0
	for i := range findings {
		if errs[i] != nil {
			continue
		}
		if err := validVector(vectors[i]); err != nil {
			errs[i] = err
			continue
		}
		if dim == 0 {
			dim = len(vectors[i])
		} else if len(vectors[i]) != dim {
			errs[i] = fmt.Errorf("%w: dimension %d, expected %d", models.ErrInvalidResponse, len(vectors[i]), dim)
		}
	}

	now := a.now()
	fresh := make(map[string]bool, len(order))
	for _, h := range order {
		fresh[h] = true
	}
	for i, f := range findings {
		if errs[i] != nil {
			res.Failures = append(res.Failures, Failure{FindingID: f.ID, Err: errs[i]})
			continue
		}
		res.Embeddings[i] = &models.Embedding{
			FindingID: f.ID,
			Model:     model,
			TextHash:  hashes[i],
			Vector:    vectors[i],
			CreatedAt: now,
		}
		if a.cache != nil && fresh[hashes[i]] {
			fresh[hashes[i]] = false
			if err := a.cache.SetEmbedding(ctx, model, hashes[i], vectors[i], a.opts.CacheTTL); err != nil {
				slog.Warn("embedding cache write failed", "finding_id", f.ID, "error", err)
			}
		}
	}

	if len(res.Failures) > 0 {
		slog.Warn("findings excluded from clustering: embedding unavailable",
			"failed", len(res.Failures),
			"total", n,
			"provider", a.provider.Name(),
			"error", res.Failures[0].Err,
		)
	}
	return res, nil
}

func (a *Adapter) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := retry.Do(ctx, "embed batch", a.opts.Retry, func(attemptCtx context.Context) error {
		if err := a.limiter.Wait(attemptCtx); err != nil {
			return err
		}
		vecs, err := a.provider.EmbedBatch(attemptCtx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("%w: got %d vectors for %d texts", models.ErrInvalidResponse, len(vecs), len(texts))
		}
		out = vecs
		return nil
	})
	if err != nil && !errors.Is(err, models.ErrProviderUnavailable) && !errors.Is(err, models.ErrInvalidResponse) && !errors.Is(err, models.ErrProviderRejected) {
		err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return out, err
}

func validVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", models.ErrInvalidResponse)
	}
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", models.ErrInvalidResponse)
		}
		sum += f * f
	}
	if sum == 0 {
		return fmt.Errorf("%w: zero vector", models.ErrInvalidResponse)
	}
	return nil
}
