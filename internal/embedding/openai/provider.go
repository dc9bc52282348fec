// Package openai embeds texts through the OpenAI embeddings API or any
// OpenAI-compatible endpoint (Ollama, vLLM) selected by base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// Config selects the endpoint and model.
type Config struct {
	Name       string
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// Provider implements models.EmbeddingProvider.
type Provider struct {
	client *openai.Client
	name   string
	model  string
	dims   int
}

func NewProvider(cfg Config) *Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientCfg),
		name:   name,
		model:  cfg.Model,
		dims:   cfg.Dimensions,
	}
}

func (p *Provider) Name() string  { return p.name }
func (p *Provider) Model() string { return p.model }

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	}
	if p.dims > 0 {
		req.Dimensions = p.dims
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: %d embeddings for %d inputs", models.ErrInvalidResponse, len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		if d.Index != i {
			return nil, fmt.Errorf("%w: missing embedding index %d", models.ErrInvalidResponse, i)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// classify maps HTTP failures onto the provider sentinels: throttling and
// server errors are transient, other client errors are not.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %w", models.ErrProviderUnavailable, err)
	case status >= 400:
		return fmt.Errorf("%w: %w", models.ErrProviderRejected, err)
	default:
		return err
	}
}

var _ models.EmbeddingProvider = (*Provider)(nil)
