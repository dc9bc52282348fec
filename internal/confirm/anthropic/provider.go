// Package anthropic confirms duplicate candidates with Claude through the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kiranshivaraju/findingdedup/internal/confirm/prompt"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

const maxTokens = 512

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Provider implements models.Reasoner using Anthropic.
type Provider struct {
	client *anthropic.Client
	model  string
}

func NewProvider(cfg Config) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are owned by the confirmation service.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &Provider{client: &client, model: cfg.Model}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Confirm(ctx context.Context, req models.ConfirmRequest) (models.ConfirmResult, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: prompt.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.Build(req))),
		},
	})
	if err != nil {
		return models.ConfirmResult{}, classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return prompt.Parse(text.String(), p.model)
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: %w", models.ErrProviderUnavailable, err)
	case apiErr.StatusCode >= 400:
		return fmt.Errorf("%w: %w", models.ErrProviderRejected, err)
	default:
		return err
	}
}

var _ models.Reasoner = (*Provider)(nil)
