// Package openai confirms duplicate candidates through the OpenAI chat
// completions API or an OpenAI-compatible endpoint (Ollama, vLLM).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/findingdedup/internal/confirm/prompt"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	// JSONMode asks the server for a JSON object response. Not every
	// compatible server supports it.
	JSONMode bool
}

// Provider implements models.Reasoner using a chat completions endpoint.
type Provider struct {
	client   *openai.Client
	name     string
	model    string
	jsonMode bool
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
		client:   openai.NewClientWithConfig(clientCfg),
		name:     name,
		model:    cfg.Model,
		jsonMode: cfg.JSONMode,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Confirm(ctx context.Context, req models.ConfirmRequest) (models.ConfirmResult, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0,
		MaxTokens:   512,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.Build(req)},
		},
	}
	if p.jsonMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return models.ConfirmResult{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return models.ConfirmResult{}, fmt.Errorf("%w: no choices", models.ErrInvalidResponse)
	}
	return prompt.Parse(resp.Choices[0].Message.Content, p.model)
}

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

var _ models.Reasoner = (*Provider)(nil)
