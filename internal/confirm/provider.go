package confirm

import (
	"fmt"

	"github.com/kiranshivaraju/findingdedup/internal/config"
	"github.com/kiranshivaraju/findingdedup/internal/confirm/anthropic"
	"github.com/kiranshivaraju/findingdedup/internal/confirm/openai"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// NewReasoner constructs the reasoning provider named in cfg. Provider
// "none" returns a nil Reasoner, which disables confirmation.
func NewReasoner(cfg config.ConfirmConfig) (models.Reasoner, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "anthropic":
		return anthropic.NewProvider(anthropic.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
	case "openai":
		return openai.NewProvider(openai.Config{Name: "openai", APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, JSONMode: true}), nil
	case "ollama", "vllm":
		return openai.NewProvider(openai.Config{Name: cfg.Provider, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
	default:
		return nil, fmt.Errorf("unknown confirm provider %q: must be one of anthropic, openai, ollama, vllm, none", cfg.Provider)
	}
}
