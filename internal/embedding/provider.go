package embedding

import (
	"fmt"

	"github.com/kiranshivaraju/findingdedup/internal/config"
	"github.com/kiranshivaraju/findingdedup/internal/embedding/hashing"
	"github.com/kiranshivaraju/findingdedup/internal/embedding/openai"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// NewProvider constructs the embedding provider named in cfg.
// Ollama and vLLM are served through their OpenAI-compatible endpoints.
func NewProvider(cfg config.EmbeddingConfig) (models.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "openai", "ollama", "vllm":
		return openai.NewProvider(openai.Config{
			Name:       cfg.Provider,
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		}), nil
	case "hashing":
		return hashing.NewProvider(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q: must be one of openai, ollama, vllm, hashing", cfg.Provider)
	}
}
