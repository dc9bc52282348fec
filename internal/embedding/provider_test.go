package embedding_test

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/findingdedup/internal/config"
	"github.com/kiranshivaraju/findingdedup/internal/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_OpenAICompatible(t *testing.T) {
	for _, name := range []string{"openai", "ollama", "vllm"} {
		t.Run(name, func(t *testing.T) {
			p, err := embedding.NewProvider(config.EmbeddingConfig{
				Provider: name,
				APIKey:   "sk-test",
				BaseURL:  "http://localhost:11434/v1",
				Model:    "nomic-embed-text",
			})
			require.NoError(t, err)
			assert.Equal(t, name, p.Name())
			assert.Equal(t, "nomic-embed-text", p.Model())
		})
	}
}

func TestNewProvider_Hashing(t *testing.T) {
	p, err := embedding.NewProvider(config.EmbeddingConfig{Provider: "hashing", Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, "hashing", p.Name())

	vecs, err := p.EmbedBatch(context.Background(), []string{"Rule: a\nDescription: b"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Len(t, vecs[0], 32)
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := embedding.NewProvider(config.EmbeddingConfig{Provider: "word2vec"})
	assert.ErrorContains(t, err, "unknown embedding provider")
}
