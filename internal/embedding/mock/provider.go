package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// MockProvider satisfies models.EmbeddingProvider for testing.
type MockProvider struct {
	Name_          string
	Model_         string
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)

	calls atomic.Int64
	texts atomic.Int64
}

func (m *MockProvider) Name() string  { return m.Name_ }
func (m *MockProvider) Model() string { return m.Model_ }

func (m *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	m.texts.Add(int64(len(texts)))
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// Calls returns how many EmbedBatch requests were made.
func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// Texts returns how many texts were requested in total.
func (m *MockProvider) Texts() int { return int(m.texts.Load()) }

// NewMockProvider returns a provider answering from vectors, keyed by the
// exact input text. Unknown texts get a fixed unit vector.
func NewMockProvider(vectors map[string][]float32) *MockProvider {
	return &MockProvider{
		Name_:  "mock",
		Model_: "mock-embed-v1",
		EmbedBatchFunc: func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i, t := range texts {
				if v, ok := vectors[t]; ok {
					out[i] = v
				} else {
					out[i] = []float32{1, 0, 0}
				}
			}
			return out, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_:  "mock-failing",
		Model_: "mock-embed-v1",
		EmbedBatchFunc: func(_ context.Context, _ []string) ([][]float32, error) {
			return nil, err
		},
	}
}

var _ models.EmbeddingProvider = (*MockProvider)(nil)
