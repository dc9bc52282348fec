package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// MockProvider satisfies models.Reasoner for testing.
type MockProvider struct {
	Name_       string
	ConfirmFunc func(ctx context.Context, req models.ConfirmRequest) (models.ConfirmResult, error)

	mu    sync.Mutex
	calls []models.ConfirmRequest
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Confirm(ctx context.Context, req models.ConfirmRequest) (models.ConfirmResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, req)
	}
	return models.ConfirmResult{Verdict: models.VerdictConfirmedDuplicate, Confidence: 0.9, Model: "mock-v1"}, nil
}

// Calls returns the requests received so far.
func (m *MockProvider) Calls() []models.ConfirmRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ConfirmRequest(nil), m.calls...)
}

// NewMockProvider returns a MockProvider that confirms every candidate.
func NewMockProvider() *MockProvider {
	return &MockProvider{Name_: "mock"}
}

// NewVerdictProvider answers with the verdict configured for the candidate's
// finding ID and confirms everything else.
func NewVerdictProvider(verdicts map[uuid.UUID]models.Verdict) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		ConfirmFunc: func(_ context.Context, req models.ConfirmRequest) (models.ConfirmResult, error) {
			v, ok := verdicts[req.Candidate.ID]
			if !ok {
				v = models.VerdictConfirmedDuplicate
			}
			return models.ConfirmResult{Verdict: v, Confidence: 0.8, Model: "mock-v1"}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		ConfirmFunc: func(_ context.Context, _ models.ConfirmRequest) (models.ConfirmResult, error) {
			return models.ConfirmResult{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until ctx is done.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		ConfirmFunc: func(ctx context.Context, _ models.ConfirmRequest) (models.ConfirmResult, error) {
			<-ctx.Done()
			return models.ConfirmResult{}, ctx.Err()
		},
	}
}

var _ models.Reasoner = (*MockProvider)(nil)
