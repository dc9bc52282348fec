package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2, Timeout: time.Second}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", fastConfig(4), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("upstream: %w", models.ErrProviderUnavailable)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", fastConfig(3), func(context.Context) error {
		calls++
		return models.ErrProviderUnavailable
	})
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetriable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", fastConfig(5), func(context.Context) error {
		calls++
		return fmt.Errorf("401: %w", models.ErrProviderRejected)
	})
	assert.ErrorIs(t, err, models.ErrProviderRejected)
	assert.Equal(t, 1, calls)
}

func TestDo_PerAttemptTimeout(t *testing.T) {
	cfg := fastConfig(2)
	cfg.Timeout = 5 * time.Millisecond
	calls := 0
	err := Do(context.Background(), "op", cfg, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestDo_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, "op", fastConfig(5), func(context.Context) error {
		calls++
		cancel()
		return models.ErrProviderUnavailable
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{models.ErrProviderUnavailable, true},
		{models.ErrProviderRejected, false},
		{models.ErrInvalidResponse, false},
		{context.DeadlineExceeded, true},
		{errors.New("status 429: rate limit"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("status 400: bad request"), false},
		{errors.New("something odd"), false},
		{errors.New("status 503: service unavailable"), true},
		{errors.New("request timed out"), true},
		{errors.New("prompt is 1500 tokens over the limit"), false},
		{errors.New("field geoffrey is invalid"), false},
		{errors.New("timeouts_allowed must be set"), false},
		{context.Canceled, false},
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), true},
		{&net.DNSError{Err: "i/o timeout", IsTimeout: true}, true},
		{&net.DNSError{Err: "no such host", IsNotFound: true}, false},
		{status.Error(codes.Unavailable, "qdrant restarting"), true},
		{status.Error(codes.ResourceExhausted, "too many requests"), true},
		{status.Error(codes.InvalidArgument, "vector size 500 does not match"), false},
		{status.Error(codes.NotFound, "collection missing"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Retriable(tt.err), "%v", tt.err)
	}
}
