// Package retry runs external calls with a per-attempt timeout and
// exponential backoff between transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"syscall"
	"time"

	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config controls one retried operation.
type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           30 * time.Second,
	}
}

// Do calls fn until it succeeds, returns a non-retriable error, or the
// attempts run out. Each attempt gets its own timeout derived from ctx.
func Do(ctx context.Context, operation string, cfg Config, fn func(context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}

	var lastErr error
	backoff := cfg.InitialBackoff
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 1 {
				slog.Info("external call succeeded after retry", "operation", operation, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		}
		if !Retriable(err) {
			return fmt.Errorf("%s: %w", operation, err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("external call failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: cancelled during backoff: %w", operation, ctx.Err())
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

// transientText matches transport failures reported only as text. Status
// codes must stand alone so "1500 tokens" is not read as a 500.
var transientText = regexp.MustCompile(`(?i)\b(429|500|502|503|504)\b|rate limit|connection (refused|reset)|\btimed? ?out\b|temporary failure|unexpected eof`)

// Retriable reports whether err is transient. Provider sentinels decide
// first, then typed network and gRPC errors. Text matching is the last
// resort for errors that arrive without a type.
func Retriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, models.ErrProviderRejected), errors.Is(err, models.ErrInvalidResponse):
		return false
	case errors.Is(err, models.ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var grpcErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &grpcErr) {
		switch grpcErr.GRPCStatus().Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		case codes.Unknown:
		default:
			return false
		}
	}

	return transientText.MatchString(err.Error())
}
