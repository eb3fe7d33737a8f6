package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	e := New(CodeBadInput, "empty query", nil)
	assert.Equal(t, CategoryValidation, e.Category)
	assert.Equal(t, SeverityError, e.Severity)
	assert.False(t, e.Retryable)

	e = New(CodeEmbeddingUnavailable, "down", nil)
	assert.Equal(t, CategoryUpstream, e.Category)
	assert.Equal(t, SeverityFatal, e.Severity)
	assert.True(t, e.Retryable)

	e = New(CodeTransient, "cache miss", nil)
	assert.Equal(t, SeverityWarning, e.Severity)
}

func TestError_IsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", Duplicate("abc123"))
	assert.True(t, errors.Is(wrapped, New(CodeDuplicateSource, "", nil)))
	assert.False(t, errors.Is(wrapped, New(CodeBadInput, "", nil)))
}

func TestError_UnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := EmbeddingUnavailable(cause)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, CodeEmbeddingUnavailable, GetCode(e))
}

func TestWithDetail(t *testing.T) {
	e := BadVector("non-finite component").WithDetail("index", "42")
	assert.Equal(t, "42", e.Details["index"])
}

func TestIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, IsCancelled(ctx.Err()))
	assert.True(t, IsCancelled(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsCancelled(BadInput("nope")))
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	err := p.Retry(context.Background(), func() error {
		calls++
		return BadInput("bad")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesRetryableThenSucceeds(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	err := p.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	err := p.Retry(context.Background(), func() error {
		calls++
		return errors.New("raw transport error")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestRetry_HonorsCancellation(t *testing.T) {
	p := DefaultRetryPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Retry(ctx, func() error { return errors.New("never reached cleanly") })
	assert.True(t, IsCancelled(err))
}
