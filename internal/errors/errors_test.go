package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVecError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	original := stderrors.New("connection reset")

	// When: wrapping it as a write error
	err := WriteError("bulk upsert failed", original)

	// Then: the chain still reaches the original
	assert.True(t, stderrors.Is(err, original))
	assert.Equal(t, "[ERR_505_INDEX_FAILED] bulk upsert failed: connection reset", err.Error())
}

func TestVecError_Is_MatchesByCode(t *testing.T) {
	a := New(ErrCodeIndexFailed, "a", nil)
	b := New(ErrCodeIndexFailed, "b", nil)
	c := New(ErrCodeConfigInvalid, "c", nil)

	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, c))
}

func TestVecError_CategoryAndSeverity(t *testing.T) {
	tests := []struct {
		code         string
		wantCategory Category
		wantSeverity Severity
		wantRetry    bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{ErrCodeBackendUnreachable, CategoryConfig, SeverityError, false},
		{ErrCodeCorruptIndex, CategoryIO, SeverityFatal, false},
		{ErrCodeLockHeld, CategoryIO, SeverityWarning, true},
		{ErrCodeNetworkTimeout, CategoryNetwork, SeverityWarning, true},
		{ErrCodeDimensionMismatch, CategoryValidation, SeverityError, false},
		{ErrCodeIndexFailed, CategoryInternal, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.wantCategory, err.Category)
			assert.Equal(t, tt.wantSeverity, err.Severity)
			assert.Equal(t, tt.wantRetry, err.Retryable)
		})
	}
}

func TestHelpers_SeeThroughWrapping(t *testing.T) {
	// Given: a network error wrapped by fmt.Errorf
	err := fmt.Errorf("redis apply: %w", NetworkError("dial tcp", nil))

	// Then: helpers find the VecError in the chain
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrCodeNetworkUnavailable, GetCode(err))
	assert.Equal(t, CategoryNetwork, GetCategory(err))
	assert.False(t, IsFatal(err))

	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.Empty(t, GetCode(nil))
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestWithDetailAndSuggestion(t *testing.T) {
	err := ConfigError("index missing", nil).
		WithDetail("index", "chunks").
		WithSuggestion("Create the index first")

	assert.Equal(t, "chunks", err.Details["index"])
	assert.Equal(t, "Create the index first", err.Suggestion)
}

func TestFormatForUser(t *testing.T) {
	assert.Empty(t, FormatForUser(nil))
	assert.Equal(t, "plain", FormatForUser(stderrors.New("plain")))

	err := UnreachableError("cannot reach elasticsearch", stderrors.New("dial tcp: refused"))
	out := FormatForUser(err)
	assert.True(t, strings.HasPrefix(out, "cannot reach elasticsearch: dial tcp: refused"))
	assert.Contains(t, out, "Suggestion:")
	assert.Contains(t, out, "[ERR_103_BACKEND_UNREACHABLE]")
}

func TestFormatJSON(t *testing.T) {
	data, err := FormatJSON(WriteError("upsert failed", stderrors.New("boom")))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ErrCodeIndexFailed, got["code"])
	assert.Equal(t, "boom", got["cause"])
	assert.Equal(t, false, got["retryable"])

	data, err = FormatJSON(stderrors.New("plain"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ErrCodeInternal)
}

func TestLogAttrs(t *testing.T) {
	assert.Nil(t, LogAttrs(nil))
	assert.Equal(t, []any{"error", "plain"}, LogAttrs(stderrors.New("plain")))

	attrs := LogAttrs(WriteError("x", nil).WithDetail("backend", "redis"))
	assert.Contains(t, attrs, "detail_backend")
	assert.Contains(t, attrs, ErrCodeIndexFailed)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function failing twice with a retryable error
	calls := 0
	fn := func() error {
		calls++
		if calls < 3 {
			return NetworkError("timeout", nil)
		}
		return nil
	}

	// When: retried
	err := Retry(context.Background(), fastRetry(), fn)

	// Then: it succeeds on the third attempt
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		return WriteError("bad document", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrCodeIndexFailed, GetCode(err))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		return NetworkError("down", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "failed after 3 retries")
	assert.True(t, IsRetryable(err))
}

func TestRetry_CustomPredicate(t *testing.T) {
	cfg := fastRetry()
	cfg.ShouldRetry = func(error) bool { return true }

	calls := 0
	_, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls == 2 {
			return 42, nil
		}
		return 0, stderrors.New("flaky")
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetry(), func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
