package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"quota", &QuotaError{Spent: 5, Ceiling: 5}, KindQuota},
		{"invalid document", &InvalidDocumentError{Reason: "corrupt"}, KindInvalid},
		{"invalid input", &InvalidInputError{Reason: "empty"}, KindInput},
		{"conflict", &ConflictError{DocumentID: "d1"}, KindConflict},
		{"stalled", &StalledJobError{RecordID: "r1", Age: time.Minute}, KindStalled},
		{"transient", NewTransientError(errors.New("503"), 503), KindTransient},
		{"unknown", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Kind(tc.err))
		})
	}
}

func TestKind_WrappedError(t *testing.T) {
	err := eris.Wrap(&QuotaError{Spent: 1, Ceiling: 1}, "stage: strategic")
	assert.Equal(t, KindQuota, Kind(err))
}

func TestIsTransient_ExplicitAndPatterns(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(errors.New("rate limited"), 429)))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(errors.New("dial: i/o timeout")))
	assert.False(t, IsTransient(errors.New("invalid credentials")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(&InvalidDocumentError{Reason: "bad mime"}))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0, // deterministic
	}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(5))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
	for i := 0; i < 50; i++ {
		d := cfg.Backoff(0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestDo_RetriesTransientOnly(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, JitterFraction: 0}

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return NewTransientError(errors.New("503"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return &InvalidDocumentError{Reason: "corrupt"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, JitterFraction: 0}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return NewTransientError(errors.New("502"), 502)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, JitterFraction: 0}

	calls := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("503"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Sleep(ctx, time.Second))
}
