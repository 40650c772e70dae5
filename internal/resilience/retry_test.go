package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRetryConfig_BackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Second,
		Multiplier:     10,
		JitterFraction: 0,
	}
	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(5))
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond},
		func(context.Context) error {
			calls++
			return errors.New("bad request")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryLogger_LogsAttempt(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	RetryLogger("pipeline", "entities")(2, errors.New("connection reset by peer"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "retrying operation", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "pipeline", fields["service"])
	assert.Equal(t, "entities", fields["operation"])
	assert.EqualValues(t, 2, fields["attempt"])
}
