package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertInvariant(t *testing.T) {
	assert.NotPanics(t, func() { AssertInvariant(true, "fine") })
	assert.PanicsWithValue(t, "invariant violated - broken", func() { AssertInvariant(false, "broken") })
}

func TestSleepContext(t *testing.T) {
	t.Run("sleeps for the duration", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, SleepContext(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("returns early when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := SleepContext(ctx, time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("zero duration reports context state", func(t *testing.T) {
		assert.NoError(t, SleepContext(context.Background(), 0))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, SleepContext(ctx, 0), context.Canceled)
	})
}

func TestNewLogger(t *testing.T) {
	for _, environment := range []string{"", "dev", "prod"} {
		logger, err := NewLogger(environment)
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}
}
