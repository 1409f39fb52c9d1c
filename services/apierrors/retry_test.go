package apierrors

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbackend/clients"
	"ledgerbackend/models"
)

type recordingObserver struct {
	mu      sync.Mutex
	headers []http.Header
}

func (o *recordingObserver) Observe(_ context.Context, _ string, header http.Header) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.headers = append(o.headers, header)
}

type recordingRecorder struct {
	updates []models.ConnectionErrorUpdate
}

func (r *recordingRecorder) UpdateConnectionError(_ context.Context, _ string, update models.ConnectionErrorUpdate) error {
	r.updates = append(r.updates, update)
	return nil
}

func newTestPolicy(observer HeaderObserver, recorder ErrorRecorder) (*RetryPolicy, *[]time.Duration) {
	var sleeps []time.Duration
	policy := NewRetryPolicy(DefaultRetryConfig(), observer, recorder).
		WithSleep(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		})
	return policy, &sleeps
}

func rateLimited(retryAfter string) *clients.APIError {
	header := http.Header{}
	header.Set("X-MinLimit-Remaining", "0")
	if retryAfter != "" {
		header.Set("Retry-After", retryAfter)
	}
	return &clients.APIError{StatusCode: http.StatusTooManyRequests, Header: header}
}

func TestRetryPolicy_Execute(t *testing.T) {
	t.Run("retries 429 three times then surfaces rate limit", func(t *testing.T) {
		observer := &recordingObserver{}
		recorder := &recordingRecorder{}
		policy, sleeps := newTestPolicy(observer, recorder)

		calls := 0
		_, err := policy.Execute(context.Background(), "ac_1", func(ctx context.Context) (*clients.Response, error) {
			calls++
			return nil, rateLimited("")
		})

		require.Error(t, err)
		parsed, ok := AsParsedError(err)
		require.True(t, ok)
		assert.Equal(t, models.ErrorKindRateLimit, parsed.Kind)
		assert.NotEmpty(t, parsed.UserMessage())
		assert.Contains(t, parsed.UserMessage(), "per-minute")
		assert.Equal(t, 4, calls)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *sleeps)
		assert.Len(t, observer.headers, 4)
		require.Len(t, recorder.updates, 1)
		assert.Equal(t, models.ErrorKindRateLimit, recorder.updates[0].Kind)
	})

	t.Run("honours retry-after and succeeds", func(t *testing.T) {
		policy, sleeps := newTestPolicy(nil, nil)

		calls := 0
		response, err := policy.Execute(context.Background(), "ac_1", func(ctx context.Context) (*clients.Response, error) {
			calls++
			if calls == 1 {
				return nil, rateLimited("7")
			}
			return &clients.Response{StatusCode: http.StatusOK}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, response.StatusCode)
		assert.Equal(t, 2, calls)
		assert.Equal(t, []time.Duration{7 * time.Second}, *sleeps)
	})

	t.Run("does not retry non-429 failures", func(t *testing.T) {
		recorder := &recordingRecorder{}
		policy, sleeps := newTestPolicy(nil, recorder)

		calls := 0
		_, err := policy.Execute(context.Background(), "ac_1", func(ctx context.Context) (*clients.Response, error) {
			calls++
			return nil, &clients.APIError{StatusCode: http.StatusUnauthorized, Body: []byte(`{"Title":"Unauthorized"}`)}
		})

		parsed, ok := AsParsedError(err)
		require.True(t, ok)
		assert.Equal(t, models.ErrorKindAuthorization, parsed.Kind)
		assert.True(t, parsed.RequiresReconnect())
		assert.Equal(t, 1, calls)
		assert.Empty(t, *sleeps)
		require.Len(t, recorder.updates, 1)
		assert.Equal(t, models.ErrorKindAuthorization, recorder.updates[0].Kind)
	})

	t.Run("honours retry-after above max backoff delay", func(t *testing.T) {
		policy, sleeps := newTestPolicy(nil, nil)

		calls := 0
		response, err := policy.Execute(context.Background(), "ac_1", func(ctx context.Context) (*clients.Response, error) {
			calls++
			if calls == 1 {
				return nil, rateLimited("120")
			}
			return &clients.Response{StatusCode: http.StatusOK}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, response.StatusCode)
		assert.Equal(t, 2, calls)
		assert.Equal(t, []time.Duration{2 * time.Minute}, *sleeps)
	})

	t.Run("gives up when retry-after exceeds max retry-after", func(t *testing.T) {
		policy, sleeps := newTestPolicy(nil, nil)

		calls := 0
		_, err := policy.Execute(context.Background(), "ac_1", func(ctx context.Context) (*clients.Response, error) {
			calls++
			return nil, rateLimited("3600")
		})

		parsed, ok := AsParsedError(err)
		require.True(t, ok)
		assert.Equal(t, models.ErrorKindRateLimit, parsed.Kind)
		assert.Equal(t, time.Hour, parsed.RetryAfter)
		assert.Contains(t, parsed.UserMessage(), "1 hour")
		assert.Equal(t, 1, calls)
		assert.Empty(t, *sleeps)
	})

	t.Run("stops when context is cancelled during backoff", func(t *testing.T) {
		policy := NewRetryPolicy(DefaultRetryConfig(), nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := policy.Execute(ctx, "ac_1", func(ctx context.Context) (*clients.Response, error) {
			return nil, rateLimited("")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, nil, nil)

	assert.Equal(t, time.Second, policy.backoff(0, 0))
	assert.Equal(t, 2*time.Second, policy.backoff(1, 0))
	assert.Equal(t, 4*time.Second, policy.backoff(2, 0))
	assert.Equal(t, 5*time.Second, policy.backoff(3, 0))
	assert.Equal(t, 3*time.Second, policy.backoff(3, 3*time.Second))
}
