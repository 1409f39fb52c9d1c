package apierrors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ledgerbackend/clients"
	"ledgerbackend/metrics"
	"ledgerbackend/models"
	"ledgerbackend/utils"
)

// HeaderObserver records rate-limit headers seen on a response
type HeaderObserver interface {
	Observe(ctx context.Context, connectionID string, header http.Header)
}

// ErrorRecorder persists the last classified failure onto a connection
type ErrorRecorder interface {
	UpdateConnectionError(ctx context.Context, id string, update models.ConnectionErrorUpdate) error
}

// RetryConfig configures the 429 retry loop. MaxDelay caps computed backoff;
// a server Retry-After is honoured up to MaxRetryAfter.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetryAfter time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		MaxRetryAfter: 5 * time.Minute,
	}
}

// Operation is a single remote call made under the retry policy
type Operation func(ctx context.Context) (*clients.Response, error)

// RetryPolicy retries rate-limited calls and classifies everything else once
type RetryPolicy struct {
	config   RetryConfig
	observer HeaderObserver
	recorder ErrorRecorder
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewRetryPolicy(config RetryConfig, observer HeaderObserver, recorder ErrorRecorder) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxRetryAfter <= 0 {
		config.MaxRetryAfter = defaults.MaxRetryAfter
	}

	return &RetryPolicy{
		config:   config,
		observer: observer,
		recorder: recorder,
		sleep:    utils.SleepContext,
	}
}

// WithSleep replaces the wait between attempts; used by tests
func (p *RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *RetryPolicy {
	p.sleep = sleep
	return p
}

// Execute runs op, retrying up to MaxRetries times while the remote service
// answers 429. Any other failure is classified, recorded on the connection
// and returned without retrying. Returned errors are always *ParsedError.
func (p *RetryPolicy) Execute(ctx context.Context, connectionID string, op Operation) (*clients.Response, error) {
	for attempt := 0; ; attempt++ {
		response, err := op(ctx)
		if err == nil {
			return response, nil
		}

		p.observeFailure(ctx, connectionID, err)
		parsed := Classify(err)

		if !parsed.IsRateLimited() {
			p.record(ctx, connectionID, parsed)
			return nil, parsed
		}

		if attempt >= p.config.MaxRetries || parsed.RetryAfter > p.config.MaxRetryAfter {
			exhausted := p.exhausted(parsed, attempt)
			p.record(ctx, connectionID, exhausted)
			return nil, exhausted
		}

		delay := p.backoff(attempt, parsed.RetryAfter)
		metrics.Retries.WithLabelValues(windowLabel(parsed.Window)).Inc()
		zap.L().Warn("Rate limited by accounting API, retrying",
			zap.String("connection_id", connectionID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", p.config.MaxRetries),
			zap.Duration("wait", delay),
			zap.String("correlation_id", parsed.CorrelationID))

		if err := p.sleep(ctx, delay); err != nil {
			return nil, Classify(fmt.Errorf("retry wait interrupted: %w", err))
		}
	}
}

// backoff returns Retry-After when the server sent one, else BaseDelay*2^attempt capped at MaxDelay
func (p *RetryPolicy) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	delay := time.Duration(float64(p.config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > p.config.MaxDelay || delay <= 0 {
		delay = p.config.MaxDelay
	}
	return delay
}

func (p *RetryPolicy) exhausted(last *ParsedError, attempt int) *ParsedError {
	wait := last.RetryAfter
	if wait <= 0 {
		wait = p.backoff(attempt, 0)
	}

	exhausted := *last
	exhausted.Message = rateLimitMessage(last.Window, wait)
	exhausted.Detail = fmt.Sprintf("rate limited after %d retries: %s", attempt, last.Detail)
	exhausted.RetryAfter = wait
	return &exhausted
}

func (p *RetryPolicy) observeFailure(ctx context.Context, connectionID string, err error) {
	if p.observer == nil || connectionID == "" {
		return
	}

	var apiErr *clients.APIError
	if errors.As(err, &apiErr) && apiErr.Header != nil {
		p.observer.Observe(ctx, connectionID, apiErr.Header)
	}
}

func (p *RetryPolicy) record(ctx context.Context, connectionID string, parsed *ParsedError) {
	if p.recorder == nil || connectionID == "" {
		return
	}

	if err := p.recorder.UpdateConnectionError(context.WithoutCancel(ctx), connectionID, parsed.ToUpdate()); err != nil {
		zap.L().Error("Failed to record connection error",
			zap.String("connection_id", connectionID),
			zap.String("kind", string(parsed.Kind)),
			zap.Error(err))
	}
}

// rateLimitMessage describes which budget ran out and how long to wait
func rateLimitMessage(window string, wait time.Duration) string {
	switch window {
	case "day":
		return fmt.Sprintf("The daily request limit for this accounting organisation has been reached. Please try again in about %s.", humanDuration(wait))
	case "minute":
		return fmt.Sprintf("The per-minute request limit for this accounting organisation has been reached. Please try again in about %s.", humanDuration(wait))
	}
	return fmt.Sprintf("The accounting service is still rate limiting requests after several retries. Please try again in about %s.", humanDuration(wait))
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "1 second"
	case d < time.Minute:
		seconds := int(math.Ceil(d.Seconds()))
		if seconds == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", seconds)
	case d < time.Hour:
		minutes := int(math.Ceil(d.Minutes()))
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	hours := int(math.Ceil(d.Hours()))
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}

func windowLabel(window string) string {
	if window == "" {
		return "unknown"
	}
	return window
}

// RateLimited builds a rate_limit error for a call that was not sent because
// the wait would have been too long. StatusCode stays zero so the 429 retry
// loop does not pick it up.
func RateLimited(window string, wait time.Duration, detail string) *ParsedError {
	return &ParsedError{
		Kind:       models.ErrorKindRateLimit,
		Message:    rateLimitMessage(window, wait),
		Detail:     detail,
		RetryAfter: wait,
		Window:     window,
	}
}
