package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ledgerbackend/metrics"
	"ledgerbackend/models"
	"ledgerbackend/services"
	"ledgerbackend/services/apierrors"
	"ledgerbackend/utils"
)

const (
	minuteRemainingHeader    = "X-MinLimit-Remaining"
	appMinuteRemainingHeader = "X-AppMinLimit-Remaining"
	dayRemainingHeader       = "X-DayLimit-Remaining"
	problemHeader            = "X-Rate-Limit-Problem"
	retryAfterHeader         = "Retry-After"
)

// Decision says whether a call should be held back and for how long
type Decision struct {
	Wait    bool
	WaitFor time.Duration
	Reason  string
	Window  string
}

// ShouldWait holds a call when the minute or day budget is exhausted and its
// reset time is known and still in the future. A problem header alone never
// holds a call; the 429 that carried it is handled by the retry policy.
func ShouldWait(snapshot models.RateLimitSnapshot, now time.Time) Decision {
	if snapshot.ResetAt == nil || !snapshot.ResetAt.After(now) {
		return Decision{}
	}

	waitFor := snapshot.ResetAt.Sub(now)
	switch {
	case snapshot.DayRemaining != nil && *snapshot.DayRemaining <= 0:
		return Decision{Wait: true, WaitFor: waitFor, Reason: "daily limit exhausted", Window: "day"}
	case snapshot.MinuteRemaining != nil && *snapshot.MinuteRemaining <= 0:
		return Decision{Wait: true, WaitFor: waitFor, Reason: "per-minute limit exhausted", Window: "minute"}
	}
	return Decision{}
}

// ParseHeaders extracts the remaining-call counters from a response. The
// second return value is false when the response carried none of them.
func ParseHeaders(header http.Header, now time.Time) (models.RateLimitSnapshot, bool) {
	snapshot := models.RateLimitSnapshot{ObservedAt: now}
	if header == nil {
		return snapshot, false
	}

	found := false
	if value, ok := headerInt(header, minuteRemainingHeader); ok {
		snapshot.MinuteRemaining = &value
		found = true
	}
	if value, ok := headerInt(header, appMinuteRemainingHeader); ok {
		if snapshot.MinuteRemaining == nil || value < *snapshot.MinuteRemaining {
			snapshot.MinuteRemaining = &value
		}
		found = true
	}
	if value, ok := headerInt(header, dayRemainingHeader); ok {
		snapshot.DayRemaining = &value
		found = true
	}
	if problem := strings.TrimSpace(header.Get(problemHeader)); problem != "" {
		snapshot.Problem = problem
		found = true
	}
	if retryAfter, ok := apierrors.ParseRetryAfter(header.Get(retryAfterHeader), now); ok {
		snapshot.RetryAfter = retryAfter
		found = true
	}
	if !found {
		return snapshot, false
	}

	switch {
	case snapshot.RetryAfter > 0:
		snapshot.ResetAt = timePtr(now.Add(snapshot.RetryAfter))
	case snapshot.DayRemaining != nil && *snapshot.DayRemaining <= 0:
		snapshot.ResetAt = timePtr(nextUTCMidnight(now))
	case snapshot.MinuteRemaining != nil && *snapshot.MinuteRemaining <= 0:
		snapshot.ResetAt = timePtr(now.Truncate(time.Minute).Add(time.Minute))
	}

	return snapshot, true
}

// Config bounds the governor
type Config struct {
	// PerMinute paces calls locally per connection; zero disables pacing
	PerMinute int
	// MaxWait is the longest a call is held before failing fast
	MaxWait time.Duration
}

func DefaultConfig() Config {
	return Config{PerMinute: 60, MaxWait: 5 * time.Minute}
}

// Governor delays or rejects calls based on the last observed rate-limit
// counters of a connection.
type Governor struct {
	store  services.ConnectionStore
	config Config

	mu     sync.RWMutex
	pacers map[string]*rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewGovernor(store services.ConnectionStore, config Config) *Governor {
	if config.MaxWait <= 0 {
		config.MaxWait = DefaultConfig().MaxWait
	}
	return &Governor{
		store:  store,
		config: config,
		pacers: make(map[string]*rate.Limiter),
		now:    time.Now,
		sleep:  utils.SleepContext,
	}
}

// WithClock replaces the time source and the wait; used by tests
func (g *Governor) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Governor {
	g.now = now
	g.sleep = sleep
	return g
}

// CheckBeforeCall paces the call locally, then holds it until the persisted
// counters reset. Waits longer than MaxWait fail immediately with a
// rate_limit error.
func (g *Governor) CheckBeforeCall(ctx context.Context, connectionID string) error {
	if pacer := g.pacer(connectionID); pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			return apierrors.Classify(fmt.Errorf("local pacing wait failed: %w", err))
		}
	}

	maybeConnection, err := g.store.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("failed to load rate limit state: %w", err)
	}
	connection, ok := maybeConnection.Get()
	if !ok {
		return apierrors.NotConnected(fmt.Sprintf("connection %s not found", connectionID))
	}

	decision := ShouldWait(connection.RateLimitSnapshot(), g.now())
	if !decision.Wait {
		return nil
	}

	if decision.WaitFor > g.config.MaxWait {
		metrics.RateLimitRejections.Inc()
		zap.L().Warn("Rate limit wait exceeds maximum, failing fast",
			zap.String("connection_id", connectionID),
			zap.Duration("wait", decision.WaitFor),
			zap.Duration("max_wait", g.config.MaxWait),
			zap.String("reason", decision.Reason))
		return apierrors.RateLimited(decision.Window, decision.WaitFor,
			fmt.Sprintf("%s, reset in %s exceeds max wait %s", decision.Reason, decision.WaitFor, g.config.MaxWait))
	}

	metrics.RateLimitWaits.Inc()
	zap.L().Info("Waiting for rate limit reset before calling accounting API",
		zap.String("connection_id", connectionID),
		zap.Duration("wait", decision.WaitFor),
		zap.String("reason", decision.Reason))

	if err := g.sleep(ctx, decision.WaitFor); err != nil {
		return apierrors.Classify(fmt.Errorf("rate limit wait interrupted: %w", err))
	}
	return nil
}

// Observe persists the counters carried by header, whatever the outcome of the call
func (g *Governor) Observe(ctx context.Context, connectionID string, header http.Header) {
	snapshot, ok := ParseHeaders(header, g.now())
	if !ok {
		return
	}

	if snapshot.MinuteRemaining != nil {
		metrics.RateLimitRemaining.WithLabelValues(connectionID, "minute").Set(float64(*snapshot.MinuteRemaining))
	}
	if snapshot.DayRemaining != nil {
		metrics.RateLimitRemaining.WithLabelValues(connectionID, "day").Set(float64(*snapshot.DayRemaining))
	}

	if err := g.store.UpdateRateLimitInfo(context.WithoutCancel(ctx), connectionID, snapshot); err != nil {
		zap.L().Error("Failed to persist rate limit info",
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return
	}

	zap.L().Debug("Observed rate limit headers",
		zap.String("connection_id", connectionID),
		zap.Any("minute_remaining", snapshot.MinuteRemaining),
		zap.Any("day_remaining", snapshot.DayRemaining),
		zap.String("problem", snapshot.Problem))
}

// Forget drops the local pacer for a connection, e.g. after disconnect
func (g *Governor) Forget(connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pacers, connectionID)
}

func (g *Governor) pacer(connectionID string) *rate.Limiter {
	if g.config.PerMinute <= 0 {
		return nil
	}

	g.mu.RLock()
	limiter, exists := g.pacers[connectionID]
	g.mu.RUnlock()
	if exists {
		return limiter
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if limiter, exists := g.pacers[connectionID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.config.PerMinute)), g.config.PerMinute)
	g.pacers[connectionID] = limiter
	return limiter
}

func headerInt(header http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(header.Get(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func nextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

