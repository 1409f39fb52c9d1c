package slots

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"ledgerbackend/metrics"
)

// DefaultMaxConcurrent matches the remote service's concurrent call ceiling
const DefaultMaxConcurrent = 5

// Limiter admits at most a fixed number of in-flight calls per connection.
// The returned release func is safe to call more than once.
type Limiter interface {
	Acquire(ctx context.Context, connectionID string) (func(), error)
}

type slot struct {
	sem      *semaphore.Weighted
	inFlight int
}

// MemoryLimiter is a process-local Limiter backed by one semaphore per connection
type MemoryLimiter struct {
	max            int64
	acquireTimeout time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

// NewMemoryLimiter creates a limiter with the given per-connection ceiling.
// A zero acquireTimeout waits until the caller's context is done.
func NewMemoryLimiter(maxConcurrent int, acquireTimeout time.Duration) *MemoryLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &MemoryLimiter{
		max:            int64(maxConcurrent),
		acquireTimeout: acquireTimeout,
		slots:          make(map[string]*slot),
	}
}

func (l *MemoryLimiter) Acquire(ctx context.Context, connectionID string) (func(), error) {
	s := l.slotFor(connectionID)

	if !s.sem.TryAcquire(1) {
		metrics.SlotWaits.Inc()
		zap.L().Debug("Waiting for a concurrency slot",
			zap.String("connection_id", connectionID),
			zap.Int64("max_concurrent", l.max))

		waitCtx := ctx
		if l.acquireTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
			defer cancel()
		}

		if err := s.sem.Acquire(waitCtx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire concurrency slot for connection %s: %w", connectionID, err)
		}
	}

	l.mu.Lock()
	s.inFlight++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if s.inFlight > 0 {
				s.inFlight--
			}
			l.mu.Unlock()
			s.sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of calls currently holding a slot for the connection
func (l *MemoryLimiter) InFlight(connectionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.slots[connectionID]; ok {
		return s.inFlight
	}
	return 0
}

// Forget drops the semaphore of an idle connection. Connections with calls
// still holding a slot keep theirs.
func (l *MemoryLimiter) Forget(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.slots[connectionID]; ok && s.inFlight == 0 {
		delete(l.slots, connectionID)
	}
}

func (l *MemoryLimiter) slotFor(connectionID string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[connectionID]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(l.max)}
		l.slots[connectionID] = s
	}
	return s
}
