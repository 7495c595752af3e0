// File: internal/browser/recovery.go
package browser

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RecoveryManager is a narrow, stateful retry primitive used around session
// startup failures. It sleeps a fixed delay between attempts and gives up
// after a bounded number of them. It is intentionally not the exponential
// backoff policy the API clients use; the two failure classes want different
// treatment.
type RecoveryManager struct {
	maxAttempts int
	delay       time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	attempts int
}

// NewRecoveryManager creates a recovery manager allowing maxAttempts recovery
// attempts with a fixed delay between them.
func NewRecoveryManager(maxAttempts int, delay time.Duration, logger *zap.Logger) *RecoveryManager {
	return &RecoveryManager{
		maxAttempts: maxAttempts,
		delay:       delay,
		logger:      logger.Named("recovery"),
	}
}

// Attempts returns the current attempt counter.
func (r *RecoveryManager) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Reset clears the attempt counter.
func (r *RecoveryManager) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// HandleFailure records one failure, sleeps the fixed delay, and invokes the
// recovery action. It returns true and resets the counter when recovery
// succeeds. It returns false (never an error) once attempts exceed the
// maximum, or when the recovery action itself fails; the caller must then
// treat the original failure as fatal.
func (r *RecoveryManager) HandleFailure(ctx context.Context, cause error, recover func(context.Context) error) bool {
	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	if attempt > r.maxAttempts {
		r.logger.Error("Recovery attempts exhausted.",
			zap.Int("attempts", attempt-1), zap.Int("max", r.maxAttempts), zap.Error(cause))
		return false
	}

	r.logger.Warn("Handling failure, attempting recovery.",
		zap.Int("attempt", attempt), zap.Int("max", r.maxAttempts), zap.Error(cause))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.delay):
	}

	if err := recover(ctx); err != nil {
		r.logger.Error("Recovery action failed.", zap.Int("attempt", attempt), zap.Error(err))
		return false
	}

	r.Reset()
	r.logger.Info("Recovery succeeded.", zap.Int("after_attempt", attempt))
	return true
}
