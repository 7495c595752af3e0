// File: internal/syncer/tracker.go
package syncer

import (
	"sync"

	"go.uber.org/zap"
)

// CompletionTracker counts finished projects and flags anomalies. A project
// completing twice inside one run indicates an orchestration bug; it is
// counted and logged, never double-counted in the completion total.
type CompletionTracker struct {
	log *zap.Logger

	mu      sync.Mutex
	done    map[string]int
	doubles int
}

// NewCompletionTracker builds an empty tracker.
func NewCompletionTracker(logger *zap.Logger) *CompletionTracker {
	return &CompletionTracker{
		log:  logger.Named("tracker"),
		done: make(map[string]int),
	}
}

// Complete marks one project finished.
func (t *CompletionTracker) Complete(project string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[project]++
	if t.done[project] > 1 {
		t.doubles++
		t.log.Warn("Project completed more than once.", zap.String("project", project))
	}
}

// Completed returns the number of distinct completed projects.
func (t *CompletionTracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.done)
}

// Doubles returns the number of duplicate completions observed.
func (t *CompletionTracker) Doubles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doubles
}
