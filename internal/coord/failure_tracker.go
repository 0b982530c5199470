package coord

import (
	"log/slog"
	"sync"
	"time"
)

// failureRecord tracks repeated aborts for a single story.
type failureRecord struct {
	count  int
	lastAt time.Time
	cause  string
}

// failureTracker suppresses stories that abort repeatedly on re-submission.
// A story that aborted threshold times within cooldown is refused by
// ScheduleCycle with ErrSchedulingConflict until the cooldown lapses.
// Success clears the record. Thread-safe.
type failureTracker struct {
	mu        sync.Mutex
	records   map[string]*failureRecord
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	nowFunc   func() time.Time // injectable for testing
}

func newFailureTracker(threshold int, cooldown time.Duration, logger *slog.Logger) *failureTracker {
	if threshold < 1 {
		threshold = 3
	}

	return &failureTracker{
		records:   make(map[string]*failureRecord),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// shouldSuppress reports whether the story has aborted enough times within
// the cooldown that scheduling it again should be refused.
func (ft *failureTracker) shouldSuppress(storyID string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[storyID]
	if !ok {
		return false
	}

	if ft.nowFunc().Sub(rec.lastAt) > ft.cooldown {
		delete(ft.records, storyID)
		return false
	}

	if rec.count >= ft.threshold {
		ft.logger.Warn("story suppressed after repeated aborts",
			slog.String("story", storyID),
			slog.Int("aborts", rec.count),
			slog.String("last_cause", rec.cause),
		)
		return true
	}

	return false
}

// recordAbort bumps the story's failure count.
func (ft *failureTracker) recordAbort(storyID, cause string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[storyID]
	if !ok {
		rec = &failureRecord{}
		ft.records[storyID] = rec
	}

	rec.count++
	rec.lastAt = ft.nowFunc()
	rec.cause = cause
}

// recordSuccess clears the story's failure history.
func (ft *failureTracker) recordSuccess(storyID string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.records, storyID)
}
