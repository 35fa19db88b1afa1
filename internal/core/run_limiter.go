package core

// run_limiter.go keeps pipeline runs single-flight.
//
// Two concurrent runs against the same target would both diff against the
// same natural keys and insert the same rows twice, so the service admits
// one run at a time. A second request waits up to maxWait for the running
// one to finish before failing with ErrRunInProgress. WaitForDrain lets
// shutdown block until the active run completes.

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxWaitTime is how long a refresh waits for the running one.
const DefaultMaxWaitTime = 5 * time.Second

// RunLimiter admits at most one pipeline run at a time.
type RunLimiter struct {
	slot    chan struct{}
	maxWait time.Duration

	mu      sync.RWMutex
	active  bool
	current string // trigger of the active run
	since   time.Time
}

// NewRunLimiter creates a limiter. Requests that cannot start within
// maxWait receive ErrRunInProgress.
func NewRunLimiter(maxWait time.Duration) *RunLimiter {
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &RunLimiter{
		slot:    make(chan struct{}, 1),
		maxWait: maxWait,
	}
}

// Acquire waits for the run slot. The caller MUST call Release when the run
// completes (use defer).
func (l *RunLimiter) Acquire(ctx context.Context, trigger string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.slot <- struct{}{}:
		l.markActive(trigger)
		return nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRunInProgress
	}
}

// TryAcquire takes the slot without blocking.
func (l *RunLimiter) TryAcquire(trigger string) bool {
	select {
	case l.slot <- struct{}{}:
		l.markActive(trigger)
		return true
	default:
		return false
	}
}

func (l *RunLimiter) markActive(trigger string) {
	l.mu.Lock()
	l.active = true
	l.current = trigger
	l.since = time.Now()
	l.mu.Unlock()
}

// Release frees the slot. Must be called exactly once per successful
// Acquire or TryAcquire.
func (l *RunLimiter) Release() {
	l.mu.Lock()
	l.active = false
	l.current = ""
	l.since = time.Time{}
	l.mu.Unlock()

	<-l.slot
}

// Active reports whether a run holds the slot.
func (l *RunLimiter) Active() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until no run is active or ctx is done.
func (l *RunLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !l.Active() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunLimiterStatus is a snapshot of the limiter.
type RunLimiterStatus struct {
	Running bool      `json:"running"`
	Trigger string    `json:"trigger,omitempty"`
	Since   time.Time `json:"since,omitempty"`
}

// Status returns the current limiter state for the status endpoint.
func (l *RunLimiter) Status() RunLimiterStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return RunLimiterStatus{Running: l.active, Trigger: l.current, Since: l.since}
}
