package finalize

import "sync"

// retryDecision is what the missing-source path should do next.
type retryDecision int

const (
	decisionSchedule retryDecision = iota
	decisionAlreadyScheduled
	decisionExhausted
	decisionTerminal
)

type retryEntry struct {
	attempts  int
	scheduled bool
	exhausted bool
}

// RetryState tracks missing-source retries per download. It is safe for concurrent use.
type RetryState struct {
	mu      sync.Mutex
	entries map[string]*retryEntry
}

// NewRetryState creates an empty retry state.
func NewRetryState() *RetryState {
	return &RetryState{entries: make(map[string]*retryEntry)}
}

// Get returns the attempt count and scheduled flag for a download.
func (r *RetryState) Get(downloadID string) (attempts int, scheduled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[downloadID]; ok {
		return e.attempts, e.scheduled
	}
	return 0, false
}

// Exhausted reports whether the download gave up on its source.
func (r *RetryState) Exhausted(downloadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[downloadID]
	return ok && e.exhausted
}

// Reset clears all retry state for a download.
func (r *RetryState) Reset(downloadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, downloadID)
}

// next decides the missing-source action and, when scheduling, claims the slot
// by incrementing attempts and setting scheduled in the same critical section.
func (r *RetryState) next(downloadID string, maxRetries int) (retryDecision, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[downloadID]
	if !ok {
		e = &retryEntry{}
		r.entries[downloadID] = e
	}
	switch {
	case e.exhausted:
		return decisionExhausted, e.attempts
	case e.scheduled:
		return decisionAlreadyScheduled, e.attempts
	case e.attempts >= maxRetries:
		attempts := e.attempts
		*e = retryEntry{exhausted: true}
		return decisionTerminal, attempts
	}
	e.attempts++
	e.scheduled = true
	return decisionSchedule, e.attempts
}

// clearScheduled releases the scheduled slot.
func (r *RetryState) clearScheduled(downloadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[downloadID]; ok {
		e.scheduled = false
	}
}

// Forget drops the download's retry state once its record is gone.
func (r *RetryState) Forget(downloadID string) {
	r.Reset(downloadID)
}
