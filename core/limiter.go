package core

import (
	"fmt"
	"sync"
)

// UpstreamLimiter enforces a maximum number of upstream generation calls
// per dispatched turn (worker replies and the merge step; classification
// has its own cache and timeout). It protects against runaway cost when a
// single turn fans out.
type UpstreamLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewUpstreamLimiter creates a new limiter with a max number of calls.
// If max == 0, unlimited calls are allowed.
func NewUpstreamLimiter(max int) *UpstreamLimiter {
	return &UpstreamLimiter{max: max}
}

// Increment increases the call counter and returns an error if the limit is exceeded.
func (ul *UpstreamLimiter) Increment() error {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	ul.count++
	if ul.max > 0 && ul.count > ul.max {
		return fmt.Errorf("exceeded max upstream calls: %d", ul.max)
	}

	return nil
}

// Count returns the current number of calls made.
func (ul *UpstreamLimiter) Count() int {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	return ul.count
}

// Remaining returns how many calls are left before hitting the limit.
func (ul *UpstreamLimiter) Remaining() int {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	if ul.max == 0 {
		return -1 // unlimited
	}

	return ul.max - ul.count
}
