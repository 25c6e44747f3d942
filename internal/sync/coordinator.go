package sync

import "sync"

// Coordinator holds the engine-wide in-progress guards and cycle
// counter. Constructed once per process and shared by reference, so
// "only one drain at a time" does not depend on ambient package state.
type Coordinator struct {
	mu              sync.Mutex
	pushInProgress  bool
	retryInProgress bool
	cycles          int
}

// NewCoordinator creates a coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// BeginPush claims the queue-drain guard. A second caller observes the
// guard and returns without effect rather than blocking.
func (c *Coordinator) BeginPush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pushInProgress {
		return false
	}

	c.pushInProgress = true

	return true
}

// EndPush releases the queue-drain guard.
func (c *Coordinator) EndPush() {
	c.mu.Lock()
	c.pushInProgress = false
	c.mu.Unlock()
}

// BeginRetry claims the failed-queue sweep guard.
func (c *Coordinator) BeginRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retryInProgress {
		return false
	}

	c.retryInProgress = true

	return true
}

// EndRetry releases the failed-queue sweep guard.
func (c *Coordinator) EndRetry() {
	c.mu.Lock()
	c.retryInProgress = false
	c.mu.Unlock()
}

// NextCycle advances the sync cycle counter and reports whether this
// cycle should be a full pull. The first cycle is always full.
func (c *Coordinator) NextCycle(fullPullEvery int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	full := c.cycles == 0
	if fullPullEvery > 0 && c.cycles%fullPullEvery == 0 {
		full = true
	}

	c.cycles++

	return full
}
