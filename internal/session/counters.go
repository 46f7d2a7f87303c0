// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"maps"
	"sync"
)

// Counters is a set of named int64 counters shared between the multiplexer
// goroutine and status readers. Every read and write happens under one lock.
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]int64)}
}

// Add increments name by delta and returns the new value.
func (c *Counters) Add(name string, delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] += delta
	return c.values[name]
}

// Apply runs fn with the counter map while holding the lock. fn must not block.
func (c *Counters) Apply(fn func(values map[string]int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.values)
}

// Get returns the value of name (zero if never set).
func (c *Counters) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name]
}

// Snapshot returns a copy of all counters.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.values)
}

// Reset clears every counter.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.values)
}
