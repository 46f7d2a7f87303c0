// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package device

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Lister is the detection collaborator contract.
type Lister interface {
	ListDevices(ctx context.Context) ([]Descriptor, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) ([]Descriptor, error)

func (f ListerFunc) ListDevices(ctx context.Context) ([]Descriptor, error) { return f(ctx) }

// StaticLister serves a fixed inventory, typically from configuration.
type StaticLister struct {
	devices []Descriptor
}

// NewStaticLister copies and sorts the given inventory.
func NewStaticLister(devices []Descriptor) *StaticLister {
	cp := append([]Descriptor(nil), devices...)
	SortByIndex(cp)
	return &StaticLister{devices: cp}
}

func (s *StaticLister) ListDevices(context.Context) ([]Descriptor, error) {
	return append([]Descriptor(nil), s.devices...), nil
}

// CachedLister wraps a slow detector. Concurrent callers share one in-flight
// detection and results are reused for TTL.
type CachedLister struct {
	inner Lister
	ttl   time.Duration
	now   func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	cached  []Descriptor
	fetched time.Time
}

// NewCachedLister returns a caching wrapper. A zero ttl still deduplicates
// concurrent detections but never serves stale results.
func NewCachedLister(inner Lister, ttl time.Duration) *CachedLister {
	return &CachedLister{inner: inner, ttl: ttl, now: time.Now}
}

func (c *CachedLister) ListDevices(ctx context.Context) ([]Descriptor, error) {
	c.mu.Lock()
	if c.cached != nil && c.ttl > 0 && c.now().Sub(c.fetched) < c.ttl {
		out := append([]Descriptor(nil), c.cached...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("list", func() (interface{}, error) {
		devs, err := c.inner.ListDevices(ctx)
		if err != nil {
			return nil, err
		}
		SortByIndex(devs)
		c.mu.Lock()
		c.cached = devs
		c.fetched = c.now()
		c.mu.Unlock()
		return devs, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]Descriptor(nil), v.([]Descriptor)...), nil
}

// Invalidate drops the cached inventory.
func (c *CachedLister) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
