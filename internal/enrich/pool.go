// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package enrich runs slow per-record work (Remote ID decoding, lookups) off
// the capture path. Records are queued in a bounded buffer and dropped when it
// is full, so a slow enricher can never stall a multiplexer.
package enrich

import (
	"context"
	"errors"
	"sync"

	"github.com/ManuGH/sdrd/internal/bus"
	"github.com/ManuGH/sdrd/internal/classify"
	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
)

// ErrPoolClosed is returned by Start on a closed pool.
var ErrPoolClosed = errors.New("enrichment pool closed")

// Enricher augments one record in place.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, rec *classify.Record) error
}

// Options sizes a Pool.
type Options struct {
	Workers   int
	QueueSize int
}

// Pool is a fixed set of workers draining a bounded record queue. Enriched
// records are published on bus.TopicRecord.
type Pool struct {
	enrichers []Enricher
	pub       bus.Publisher
	logger    zerolog.Logger
	workers   int

	mu      sync.RWMutex
	queue   chan classify.Record
	closed  bool
	started bool

	g *errgroup.Group
}

// NewPool builds a pool. It does nothing until Start.
func NewPool(opts Options, pub bus.Publisher, enrichers ...Enricher) *Pool {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	if pub == nil {
		pub = bus.Nop{}
	}
	return &Pool{
		enrichers: enrichers,
		pub:       pub,
		logger:    log.WithComponent("enrich"),
		workers:   opts.Workers,
		queue:     make(chan classify.Record, opts.QueueSize),
	}
}

// Start launches the workers. ctx is passed to enrichers and publishes.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return nil
	}
	p.started = true

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for rec := range p.queue {
				p.process(gctx, rec)
			}
			return nil
		})
	}
	p.g = g
	return nil
}

// Submit queues rec without blocking. It returns false if the record was
// dropped because the queue is full or the pool is closed.
func (p *Pool) Submit(rec classify.Record) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- rec:
		return true
	default:
		metrics.EnrichQueueDropped.Inc()
		return false
	}
}

// Close stops accepting records, lets the workers drain the queue and waits
// for them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	g := p.g
	p.mu.Unlock()

	if g == nil {
		return nil
	}
	return g.Wait()
}

func (p *Pool) process(ctx context.Context, rec classify.Record) {
	for _, e := range p.enrichers {
		if err := e.Enrich(ctx, &rec); err != nil {
			metrics.EnrichProcessed.WithLabelValues("error").Inc()
			p.logger.Debug().Err(err).
				Str("enricher", e.Name()).
				Str(log.FieldMode, rec.Mode).
				Msg("enrichment failed")
		}
	}
	metrics.EnrichProcessed.WithLabelValues("ok").Inc()
	_ = p.pub.Publish(ctx, bus.TopicRecord, bus.Event{
		Mode:      rec.Mode,
		SessionID: rec.SessionID,
		Time:      rec.Time,
		Data:      rec,
	})
}
