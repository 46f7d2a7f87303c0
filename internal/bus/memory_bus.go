// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
)

const (
	// DefaultQueueSize is the per-subscriber buffer.
	DefaultQueueSize = 500
	dropLogEvery     = 100
)

var dropCount atomic.Uint64

// MemoryBus is a non-durable in-process bus. Each subscriber has a bounded
// queue; when it is full the oldest queued event is dropped, so Publish never
// blocks a capture goroutine on a slow consumer.
type MemoryBus struct {
	queueSize int

	mu   sync.RWMutex
	subs map[string][]*memSub
}

// NewMemoryBus creates a bus with queueSize slots per subscriber.
func NewMemoryBus(queueSize int) *MemoryBus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &MemoryBus{queueSize: queueSize, subs: make(map[string][]*memSub)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, ev Event) error {
	if ctx == nil {
		return errors.New("publish context is nil")
	}
	if ev.Topic == "" {
		ev.Topic = topic
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[topic] {
		s.offer(ev)
	}
	if topic != TopicAll {
		for _, s := range b.subs[TopicAll] {
			s.offer(ev)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscriber, error) {
	s := &memSub{b: b, topic: topic, ch: make(chan Event, b.queueSize)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s, nil
}

type memSub struct {
	b     *MemoryBus
	topic string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *memSub) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			metrics.IncBusDropReason(ev.Topic, "queue_full")
			if n := dropCount.Add(1); n%dropLogEvery == 0 {
				log.L().Warn().
					Str("topic", ev.Topic).
					Uint64("dropped", n).
					Msg("memory bus dropped oldest events for slow subscriber")
			}
		default:
		}
	}
}

func (s *memSub) C() <-chan Event { return s.ch }

func (s *memSub) Close() error {
	s.b.mu.Lock()
	lst := s.b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = out
	}
	s.b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
