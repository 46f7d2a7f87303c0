// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package bus carries session lifecycle events and classified records to
// in-process consumers (status file, NATS forwarder, enrichment).
package bus

import (
	"context"
	"time"
)

// Topics published by sdrd.
const (
	TopicSessionStarted   = "session.started"
	TopicSessionStopped   = "session.stopped"
	TopicSessionEscalated = "session.escalated"
	TopicRecord           = "record"

	// TopicAll subscribes to every topic.
	TopicAll = "*"
)

// Event is one published message.
type Event struct {
	Topic     string    `json:"topic"`
	Mode      string    `json:"mode"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// Bus is a topic based publish/subscribe channel.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}

// Subscriber receives events until Close.
type Subscriber interface {
	C() <-chan Event
	Close() error
}

// Publisher is the publish half of Bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }
