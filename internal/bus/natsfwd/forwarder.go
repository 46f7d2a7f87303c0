// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package natsfwd forwards in-memory bus events to NATS subjects of the form
// <prefix>.<topic>.<mode>, JSON encoded.
package natsfwd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/sdrd/internal/bus"
	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder copies bus events to NATS.
type Forwarder struct {
	pub    Publisher
	prefix string
	logger zerolog.Logger
}

// New returns a forwarder publishing under prefix (default "sdrd").
func New(pub Publisher, prefix string) *Forwarder {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "sdrd"
	}
	return &Forwarder{pub: pub, prefix: prefix, logger: log.WithComponent("natsfwd")}
}

// Subject returns the NATS subject for ev.
func (f *Forwarder) Subject(ev bus.Event) string {
	subject := f.prefix + "." + ev.Topic
	if ev.Mode != "" {
		subject += "." + sanitizeToken(ev.Mode)
	}
	return subject
}

// Run subscribes to every topic on b and forwards until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context, b bus.Bus) error {
	sub, err := b.Subscribe(ctx, bus.TopicAll)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			f.forward(ev)
		}
	}
}

func (f *Forwarder) forward(ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.IncBusDropReason(ev.Topic, "encode")
		f.logger.Warn().Err(err).Str("topic", ev.Topic).Msg("failed to encode event")
		return
	}
	if err := f.pub.Publish(f.Subject(ev), data); err != nil {
		metrics.IncBusDropReason(ev.Topic, "nats")
		f.logger.Warn().Err(err).Str("topic", ev.Topic).Msg("failed to forward event to nats")
	}
}

// sanitizeToken keeps subject tokens free of separators and wildcards.
func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Connect dials NATS with reconnects that never give up.
func Connect(url, name string) (*nats.Conn, error) {
	logger := log.WithComponent("natsfwd")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}
