// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package mux reads the output streams of a running pipeline with bounded
// waits, so that stop requests and the scan deadline are always observed
// within one poll interval.
package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxLineBytes = 64 << 10
	readChunk           = 32 << 10
)

// Reason says why Run returned. Every outcome is a Reason; Run never fails.
type Reason string

const (
	ReasonStreamsClosed Reason = "streams_closed"
	ReasonDeadline      Reason = "deadline"
	ReasonStopped       Reason = "stopped"
)

// DeadlineReader is a reader whose blocking reads can be bounded.
// *os.File pipes satisfy it.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Stream is one named input of the multiplexer.
type Stream struct {
	Name   string
	Reader DeadlineReader
	// Observe, when set, sees every line before onLine does.
	Observe func(line string)
}

// LineFunc handles one line. A returned error is treated as a parse failure:
// it is counted and logged at a limited rate, and reading continues.
type LineFunc func(stream, line string) error

// Options tunes a Multiplexer.
type Options struct {
	Mode         string
	PollInterval time.Duration
	MaxLineBytes int
	// ParseLogEvery limits parse-failure warnings to one per interval.
	ParseLogEvery time.Duration
}

// Multiplexer fans the lines of several streams into one callback that always
// runs on the goroutine calling Run.
type Multiplexer struct {
	opts   Options
	logger zerolog.Logger

	limiter    *rate.Limiter
	suppressed int
}

// New returns a Multiplexer. Zero options are replaced by defaults.
func New(opts Options) *Multiplexer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.ParseLogEvery <= 0 {
		opts.ParseLogEvery = 10 * time.Second
	}
	return &Multiplexer{
		opts:    opts,
		logger:  log.WithComponent("mux").With().Str(log.FieldMode, opts.Mode).Logger(),
		limiter: rate.NewLimiter(rate.Every(opts.ParseLogEvery), 3),
	}
}

// PollInterval is the upper bound on how long any single read blocks.
func (m *Multiplexer) PollInterval() time.Duration { return m.opts.PollInterval }

type line struct {
	stream *Stream
	text   string
}

// Run consumes streams until all of them are closed, the deadline passes
// (a zero deadline never passes) or ctx is cancelled. onLine is invoked
// sequentially. Run returns only after every reader goroutine has exited.
func (m *Multiplexer) Run(ctx context.Context, streams []Stream, deadline time.Time, onLine LineFunc) Reason {
	if len(streams) == 0 {
		return ReasonStreamsClosed
	}

	lines := make(chan line)
	closed := make(chan string, len(streams))
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for i := range streams {
		s := &streams[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.read(s, lines, stop) {
				closed <- s.Name
			}
		}()
	}
	defer func() {
		close(stop)
		wg.Wait()
	}()

	var deadlineC <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		deadlineC = timer.C
	}

	open := len(streams)
	for {
		select {
		case <-ctx.Done():
			return ReasonStopped
		case <-deadlineC:
			return ReasonDeadline
		case l := <-lines:
			m.dispatch(l, onLine)
		case name := <-closed:
			open--
			m.logger.Debug().Str("stream", name).Int("open", open).Msg("stream closed")
			if open == 0 {
				return ReasonStreamsClosed
			}
		}
	}
}

// read pumps one stream. It returns true when the stream reached EOF or
// failed, false when stop was closed first. Lines are handed over
// synchronously, so every line of a stream is dispatched before its closure
// is reported.
func (m *Multiplexer) read(s *Stream, out chan<- line, stop <-chan struct{}) bool {
	buf := make([]byte, readChunk)
	limit := m.opts.MaxLineBytes
	var pending []byte
	// discarding is set once an unterminated line was cut at limit; the rest
	// of that line is dropped up to its newline.
	discarding := false

	emit := func(b []byte) bool {
		select {
		case out <- line{stream: s, text: string(bytes.TrimRight(b, "\r"))}:
			return true
		case <-stop:
			return false
		}
	}
	truncated := func() {
		metrics.LinesTruncated.WithLabelValues(m.opts.Mode, s.Name).Inc()
	}

	for {
		select {
		case <-stop:
			return false
		default:
		}

		_ = s.Reader.SetReadDeadline(time.Now().Add(m.opts.PollInterval))
		n, err := s.Reader.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				text := pending[:i]
				pending = pending[i+1:]
				if discarding {
					discarding = false
					continue
				}
				if len(text) > limit {
					truncated()
					text = text[:limit]
				}
				if !emit(text) {
					return false
				}
			}
			switch {
			case discarding:
				pending = nil
			case len(pending) > limit:
				truncated()
				if !emit(pending[:limit]) {
					return false
				}
				pending = nil
				discarding = true
			}
			pending = append([]byte(nil), pending...)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if len(pending) > 0 && !emit(pending) {
				return false
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				m.logger.Warn().Err(err).Str("stream", s.Name).Msg("stream read failed")
			}
			return true
		}
	}
}

func (m *Multiplexer) dispatch(l line, onLine LineFunc) {
	metrics.LinesRead.WithLabelValues(m.opts.Mode, l.stream.Name).Inc()
	if l.stream.Observe != nil {
		l.stream.Observe(l.text)
	}
	if onLine == nil {
		return
	}
	if err := onLine(l.stream.Name, l.text); err != nil {
		metrics.ParseFailures.WithLabelValues(m.opts.Mode).Inc()
		if !m.limiter.Allow() {
			m.suppressed++
			return
		}
		m.logger.Warn().Err(err).
			Str("stream", l.stream.Name).
			Int("suppressed", m.suppressed).
			Msg("line parse failed")
		m.suppressed = 0
	}
}
