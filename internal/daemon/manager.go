// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package daemon runs the sdrd process lifecycle: the ops listener, the
// background workers and the ordered shutdown of sessions.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultShutdownTimeout = 30 * time.Second

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Manager starts the ops listener and runs shutdown hooks.
type Manager struct {
	deps   Deps
	logger zerolog.Logger

	mu        sync.Mutex
	started   bool
	stopping  bool
	hooks     []namedHook
	opsServer *http.Server
	opsAddr   net.Addr
}

// NewManager validates deps and returns a manager.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if deps.ShutdownTimeout <= 0 {
		deps.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Manager{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "manager").Logger(),
	}, nil
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

// OpsAddr returns the bound ops listener address, or nil.
func (m *Manager) OpsAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opsAddr
}

// Start starts the ops listener and blocks until ctx is done or the listener
// fails, then shuts down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrManagerAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	errCh := make(chan error, 1)
	if m.deps.MetricsAddr != "" {
		if err := m.startOpsServer(errCh); err != nil {
			return err
		}
	}

	var runErr error
	select {
	case err := <-errCh:
		m.logger.Error().Err(err).Msg("ops server error, initiating shutdown")
		runErr = err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.deps.ShutdownTimeout)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (m *Manager) startOpsServer(errCh chan<- error) error {
	ln, err := net.Listen("tcp", m.deps.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen ops %s: %w", m.deps.MetricsAddr, err)
	}
	srv := &http.Server{
		Handler:           NewOpsRouter(m.deps.Service, m.deps.Version),
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.mu.Lock()
	m.opsServer = srv
	m.opsAddr = ln.Addr()
	m.mu.Unlock()

	go func() {
		m.logger.Info().Str("addr", ln.Addr().String()).Msg("ops server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str("event", "ops.server.failed").Msg("ops server failed")
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()
	return nil
}

// Shutdown stops the ops listener, then every session, then runs the hooks
// newest first. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	srv := m.opsServer
	hooks := append([]namedHook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down")
	var errs []error

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
		}
	}

	if err := m.deps.Service.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sessions: %w", err))
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		begin := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Dur("duration", time.Since(begin)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(begin)).Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		m.logger.Error().Int("error_count", len(errs)).Msg("shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
