// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package supervisor

import (
	"context"
	"fmt"
	"sync"
)

// sessionWorkers tracks supervisor-owned goroutines and provides a bounded join on shutdown.
type sessionWorkers struct {
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func (w *sessionWorkers) Go(fn func()) bool {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return false
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		fn()
	}()
	return true
}

func (w *sessionWorkers) CloseAndWait(ctx context.Context) error {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session worker drain timeout: %w", ctx.Err())
	}
}
