// ABOUTME: Supervisor for per-event handler goroutines with cooperative shutdown.
// ABOUTME: Completion auto-deregisters; shutdown cancels all and waits up to a grace period.

package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrShuttingDown is returned by Spawn once Shutdown has begun.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Supervisor launches and tracks concurrent work units. Every unit receives
// a context that is cancelled when Shutdown is called; errors and panics are
// logged at the unit boundary and never propagate.
type Supervisor struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewSupervisor creates a supervisor. Pass nil logger for the default.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger: logger.With("component", "tasks"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Spawn runs fn concurrently and registers it for tracking. The unit is
// deregistered automatically when fn returns, whether it succeeded or not.
// A unit's error is logged, never returned: no single event's handling may
// affect any other event or the session's liveness.
func (s *Supervisor) Spawn(name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("task panicked", "task", name, "panic", r)
			}
		}()

		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("task failed", "task", name, "error", err)
		}
	}()

	return nil
}

// Shutdown cancels every tracked unit and waits for all of them to reach a
// terminal state, up to the grace period. A slow handler never blocks
// shutdown beyond that period.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("all tasks finished")
	case <-time.After(grace):
		s.logger.Warn("shutdown grace period elapsed with tasks still running", "grace", grace)
	}
}
