// Package supervise owns the background goroutines the service spawns, such
// as per-run status pollers. Tasks are keyed so the same run is never watched
// twice, their failures are reported instead of propagated, and Shutdown
// cancels and waits for all of them.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("supervisor is shut down")

// ErrorHandler is called with the key and error of a task that failed or panicked.
type ErrorHandler func(key string, err error)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	log    *slog.Logger
	onErr  ErrorHandler

	mu     sync.Mutex
	active map[string]context.CancelFunc
	again  map[string]bool
	closed bool
}

func New(parent context.Context, log *slog.Logger, onErr ErrorHandler) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		onErr:  onErr,
		active: make(map[string]context.CancelFunc),
		again:  make(map[string]bool),
	}
}

// Go starts fn under key unless a task with that key is already running.
// It reports whether a new task was started.
func (s *Supervisor) Go(key string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, running := s.active[key]; running {
		return false
	}
	s.startLocked(key, fn)
	return true
}

// Ensure starts fn under key like Go. When a task with that key is already
// running it is marked to run fn once more after it returns, so a request
// made while the task is deciding to exit is never lost. It reports whether
// a new task was started.
func (s *Supervisor) Ensure(key string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, running := s.active[key]; running {
		s.again[key] = true
		return false
	}
	s.startLocked(key, fn)
	return true
}

// startLocked must be called with s.mu held.
func (s *Supervisor) startLocked(key string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.active[key] = cancel

	s.group.Go(func() error {
		defer cancel()
		for {
			s.report(ctx, key, s.run(ctx, key, fn))
			if !s.finish(ctx, key) {
				continue
			}
			// Failures are reported above; the group only tracks completion.
			return nil
		}
	})
}

// finish releases key unless another run was requested while the task was
// running. The decision and the release happen under one lock.
func (s *Supervisor) finish(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	again := s.again[key]
	delete(s.again, key)
	if again && ctx.Err() == nil && !s.closed {
		return false
	}
	delete(s.active, key)
	return true
}

func (s *Supervisor) report(ctx context.Context, key string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		s.log.Debug("task cancelled", "task", key)
	default:
		s.log.Warn("task failed", "task", key, "error", err)
		if s.onErr != nil {
			s.onErr(key, err)
		}
	}
}

func (s *Supervisor) run(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", "task", key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", key, r)
		}
	}()
	return fn(ctx)
}

// Cancel stops the task running under key, if any.
func (s *Supervisor) Cancel(key string) bool {
	s.mu.Lock()
	cancel, ok := s.active[key]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Supervisor) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key]
	return ok
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown refuses new tasks, cancels running ones and waits for them to
// return or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d tasks: %w", s.Len(), ctx.Err())
	}
}
