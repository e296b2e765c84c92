// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrShutdownTimeout is returned by [Environment.ShutdownNow] if tasks are still running after the shutdown timeout.
	ErrShutdownTimeout = errors.New("tasks did not stop within the shutdown timeout")
	// ErrEnvironmentClosed is the result of a task spawned after [Environment.ShutdownNow] was called.
	ErrEnvironmentClosed = errors.New("environment is shut down")
)

// EnvironmentOptions configure an [Environment].
type EnvironmentOptions struct {
	// ShutdownTimeout bounds how long ShutdownNow waits for running tasks. It must be positive.
	ShutdownTimeout time.Duration
	Log             *slog.Logger
}

// Environment runs tasks concurrently and tears them down as a unit.
// Tasks are stopped by cancelling the context they were spawned with; a task
// receives no other notice.
type Environment struct {
	ctx     context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	closed  bool
	running atomic.Int64

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewEnvironment creates an environment whose tasks run until parent is done or the environment is shut down.
func NewEnvironment(parent context.Context, opts EnvironmentOptions) (*Environment, error) {
	if opts.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("shutdown timeout must be positive, got %s", opts.ShutdownTimeout)
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(parent)
	return &Environment{
		ctx:     ctx,
		cancel:  cancel,
		timeout: opts.ShutdownTimeout,
		log:     log,
	}, nil
}

// Spawn runs fn as a new task. The context handed to fn is cancelled on shutdown.
func (e *Environment) Spawn(name string, fn func(ctx context.Context) error) *Task {
	t := newTask(name)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		t.finish(ErrEnvironmentClosed)
		return t
	}

	e.running.Add(1)
	e.group.Go(func() error {
		defer e.running.Add(-1)
		err := fn(e.ctx)
		e.log.Debug("Task finished", "task", name, "error", err)
		t.finish(err)
		return nil
	})
	return t
}

// Running returns the number of tasks that have not returned yet.
func (e *Environment) Running() int {
	return int(e.running.Load())
}

// ShutdownNow cancels all tasks and waits until they returned or the shutdown timeout elapsed.
// Calling it again returns the result of the first call without waiting.
func (e *Environment) ShutdownNow() error {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.cancel()

		done := make(chan struct{})
		go func() {
			_ = e.group.Wait()
			close(done)
		}()

		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			e.shutdownErr = fmt.Errorf("%d task(s) still running after %s: %w", e.Running(), e.timeout, ErrShutdownTimeout)
		}
	})
	return e.shutdownErr
}

// Task is a unit of work running in an [Environment].
type Task struct {
	name string
	done chan struct{}
	err  error
}

func newTask(name string) *Task {
	return &Task{name: name, done: make(chan struct{})}
}

// Name returns the name the task was spawned with.
func (t *Task) Name() string { return t.name }

// Done is closed once the task returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result. It must only be called after Done is closed.
func (t *Task) Err() error { return t.err }

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}
