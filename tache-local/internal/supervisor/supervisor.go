// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package supervisor runs a single proxy session until it fails or the operator asks it to stop.
//
// The Supervisor spawns the proxy service and a shutdown monitor as two tasks
// of an [Environment] and waits for whichever finishes first:
//
//	service returned an error  -> Launch returns that error
//	monitor returned           -> Launch returns nil
//	service returned nil       -> the process aborts, the service must run forever
//
// The environment is shut down on every path before Launch returns, which
// cancels the task that lost the race.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/edgelesssys/tache/internal/config"
	"github.com/edgelesssys/tache/internal/constants"
)

// ErrAlreadyLaunched is returned if Launch is called more than once on the same Supervisor.
var ErrAlreadyLaunched = errors.New("supervisor already launched")

// Service is the long-running proxy operation.
// Run must only return on failure and must release its resources once ctx is done.
type Service interface {
	Run(ctx context.Context, cfg *config.Config) error
}

// ServiceFunc adapts a function to [Service].
type ServiceFunc func(ctx context.Context, cfg *config.Config) error

// Run calls f.
func (f ServiceFunc) Run(ctx context.Context, cfg *config.Config) error { return f(ctx, cfg) }

// Monitor reports a termination request by returning from Watch.
// Watch also returns once ctx is done.
type Monitor interface {
	Watch(ctx context.Context)
}

// MonitorFunc adapts a function to [Monitor].
type MonitorFunc func(ctx context.Context)

// Watch calls f.
func (f MonitorFunc) Watch(ctx context.Context) { f(ctx) }

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithShutdownTimeout bounds how long the supervisor waits for tasks to stop during teardown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.shutdownTimeout = d }
}

// WithAbort replaces how the process is aborted.
// This option exists for unit testing only.
func WithAbort(abort func(msg string)) Option {
	return func(s *Supervisor) { s.abort = abort }
}

// Supervisor launches a proxy service and translates its fate into a result.
type Supervisor struct {
	service         Service
	monitor         Monitor
	log             *slog.Logger
	shutdownTimeout time.Duration
	abort           func(msg string)
	launched        atomic.Bool
}

// New sets up a new Supervisor.
func New(service Service, monitor Monitor, log *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		service:         service,
		monitor:         monitor,
		log:             log,
		shutdownTimeout: constants.DefaultShutdownTimeout,
		abort:           func(msg string) { panic(msg) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Launch runs the service with cfg until it fails or the monitor reports a termination request.
// It returns the service's error unmodified, or nil on a requested shutdown.
// Should the service return without an error, Launch aborts the process.
// No task of the session is running anymore once Launch returns.
func (s *Supervisor) Launch(ctx context.Context, cfg *config.Config) error {
	if !s.launched.CompareAndSwap(false, true) {
		return ErrAlreadyLaunched
	}

	env, err := NewEnvironment(ctx, EnvironmentOptions{
		ShutdownTimeout: s.shutdownTimeout,
		Log:             s.log,
	})
	if err != nil {
		s.abort(fmt.Sprintf("creating task environment: %s", err))
		return err
	}
	// Covers a panic unwinding through Launch. ShutdownNow is idempotent.
	defer func() { _ = env.ShutdownNow() }()

	service := env.Spawn("service", func(ctx context.Context) error {
		return s.service.Run(ctx, cfg)
	})
	monitor := env.Spawn("shutdown-monitor", func(ctx context.Context) error {
		s.monitor.Watch(ctx)
		return nil
	})
	s.log.Debug("Supervisor running", "tasks", env.Running())

	result := race(service, monitor)
	if r, ok := result.(serviceFinished); ok && ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
		// The service only stopped because the parent context ended.
		result = shutdownRequested{}
	}
	s.teardown(env)

	switch r := result.(type) {
	case serviceFinished:
		if r.err == nil {
			s.abort("service exited unexpectedly")
			return errors.New("service exited unexpectedly")
		}
		return r.err
	case shutdownRequested:
		s.log.Info("Shutdown requested, service stopped")
		return nil
	default:
		panic(fmt.Sprintf("unknown race result %T", result))
	}
}

// teardown shuts the environment down. Failures are logged only, the process is exiting anyway.
func (s *Supervisor) teardown(env *Environment) {
	if err := env.ShutdownNow(); err != nil {
		s.log.Error("Shutting down task environment", "error", err)
		return
	}
	s.log.Debug("Task environment shut down")
}
