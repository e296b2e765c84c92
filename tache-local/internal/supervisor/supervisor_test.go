// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgelesssys/tache/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const abortEnv = "TACHE_SUPERVISOR_TEST_ABORT"

func TestLaunch(t *testing.T) {
	errBind := errors.New("bind address in use")

	testCases := map[string]struct {
		service       func(ctx context.Context) error
		monitor       func(ctx context.Context)
		cancelParent  time.Duration
		wantErr       error
		wantAbortMsgs int
	}{
		"shutdown requested after 50ms": {
			service: blockUntilDone,
			monitor: fireAfter(50 * time.Millisecond),
		},
		"service fails immediately": {
			service: func(context.Context) error { return errBind },
			monitor: neverFire,
			wantErr: errBind,
		},
		"service fails while running": {
			service: func(ctx context.Context) error {
				select {
				case <-time.After(30 * time.Millisecond):
					return errBind
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			monitor: neverFire,
			wantErr: errBind,
		},
		"parent context cancelled": {
			service:      blockUntilDone,
			monitor:      neverFire,
			cancelParent: 20 * time.Millisecond,
		},
		"service exits without error": {
			service:       func(context.Context) error { return nil },
			monitor:       neverFire,
			wantAbortMsgs: 1,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			var running atomic.Int32
			service := ServiceFunc(func(ctx context.Context, _ *config.Config) error {
				running.Add(1)
				defer running.Add(-1)
				return tc.service(ctx)
			})
			monitor := MonitorFunc(func(ctx context.Context) {
				running.Add(1)
				defer running.Add(-1)
				tc.monitor(ctx)
			})

			var aborts []string
			sut := New(service, monitor, slog.New(slog.DiscardHandler),
				WithShutdownTimeout(time.Second),
				WithAbort(func(msg string) { aborts = append(aborts, msg) }),
			)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tc.cancelParent > 0 {
				time.AfterFunc(tc.cancelParent, cancel)
			}

			start := time.Now()
			err := sut.Launch(ctx, config.Default())
			assert.Less(time.Since(start), time.Second)
			assert.Zero(running.Load(), "tasks still running after Launch returned")
			assert.Len(aborts, tc.wantAbortMsgs)

			switch {
			case tc.wantAbortMsgs > 0:
				assert.Error(err)
			case tc.wantErr != nil:
				// The service error is handed through as is.
				assert.Same(tc.wantErr, err)
			default:
				assert.NoError(err)
			}
		})
	}
}

func TestLaunchTeardownIsBounded(t *testing.T) {
	assert := assert.New(t)

	release := make(chan struct{})
	stopped := make(chan struct{})
	defer func() {
		close(release)
		<-stopped
	}()
	service := ServiceFunc(func(context.Context, *config.Config) error {
		defer close(stopped)
		<-release
		return errors.New("released")
	})

	sut := New(service, MonitorFunc(fireAfter(10*time.Millisecond)), slog.New(slog.DiscardHandler),
		WithShutdownTimeout(50*time.Millisecond),
	)

	start := time.Now()
	assert.NoError(sut.Launch(context.Background(), config.Default()))
	assert.Less(time.Since(start), time.Second)
}

func TestLaunchTwice(t *testing.T) {
	sut := New(ServiceFunc(func(ctx context.Context, _ *config.Config) error { return blockUntilDone(ctx) }),
		MonitorFunc(fireAfter(0)), slog.New(slog.DiscardHandler))

	require.NoError(t, sut.Launch(context.Background(), config.Default()))
	assert.ErrorIs(t, sut.Launch(context.Background(), config.Default()), ErrAlreadyLaunched)
}

func TestLaunchAbortsOnInvalidEnvironment(t *testing.T) {
	var aborts []string
	sut := New(ServiceFunc(func(ctx context.Context, _ *config.Config) error { return blockUntilDone(ctx) }),
		MonitorFunc(neverFire), slog.New(slog.DiscardHandler),
		WithShutdownTimeout(0),
		WithAbort(func(msg string) { aborts = append(aborts, msg) }),
	)

	err := sut.Launch(context.Background(), config.Default())
	assert.Error(t, err)
	require.Len(t, aborts, 1)
	assert.Contains(t, aborts[0], "creating task environment")
}

// TestLaunchAbortsProcess checks that a service returning without an error takes
// the process down instead of letting Launch return. The test re-executes itself
// in a child process and inspects its exit status.
func TestLaunchAbortsProcess(t *testing.T) {
	if os.Getenv(abortEnv) == "1" {
		service := ServiceFunc(func(context.Context, *config.Config) error { return nil })
		sut := New(service, MonitorFunc(neverFire), slog.New(slog.DiscardHandler))
		_ = sut.Launch(context.Background(), config.Default())
		os.Exit(0) // not reached
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestLaunchAbortsProcess$")
	cmd.Env = append(os.Environ(), abortEnv+"=1")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "child exited cleanly: %s", out)
	assert.NotZero(t, exitErr.ExitCode())
	assert.Contains(t, string(out), "service exited unexpectedly")
}

func fireAfter(d time.Duration) func(ctx context.Context) {
	return func(ctx context.Context) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
}

func neverFire(ctx context.Context) {
	<-ctx.Done()
}
