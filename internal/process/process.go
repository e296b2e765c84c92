// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package process defines utility functions used for running the main process of a Go binary.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
)

// SignalMonitor reports an operator's request to terminate the process.
type SignalMonitor struct {
	// Signals to watch. Defaults to [os.Interrupt].
	Signals []os.Signal
	// Out receives a notice once a signal was caught. Defaults to [os.Stdout].
	Out io.Writer
}

// Watch blocks until one of the monitored signals arrives or ctx is done.
// The signals aren't watched after the first occurrence, so a second signal
// terminates the program immediately.
func (m SignalMonitor) Watch(ctx context.Context) {
	signals := m.Signals
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt}
	}
	out := m.Out
	if out == nil {
		out = os.Stdout
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		_, _ = fmt.Fprintln(out, "\rSignal caught. Press ctrl+c again to terminate the program immediately.")
	case <-ctx.Done():
	}
}

// HTTPServeContext runs an [*http.Server] and takes care of shutting it down when the context is canceled.
// Should the server not define a [*tls.Config], the server will start without TLS.
// This function blocks until the server is shut down and returns an error if the server failed to shut down
// or run properly.
func HTTPServeContext(ctx context.Context, server *http.Server, listener net.Listener, log *slog.Logger) error {
	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if server.TLSConfig == nil {
			log.Info("Starting HTTP server without TLS", "endpoint", listener.Addr().String())
			serveErr <- server.Serve(listener)
		} else {
			log.Info("Starting HTTPS server", "endpoint", listener.Addr().String())
			serveErr <- server.ServeTLS(listener, "", "")
		}
	}()

	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			log.Info("Shutting down server")
			// ctx is already done, so Shutdown closes the listeners and returns without draining.
			if shutdownErr := server.Shutdown(ctx); shutdownErr != nil && !errors.Is(shutdownErr, ctx.Err()) {
				err = shutdownErr
			}
			_ = server.Close()
			<-serveErr
		case err = <-serveErr:
		}
	}()

	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
