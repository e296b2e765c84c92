// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package relay implements the local client service: it accepts local TCP connections and relays them to the tache server.
package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/edgelesssys/tache/internal/config"
	"github.com/edgelesssys/tache/internal/constants"
	"github.com/edgelesssys/tache/internal/logging"
	"github.com/edgelesssys/tache/internal/process"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryDelay = 200 * time.Millisecond
	maxAcceptDelay    = time.Second
)

// Relay forwards local connections to the server.
type Relay struct {
	log        *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics
	retryDelay time.Duration
	rootCAs    *x509.CertPool // nil uses the system pool

	// notifyListen is called with the name and address of every listener once it is bound.
	notifyListen func(name string, addr net.Addr)
}

// New sets up a new Relay that registers its metrics with reg.
func New(log *slog.Logger, reg *prometheus.Registry) *Relay {
	return &Relay{
		log:          log,
		registry:     reg,
		metrics:      newMetrics(reg),
		retryDelay:   defaultRetryDelay,
		notifyListen: func(string, net.Addr) {},
	}
}

// Run relays connections until ctx is done or a listener fails.
// It never returns nil: on cancellation it closes all connections and returns the context's error.
func (r *Relay) Run(ctx context.Context, cfg *config.Config) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", cfg.LocalAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.LocalAddr(), err)
	}
	r.log.Info("Accepting local connections", "address", lis.Addr().String(), "server", cfg.ServerAddr())
	r.notifyListen("local", lis.Addr())

	var metricsLis net.Listener
	if cfg.MetricsAddress != "" {
		metricsLis, err = lc.Listen(ctx, "tcp", cfg.MetricsAddress)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("listening for metrics on %s: %w", cfg.MetricsAddress, err)
		}
		r.notifyListen("metrics", metricsLis.Addr())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.serve(ctx, lis, cfg)
	})
	if metricsLis != nil {
		g.Go(func() error {
			if err := r.serveMetrics(ctx, metricsLis); err != nil {
				return fmt.Errorf("serving metrics: %w", err)
			}
			return ctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Relay) serveMetrics(ctx context.Context, lis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(constants.MetricsPath, promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorLog: logging.NewLogWrapper(r.log),
	}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logging.NewLogWrapper(r.log),
	}
	return process.HTTPServeContext(ctx, server, lis, r.log.With("component", "metrics"))
}

// serve accepts connections until ctx is done. It returns once all connections are closed.
func (r *Relay) serve(ctx context.Context, lis net.Listener, cfg *config.Config) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// Connections are closed by cancelling ctx, also when accepting fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer lis.Close()
	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()

	var tempDelay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() { //nolint:staticcheck // accept errors like EMFILE are still only reported this way
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, maxAcceptDelay)
				r.log.Warn("Accepting connection", "error", err, "retryIn", tempDelay)
				select {
				case <-time.After(tempDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			return fmt.Errorf("accepting connections: %w", err)
		}
		tempDelay = 0

		wg.Go(func() {
			r.handle(ctx, conn, cfg)
		})
	}
}

func (r *Relay) handle(ctx context.Context, conn net.Conn, cfg *config.Config) {
	log := r.log.With("conn", uuid.NewString(), "client", conn.RemoteAddr().String())
	r.metrics.connections.Inc()
	r.metrics.active.Inc()
	defer r.metrics.active.Dec()

	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log.Debug("Accepted connection")
	upstream, err := r.dial(ctx, cfg, log)
	if err != nil {
		if ctx.Err() == nil {
			r.metrics.dialFailures.Inc()
			log.Warn("Dropping connection, server unreachable", "server", cfg.ServerAddr(), "error", err)
		}
		return
	}
	defer upstream.Close()
	stopUpstream := context.AfterFunc(ctx, func() { _ = upstream.Close() })
	defer stopUpstream()

	up, down := r.pipe(conn, upstream, cfg.Timeout())
	log.Debug("Closed connection", "sent", up, "received", down)
}

// dial connects to the server, retrying failed attempts.
func (r *Relay) dial(ctx context.Context, cfg *config.Config, log *slog.Logger) (net.Conn, error) {
	var conn net.Conn
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(cfg.DialAttempts),
		retry.Delay(r.retryDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Debug("Dialing server failed, retrying", "attempt", n+1, "error", err)
		}),
	).Do(func() error {
		c, err := r.dialOnce(ctx, cfg)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.ServerAddr(), err)
	}
	return conn, nil
}

func (r *Relay) dialOnce(ctx context.Context, cfg *config.Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.ServerAddr())
	if err != nil {
		return nil, err
	}
	if !cfg.ServerTLS {
		return conn, nil
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName = cfg.Server
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: serverName,
		RootCAs:    r.rootCAs,
		MinVersion: tls.VersionTLS12,
	})
	hsCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = conn.Close()
		err = fmt.Errorf("TLS handshake: %w", err)
		var certErr *tls.CertificateVerificationError
		if errors.As(err, &certErr) {
			// another attempt presents the same certificate
			return nil, retry.Unrecoverable(err)
		}
		return nil, err
	}
	return tlsConn, nil
}

// pipe copies between client and upstream until both directions are done or the connection was idle for longer than timeout.
// The end of one direction is passed on as a half-close so the peer can still answer.
// It returns the number of bytes sent to and received from upstream.
func (r *Relay) pipe(client, upstream net.Conn, timeout time.Duration) (sent, received int64) {
	act := &activity{}
	act.touch()

	closeAll := func() {
		_ = client.Close()
		_ = upstream.Close()
	}
	defer closeAll()

	var g errgroup.Group
	g.Go(func() error {
		var err error
		sent, err = r.copy(idleConn{upstream, timeout, act}, idleConn{client, timeout, act}, directionUpstream)
		if err != nil || closeWrite(upstream) != nil {
			closeAll()
		}
		return nil
	})
	g.Go(func() error {
		var err error
		received, err = r.copy(idleConn{client, timeout, act}, idleConn{upstream, timeout, act}, directionDownstream)
		if err != nil || closeWrite(client) != nil {
			closeAll()
		}
		return nil
	})
	_ = g.Wait()
	return sent, received
}

// copy returns a nil error if src reached EOF.
func (r *Relay) copy(dst io.Writer, src io.Reader, direction string) (int64, error) {
	n, err := io.Copy(dst, src)
	r.metrics.relayedBytes.WithLabelValues(direction).Add(float64(n))
	return n, err
}

// closeWrite shuts down the writing side of conn. Connections without half-close support are closed.
func closeWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return conn.Close()
}

// activity records when data last passed in either direction of a relayed connection.
type activity struct {
	last atomic.Int64
}

func (a *activity) touch() { a.last.Store(time.Now().UnixNano()) }

func (a *activity) idle() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}

// idleConn fails reads once neither direction of a relayed connection moved data for timeout.
type idleConn struct {
	net.Conn
	timeout time.Duration
	act     *activity
}

func (c idleConn) Read(p []byte) (int, error) {
	for {
		if err := c.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
		n, err := c.Conn.Read(p)
		if n > 0 {
			c.act.touch()
		}
		var ne net.Error
		if n == 0 && errors.As(err, &ne) && ne.Timeout() && c.act.idle() < c.timeout {
			// the other direction is still busy
			continue
		}
		return n, err
	}
}

func (c idleConn) Write(p []byte) (int, error) {
	if err := c.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.act.touch()
	}
	return n, err
}
