// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// package constants defines constants such as default addresses and timeouts used by tache.
package constants

import "time"

var version = "0.0.0-dev"

// Version is the version string embedded into binaries.
func Version() string { return version }

const (
	// LocalComponent is the component tag attached to log records of the local client.
	LocalComponent = "tache-local"

	// DefaultLocalAddress is the address the local client listens on if none is configured.
	DefaultLocalAddress = "127.0.0.1"
	// DefaultLocalPort is the port the local client listens on if none is configured.
	DefaultLocalPort = 1080
	// DefaultTimeoutSeconds is the default idle and dial timeout for relayed connections.
	DefaultTimeoutSeconds = 300
	// DefaultDialAttempts is how often the local client tries to reach the server for a single connection.
	DefaultDialAttempts = 3

	// DefaultShutdownTimeout bounds how long the supervisor waits for running tasks after requesting their termination.
	DefaultShutdownTimeout = 3 * time.Second

	// MetricsNamespace is the Prometheus namespace of all metrics exported by tache.
	MetricsNamespace = "tache"
	// MetricsPath is the HTTP path the metrics endpoint is served on.
	MetricsPath = "/metrics"

	// ConfigPathEnv is the environment variable that can point to a configuration file
	// if no --config flag is given.
	ConfigPathEnv = "TACHE_CONFIG"
)
