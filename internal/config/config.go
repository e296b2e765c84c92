// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package config resolves and validates the configuration of the tache local client.
//
// A configuration is either read from a JSON file or created from built-in
// defaults. Settings given on the command line override file values before
// the configuration is validated.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/edgelesssys/tache/internal/constants"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
)

// Config is the configuration of the local client.
type Config struct {
	// Server is the host name or IP of the remote tache server.
	Server string `json:"server" validate:"required,hostname_rfc1123|ip"`
	// ServerPort is the port of the remote tache server.
	ServerPort int `json:"server_port" validate:"required,min=1,max=65535"`
	// LocalAddress is the host name or IP the local client listens on.
	LocalAddress string `json:"local_address" validate:"required,hostname_rfc1123|ip"`
	// LocalPort is the port the local client listens on. 0 picks a free port.
	LocalPort int `json:"local_port" validate:"min=0,max=65535"`
	// TimeoutSeconds is the idle and dial timeout of a relayed connection.
	TimeoutSeconds int `json:"timeout" validate:"min=1,max=86400"`
	// DialAttempts is how often the server is dialed for a single connection.
	DialAttempts uint `json:"dial_attempts" validate:"min=1,max=100"`
	// ServerTLS enables TLS for connections to the server.
	ServerTLS bool `json:"server_tls"`
	// ServerName overrides the name used to verify the server certificate.
	ServerName string `json:"server_name,omitempty" validate:"omitempty,hostname_rfc1123"`
	// MetricsAddress enables a Prometheus endpoint on the given host:port if not empty.
	MetricsAddress string `json:"metrics_address,omitempty" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used if no configuration file is given.
// It has no server set and does not pass [Config.Validate] on its own.
func Default() *Config {
	return &Config{
		LocalAddress:   constants.DefaultLocalAddress,
		LocalPort:      constants.DefaultLocalPort,
		TimeoutSeconds: constants.DefaultTimeoutSeconds,
		DialAttempts:   constants.DefaultDialAttempts,
	}
}

// Resolve loads the configuration file at path, or returns [Default] if path is empty.
func Resolve(fs afero.Fs, path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(fs, path)
}

// Load reads a JSON configuration file. Fields missing in the file keep their default value.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %q: %w", path, err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration file %q: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing configuration file %q: unexpected data after the configuration object", path)
	}
	return cfg, nil
}

// ApplyOverrides replaces the server and local endpoints with the given host:port pairs.
// Empty values leave the configuration unchanged.
func (c *Config) ApplyOverrides(serverAddr, localAddr string) error {
	if serverAddr != "" {
		host, port, err := splitHostPort(serverAddr)
		if err != nil {
			return fmt.Errorf("server address %q: %w", serverAddr, err)
		}
		c.Server, c.ServerPort = host, port
	}
	if localAddr != "" {
		host, port, err := splitHostPort(localAddr)
		if err != nil {
			return fmt.Errorf("local address %q: %w", localAddr, err)
		}
		c.LocalAddress, c.LocalPort = host, port
	}
	return nil
}

// Validate checks that the configuration can be used to start the local client.
// The returned error lists every invalid field.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validating configuration: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// ServerAddr returns the host:port of the remote server.
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.ServerPort))
}

// LocalAddr returns the host:port the local client listens on.
func (c *Config) LocalAddr() string {
	return net.JoinHostPort(c.LocalAddress, strconv.Itoa(c.LocalPort))
}

// Timeout returns the idle and dial timeout of a relayed connection.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be of the form host:port, got %q", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s is not a valid host name or IP, got %q", fe.Field(), fe.Value())
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
