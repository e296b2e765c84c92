// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	testCases := map[string]struct {
		in   string
		want slog.Level
	}{
		"empty":   {in: "", want: slog.LevelInfo},
		"debug":   {in: "debug", want: slog.LevelDebug},
		"upper":   {in: "WARN", want: slog.LevelWarn},
		"error":   {in: "error", want: slog.LevelError},
		"numeric": {in: "-8", want: slog.Level(-8)},
		"invalid": {in: "chatty", want: slog.LevelError},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, LevelFromString(tc.in, slog.LevelError))
		})
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	testCases := map[string]struct {
		verbosity int
		want      slog.Level
	}{
		"negative": {verbosity: -1, want: slog.LevelInfo},
		"zero":     {verbosity: 0, want: slog.LevelInfo},
		"one":      {verbosity: 1, want: slog.LevelDebug},
		"three":    {verbosity: 3, want: slog.LevelDebug - 8},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, LevelFromVerbosity(slog.LevelInfo, tc.verbosity))
		})
	}
}

func TestNewLogger(t *testing.T) {
	testCases := map[string]struct {
		opts        Options
		logDebug    bool
		wantRecord  bool
		wantTime    bool
		wantSource  bool
		wantCompTag string
	}{
		"info drops debug": {
			opts:     Options{Level: "info"},
			logDebug: true,
		},
		"verbosity enables debug": {
			opts:       Options{Level: "info", Verbosity: 1},
			logDebug:   true,
			wantRecord: true,
			wantTime:   true,
		},
		"double verbosity adds source": {
			opts:       Options{Verbosity: 2},
			logDebug:   true,
			wantRecord: true,
			wantTime:   true,
			wantSource: true,
		},
		"without time": {
			opts:       Options{WithoutTime: true},
			wantRecord: true,
		},
		"component tag": {
			opts:        Options{Component: "tache-local"},
			wantRecord:  true,
			wantTime:    true,
			wantCompTag: "tache-local",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			var buf bytes.Buffer
			tc.opts.Output = &buf
			log := NewLogger(tc.opts)
			if tc.logDebug {
				log.Debug("hello")
			} else {
				log.Info("hello")
			}

			if !tc.wantRecord {
				assert.Zero(buf.Len())
				return
			}

			var record map[string]any
			require.NoError(json.Unmarshal(buf.Bytes(), &record))
			assert.Equal("hello", record[slog.MessageKey])
			_, hasTime := record[slog.TimeKey]
			assert.Equal(tc.wantTime, hasTime)
			_, hasSource := record[slog.SourceKey]
			assert.Equal(tc.wantSource, hasSource)
			if tc.wantCompTag != "" {
				assert.Equal(tc.wantCompTag, record["component"])
			} else {
				assert.NotContains(record, "component")
			}
		})
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "tache.log")
	log := NewLogger(Options{File: path, Output: &buf})
	log.Info("to file")

	assert.Contains(t, buf.String(), "to file")
	require.FileExists(path)
}

func TestLogWrapper(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogWrapper(NewLogger(Options{Output: &buf}))
	log.Println("http: TLS handshake error")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ERROR", record[slog.LevelKey])
	assert.Equal(t, "http: TLS handshake error", record[slog.MessageKey])
}
