// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// package logging contains utility functions to set up logging for tache components.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// Flag is the flag name for setting the logging level.
	Flag = "log-level"
	// FlagShorthand is the shorthand flag name for setting the logging level.
	FlagShorthand = "l"
	// DefaultFlagValue is the default value for the log level flag.
	DefaultFlagValue = "info"
	// FlagInfo is the info string for the log level flag.
	FlagInfo = "set logging level (debug, info, warn, error, or a number)"

	// levelStep is the distance between two adjacent named slog levels.
	levelStep = slog.LevelInfo - slog.LevelDebug
)

// Options configures a logger created by [NewLogger].
type Options struct {
	// Level is the base level, usually parsed from the log level flag.
	Level string
	// Verbosity lowers the base level by one step per increment.
	// From a verbosity of two on, records carry their source location.
	Verbosity int
	// WithoutTime drops the timestamp from every record.
	WithoutTime bool
	// Component is attached to every record as "component" attribute if not empty.
	Component string
	// File additionally writes records to a rotated log file if not empty.
	File string
	// Output defaults to [os.Stderr].
	Output io.Writer
}

// NewLogger returns a new [*slog.Logger] configured by opts.
// The logger uses the JSON format.
func NewLogger(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.File != "" {
		out = io.MultiWriter(newRotatingWriter(opts.File), out)
	}

	handlerOpts := &slog.HandlerOptions{
		AddSource: opts.Verbosity >= 2,
		Level:     LevelFromVerbosity(LevelFromString(opts.Level, slog.LevelInfo), opts.Verbosity),
	}
	if opts.WithoutTime {
		handlerOpts.ReplaceAttr = dropTime
	}

	log := slog.New(slog.NewJSONHandler(out, handlerOpts))
	if opts.Component != "" {
		log = log.With("component", opts.Component)
	}
	return log
}

// LevelFromString converts a string to a [slog.Level].
// If the given string cannot be translated to a [slog.Level], or is not a number,
// the given fallback is used instead.
//
// This is a low level function
// Unless setting up the logger manually is required, use [NewLogger] instead.
func LevelFromString(s string, fallback slog.Level) slog.Level {
	var level slog.Level
	switch strings.ToLower(s) {
	case "debug":
		level = slog.LevelDebug
	case "":
		fallthrough
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		numericLevel, err := strconv.Atoi(s)
		if err != nil {
			numericLevel = int(fallback)
		}
		level = slog.Level(numericLevel)
	}

	return level
}

// LevelFromVerbosity lowers base by one named level per verbosity increment.
// Negative verbosity is treated as zero.
func LevelFromVerbosity(base slog.Level, verbosity int) slog.Level {
	if verbosity <= 0 {
		return base
	}
	return base - slog.Level(verbosity)*levelStep
}

// NewLogWrapper wraps the given [*slog.Logger] in a [*log.Logger].
// All messages written to the returned [*log.Logger] will be written to the error level of the given [*slog.Logger].
func NewLogWrapper(slogger *slog.Logger) *log.Logger {
	return log.New(loggerWrapper{slogger}, "", 0)
}

// loggerWrapper implements [io.Writer] by writing any data to the error level of the embedded slog logger.
type loggerWrapper struct {
	*slog.Logger
}

// Write implements the [io.Writer] interface by writing the given data to the error level of the embedded slog logger.
func (l loggerWrapper) Write(p []byte) (n int, err error) {
	l.Error(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func newRotatingWriter(filename string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,   // megabytes
		MaxBackups: 2,     // once maxSize is reached, the (backup)file is renamed with a timestamp and a new file is created
		MaxAge:     14,    // days
		Compress:   false, // compress old files
		LocalTime:  false,
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		return slog.Attr{}
	}
	return a
}
