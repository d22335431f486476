// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// level is shared by every logger created by New so that the level can be
// changed at runtime
var level slog.LevelVar

// New creates a logger writing to w. format is text or json; any other value
// panics since the configuration has already been validated.
func New(lvl, format string, w io.Writer) *slog.Logger {
	level.Set(parseLogLevel(lvl))
	return slog.New(handlerForFormat(format, w))
}

// LogLevel returns the current level of the loggers created by New
func LogLevel() slog.Level {
	return level.Level()
}

// SetLevel changes the level of every logger created by New
func SetLevel(lvl string) {
	level.Set(parseLogLevel(lvl))
}

func handlerForFormat(format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     &level,
		AddSource: true,
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)

	case "text":
		opts.ReplaceAttr = shortenSource
		return slog.NewTextHandler(w, opts)

	default:
		panic(fmt.Sprintf("invalid format: %s", format))
	}
}

// shortenSource keeps the last two directories and the file name of the
// source attribute
func shortenSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}

	parts := strings.Split(filepath.ToSlash(src.File), "/")
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	src.File = filepath.Join(parts...)
	return a
}

func parseLogLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
