/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging contains logging utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Supported log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SetupLogging sets up logging for the application.
func SetupLogging(logLevel, logFormat string) *slog.Logger {
	log := NewLogger(logLevel, logFormat)
	slog.SetDefault(log)
	return log
}

// NewLogger returns a new logger with the given log level and format.
// If log level is empty or "silent" then the logger will be silent.
func NewLogger(logLevel, logFormat string) *slog.Logger {
	return NewLoggerTo(os.Stderr, logLevel, logFormat)
}

// NewLoggerTo is like NewLogger but writes to the given writer.
func NewLoggerTo(w io.Writer, logLevel, logFormat string) *slog.Logger {
	if logLevel == "" || strings.ToLower(logLevel) == "silent" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(logLevel)}
	switch strings.ToLower(logFormat) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts))
	case FormatText, "":
	default:
		slog.Default().Warn("Invalid log format specified, defaulting to text", "log-format", logFormat)
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel returns the slog level for the given name. Unknown names
// resolve to info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Default().Warn("Invalid log level specified, defaulting to info", "log-level", logLevel)
	}
	return slog.LevelInfo
}
