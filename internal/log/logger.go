// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Custom log levels extending slog's standard levels.
const (
	// LevelTrace is more verbose than Debug, used for wire-level tracing
	// of control records.
	LevelTrace = slog.Level(-8)

	// LevelCritical sits above Error for conditions that stop the daemon.
	LevelCritical = slog.Level(12)

	// LevelQuiet disables all output.
	LevelQuiet = slog.Level(100)
)

// Standard field keys for structured logging.
const (
	// ConnKey is the field key for control connection identifiers.
	ConnKey = "conn"
	// MsgNoKey is the field key for request message numbers.
	MsgNoKey = "msg_no"
	// PluginKey is the field key for plugin names.
	PluginKey = "plugin"
	// VerbKey is the field key for request verbs.
	VerbKey = "verb"
	// PathKey is the field key for file and socket paths.
	PathKey = "path"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error,
	// critical, quiet, all).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: text
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool

	// LevelVar, when set, receives the parsed level and is used by the
	// handler so the level can be changed at runtime.
	LevelVar *slog.LevelVar
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatText,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - LDMSD_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - LDMSD_LOG_LEVEL: log level (takes precedence over LOG_LEVEL)
//   - LOG_LEVEL: log level (default: info)
//   - LOG_FORMAT: json, text (default: text)
//   - LOG_SOURCE: 1 to enable source file/line (default: 0)
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("LDMSD_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("LDMSD_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var leveler slog.Leveler = ParseLevel(cfg.Level)
	if cfg.LevelVar != nil {
		cfg.LevelVar.Set(ParseLevel(cfg.Level))
		leveler = cfg.LevelVar
	}

	opts := &slog.HandlerOptions{
		Level:       leveler,
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceLevelNames,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, opts)
	case FormatText:
		fallthrough
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "all":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical", "crit":
		return LevelCritical
	case "quiet":
		return LevelQuiet
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether ParseLevel recognizes the name.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "all", "debug", "info", "warn", "warning", "error", "critical", "crit", "quiet":
		return true
	}
	return false
}

func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case level < slog.LevelDebug:
		a.Value = slog.StringValue("TRACE")
	case level >= LevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

// WithComponent returns a new logger with a component name field.
// Component names help identify which part of the system generated the log.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithConn returns a new logger tagged with a control connection id.
func WithConn(logger *slog.Logger, connID string) *slog.Logger {
	return logger.With(slog.String(ConnKey, connID))
}

// WithPlugin returns a new logger tagged with a plugin name.
func WithPlugin(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String(PluginKey, name))
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Trace logs a message at trace level with optional attributes.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(context.Background(), LevelTrace) {
		return
	}
	logger.LogAttrs(context.Background(), LevelTrace, msg, attrs...)
}

// Discard returns a logger that drops everything. Used by tests and by
// one-off plugin loads in usage listing.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelQuiet}))
}
