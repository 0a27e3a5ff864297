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

package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ValidationError represents a malformed request or a bad option value.
// Use this for invalid attribute values, missing required attributes,
// or constraint violations in configuration lines.
type ValidationError struct {
	// Field identifies which attribute or option failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a lookup of a named object that does not exist.
// It classifies as ENOENT.
type NotFoundError struct {
	// Resource is the type of object (e.g., "producer", "updater", "storage policy")
	Resource string

	// ID is the name that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("The %s '%s' does not exist.", e.Resource, e.ID)
}

// Is lets errors.Is(err, unix.ENOENT) match.
func (e *NotFoundError) Is(target error) bool {
	return target == unix.ENOENT
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "tcp.port", "socket.dir")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// LineError reports the first failing line of a configuration file.
type LineError struct {
	// Path is the file being processed
	Path string

	// Line is the 1-based physical line number the failing statement ended on
	Line int

	// Text is the statement as dispatched, after comment stripping and joining
	Text string

	// Cause is the dispatch error
	Cause error
}

// Error implements the error interface.
func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *LineError) Unwrap() error {
	return e.Cause
}
