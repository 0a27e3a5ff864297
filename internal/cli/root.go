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

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ovis-hpc/ldmsd/internal/client"
)

// Exit codes shared by ldmsd and ldmsctl.
const (
	ExitSuccess       = 0
	ExitCommandFailed = 1
	ExitConnectFailed = 2
	ExitUsage         = 64 // EX_USAGE from sysexits.h
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error

	// Reported is set when the failure has already been printed.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewCommandError reports a command the daemon rejected. Its reply has
// already been printed.
func NewCommandError(cause error) *ExitError {
	return &ExitError{Code: ExitCommandFailed, Cause: cause, Reported: true}
}

// NewConnectError reports a failure to reach the daemon.
func NewConnectError(cause error) *ExitError {
	return &ExitError{Code: ExitConnectFailed, Cause: cause}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandFailed
}

// WriteError prints err to w, with guidance when the daemon could not be
// reached. A failure that was already reported prints nothing.
func WriteError(w io.Writer, prog string, err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Reported {
		return
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintf(w, "%s: %s\n", prog, msg)
	}
	var dnr *client.DaemonNotRunningError
	if errors.As(err, &dnr) {
		fmt.Fprintf(w, "\n%s\n", dnr.Guidance())
	}
}

// HandleExitError prints err and exits with its code.
func HandleExitError(prog string, err error) {
	if err == nil {
		return
	}
	WriteError(os.Stderr, prog, err)
	os.Exit(ExitCode(err))
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// normalizeFlagName accepts underscores in flag names, so --secret_file
// and --secret-file are the same flag.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}
