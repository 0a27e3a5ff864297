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

package dispatch

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

func (d *Dispatcher) registerDaemonHandlers() {
	d.handlers.Register(request.IDGreeting, d.handleGreeting)
	d.handlers.Register(request.IDExit, d.handleExit)
	d.handlers.Register(request.IDInclude, d.handleInclude)
	d.handlers.Register(request.IDEnv, d.handleEnv)
	d.handlers.Register(request.IDLogRotate, d.handleLogRotate)
	d.handlers.Register(request.IDLogLevel, d.handleLogLevel)
	d.handlers.Register(request.IDVersion, d.handleVersion)
	d.handlers.Register(request.IDDaemonInfo, d.handleInfo)
}

func (d *Dispatcher) handleGreeting(_ context.Context, reqc *request.Context, req *request.Request) error {
	if name := req.Value(request.AttrName); name != "" {
		reqc.Reply.Printf("Hello '%s'", name)
		return nil
	}
	reqc.Reply.Printf("Hello")
	return nil
}

// handleExit only marks the daemon as exiting. Dispatch fires the exit
// callback once the reply has been sent.
func (d *Dispatcher) handleExit(_ context.Context, reqc *request.Context, _ *request.Request) error {
	d.exiting.Store(true)
	d.logger.Info("User requested exit.")
	reqc.Reply.Printf("cleanup request received.\n")
	return nil
}

func (d *Dispatcher) handleInclude(ctx context.Context, reqc *request.Context, req *request.Request) error {
	path := req.Value(request.AttrPath)
	if path == "" {
		if s := req.Strings(); len(s) > 0 {
			path = s[0]
		}
	}
	if path == "" {
		return ldmsderrors.Status(unix.EINVAL, "The attribute 'path' is required.")
	}

	line, err := d.ProcessFile(ctx, path)
	if err != nil {
		var lerr *ldmsderrors.LineError
		if ldmsderrors.As(err, &lerr) {
			reqc.Reply.Printf("Problem in line %d of '%s': %v", line, path, lerr.Cause)
		}
		return err
	}
	return nil
}

// handleEnv applies NAME=VALUE pairs in order. Pairs before a failing
// one stay applied.
func (d *Dispatcher) handleEnv(_ context.Context, _ *request.Context, req *request.Request) error {
	for _, tok := range strings.Fields(strings.Join(req.Strings(), " ")) {
		name, value, ok := strings.Cut(tok, "=")
		if !ok || name == "" {
			return ldmsderrors.Status(unix.EINVAL, "Invalid environment assignment '%s'.", tok)
		}
		if err := os.Setenv(name, value); err != nil {
			return ldmsderrors.WrapStatus(err, unix.EINVAL, "Failed to set '%s': %v", name, err)
		}
	}
	return nil
}

func (d *Dispatcher) handleLogRotate(_ context.Context, reqc *request.Context, _ *request.Request) error {
	if d.logFile == nil {
		return ldmsderrors.Status(unix.EINVAL, "Failed to rotate the log file. The daemon is not logging to a file.")
	}
	old, err := d.logFile.Rotate()
	if err != nil {
		reqc.Reply.Printf("Failed to rotate the log file")
		return ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "Failed to rotate the log file: %v", err)
	}
	d.logger.Info("log rotated", slog.String(internallog.PathKey, old))
	return nil
}

func (d *Dispatcher) handleLogLevel(_ context.Context, _ *request.Context, req *request.Request) error {
	level, err := required(req, request.AttrLevel)
	if err != nil {
		return err
	}
	if !internallog.ValidLevel(level) {
		return ldmsderrors.Status(unix.EINVAL, "Invalid verbosity level '%s'.", level)
	}
	if d.levelVar == nil {
		return ldmsderrors.Status(unix.ENOTSUP, "The log level cannot be changed.")
	}
	d.levelVar.Set(internallog.ParseLevel(level))
	return nil
}

func (d *Dispatcher) handleVersion(_ context.Context, reqc *request.Context, _ *request.Request) error {
	reqc.Reply.Printf("LDMSD Version: %s", d.version)
	return nil
}

func (d *Dispatcher) handleInfo(_ context.Context, reqc *request.Context, req *request.Request) error {
	name := req.Value(request.AttrName)
	if name != "" {
		return d.objects.WriteInfo(reqc.Reply, name)
	}

	reqc.Reply.Printf("%-16s %-8s %-8s %s\n", "Plugin", "Type", "Running", "Refs")
	reqc.Reply.Printf("%-16s %-8s %-8s %s\n", "----------------", "--------", "--------", "----")
	for _, h := range d.plugins.List() {
		reqc.Reply.Printf("%-16s %-8s %-8t %d\n", h.Name(), h.Plugin().Type(), h.Running(), h.Refs())
	}
	if isTrue(req.Value(request.AttrVerbose)) {
		reqc.Reply.Printf("\nOutstanding requests: %d\n", d.contexts.Len())
	}
	return d.objects.WriteInfo(reqc.Reply, "")
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "true", "t", "1", "yes", "y":
		return true
	}
	return false
}
