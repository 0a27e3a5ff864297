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

// Package dispatch routes decoded configuration requests to their
// handlers and replays configuration files through the same path.
//
// Requests arrive either from a control connection or from a config
// file. Both go through a request.Context taken from the shared store,
// so handlers never know where a request came from. A handler writes
// its reply text and returns an error; the reply status is the negated
// errno of that error and is passed to the client unchanged.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/cfgobj"
	"github.com/ovis-hpc/ldmsd/internal/controller/metrics"
	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// MaxIncludeDepth bounds nested include commands.
const MaxIncludeDepth = 16

// DefaultConfigBufLen bounds one physical config-file line.
const DefaultConfigBufLen = 8192

// Config wires a Dispatcher to the daemon's registries.
type Config struct {
	Logger   *slog.Logger
	Plugins  *plugin.Registry
	Objects  *cfgobj.Manager
	Contexts *request.Store

	// LevelVar is adjusted by the loglevel command.
	LevelVar *slog.LevelVar

	// LogFile is rotated by the logrotate command. Nil when logging to
	// a terminal.
	LogFile *internallog.RotatingFile

	Version string

	// ConfigBufLen bounds a config-file line. LDMSD_MAX_CONFIG_STR_LEN
	// overrides it at each file read.
	ConfigBufLen int

	// Exit is called once, after the reply to an exit command is sent.
	Exit func()
}

// Dispatcher maps request ids to handlers.
type Dispatcher struct {
	logger   *slog.Logger
	plugins  *plugin.Registry
	objects  *cfgobj.Manager
	contexts *request.Store
	levelVar *slog.LevelVar
	logFile  *internallog.RotatingFile
	version  string
	bufLen   int
	exit     func()

	handlers *Registry

	fileMsgNo atomic.Uint32
	exiting   atomic.Bool
	exitOnce  atomic.Bool
}

// New creates a dispatcher with every built-in handler registered.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	contexts := cfg.Contexts
	if contexts == nil {
		contexts = request.NewStore(0, 0, logger)
	}
	bufLen := cfg.ConfigBufLen
	if bufLen <= 0 {
		bufLen = DefaultConfigBufLen
	}
	d := &Dispatcher{
		logger:   internallog.WithComponent(logger, "dispatch"),
		plugins:  cfg.Plugins,
		objects:  cfg.Objects,
		contexts: contexts,
		levelVar: cfg.LevelVar,
		logFile:  cfg.LogFile,
		version:  cfg.Version,
		bufLen:   bufLen,
		exit:     cfg.Exit,
		handlers: NewRegistry(),
	}
	d.registerPluginHandlers()
	d.registerDaemonHandlers()
	d.registerObjectHandlers()
	return d
}

// Contexts returns the request context store.
func (d *Dispatcher) Contexts() *request.Store { return d.contexts }

// Handlers returns the handler registry.
func (d *Dispatcher) Handlers() *Registry { return d.handlers }

// ExitRequested reports whether an exit command has been processed.
func (d *Dispatcher) ExitRequested() bool { return d.exiting.Load() }

// Dispatch runs the handler for a fully assembled request, sends the
// reply through the context's responder and returns the status.
// The caller frees reqc.
func (d *Dispatcher) Dispatch(ctx context.Context, reqc *request.Context) int {
	id := request.ID(reqc.Header.Code)
	status := d.handle(ctx, reqc, id)

	metrics.RecordRequest(id.String(), status)
	internallog.Trace(d.logger, "request handled",
		slog.String(internallog.VerbKey, id.String()),
		slog.Int("status", status),
		slog.Any(internallog.MsgNoKey, reqc.Key.MsgNo))

	if err := reqc.Respond(ctx, status); err != nil {
		d.logger.Warn("failed to send reply",
			slog.String(internallog.VerbKey, id.String()),
			internallog.Error(err))
	}

	if id == request.IDExit && status == 0 {
		d.fireExit()
	}
	return status
}

func (d *Dispatcher) handle(ctx context.Context, reqc *request.Context, id request.ID) int {
	h, ok := d.handlers.Lookup(id)
	if !ok || !id.Supported() {
		reqc.Reply.Printf("The request is not supported.")
		return -int(unix.ENOSYS)
	}

	req, err := reqc.Request()
	if err != nil {
		reqc.Reply.Printf("Invalid request attributes: %v", err)
		return -int(unix.EINVAL)
	}

	err = h(ctx, reqc, req)
	if err != nil && reqc.Reply.Len() == 0 {
		reqc.Reply.Printf("%s", err.Error())
	}
	return ldmsderrors.Code(err)
}

func (d *Dispatcher) fireExit() {
	if d.exit != nil && d.exitOnce.CompareAndSwap(false, true) {
		d.exit()
	}
}

// encodeStatus classifies a line-encoding failure.
func encodeStatus(err error) unix.Errno {
	switch {
	case errors.Is(err, request.ErrNotSupported):
		return unix.ENOSYS
	case errors.Is(err, request.ErrInvalidAttr):
		return unix.EINVAL
	}
	return ldmsderrors.Errno(err)
}

// fileResult captures the reply of a request replayed from a file.
type fileResult struct {
	status int
	text   string
}

// ProcessLine dispatches one configuration statement as a file request
// and returns its status and reply text.
func (d *Dispatcher) ProcessLine(ctx context.Context, line string) (int, string) {
	key := request.Key{MsgNo: d.fileMsgNo.Add(1) - 1, ConnID: request.FileConn}
	reqc, err := d.contexts.Alloc(key)
	if err != nil {
		return -int(unix.ENOMEM), err.Error()
	}
	defer d.contexts.Free(reqc)

	id, err := request.EncodeLine(line, reqc.Req)
	if err != nil {
		status := -int(encodeStatus(err))
		metrics.RecordRequest(id.String(), status)
		return status, err.Error()
	}

	var res fileResult
	reqc.Header = request.Header{
		Marker: request.RecordMarker,
		Type:   request.TypeRequest,
		Flags:  request.FlagSOM | request.FlagEOM,
		MsgNo:  key.MsgNo,
		Code:   int32(id),
	}
	reqc.Peer = "config"
	reqc.Responder = request.ResponderFunc(func(_ context.Context, c *request.Context, status int) error {
		res = fileResult{status: status, text: c.Reply.String()}
		return nil
	})

	d.Dispatch(ctx, reqc)
	return res.status, res.text
}

type depthKey struct{}

func includeDepth(ctx context.Context) int {
	n, _ := ctx.Value(depthKey{}).(int)
	return n
}

func (d *Dispatcher) configBufLen() int {
	if env := os.Getenv("LDMSD_MAX_CONFIG_STR_LEN"); env != "" {
		if n, err := strconv.ParseInt(env, 0, 64); err == nil && n > 0 {
			return int(n)
		}
	}
	return d.bufLen
}

// ProcessFile replays a configuration file statement by statement. It
// stops at the first statement with a non-zero status and returns the
// 1-based line number that statement ended on. On success the returned
// line is the number of lines read.
func (d *Dispatcher) ProcessFile(ctx context.Context, path string) (int, error) {
	depth := includeDepth(ctx)
	if depth >= MaxIncludeDepth {
		return 0, ldmsderrors.Status(unix.ELOOP, "include nesting exceeds %d levels at '%s'", MaxIncludeDepth, path)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	f, err := os.Open(path)
	if err != nil {
		return 0, ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "Failed to open the config file '%s': %v", path, err)
	}
	defer f.Close()

	logger := d.logger.With(slog.String(internallog.PathKey, path))
	sc := request.NewLineScanner(f, d.configBufLen())
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return sc.Line(), err
		}
		stmt := sc.Statement()
		status, text := d.ProcessLine(ctx, stmt)
		if status == 0 {
			continue
		}
		logger.Error("Problem in line", slog.Int("line", sc.Line()), slog.String("text", stmt))
		cause := &ldmsderrors.StatusError{Errno: unix.Errno(-status), Message: text}
		if cause.Message == "" {
			cause.Message = unix.Errno(-status).Error()
		}
		return sc.Line(), &ldmsderrors.LineError{Path: path, Line: sc.Line(), Text: stmt, Cause: cause}
	}
	if err := sc.Err(); err != nil {
		return sc.Line() + 1, &ldmsderrors.LineError{
			Path:  path,
			Line:  sc.Line() + 1,
			Cause: ldmsderrors.WrapStatus(err, unix.EINVAL, "read failed: %v", err),
		}
	}
	return sc.Line(), nil
}

// required returns the value of attribute id or an EINVAL error naming it.
func required(req *request.Request, id request.AttrID) (string, error) {
	v, ok := req.Lookup(id)
	if !ok || v == "" {
		return "", ldmsderrors.Status(unix.EINVAL, "The attribute '%s' is required.", id)
	}
	return v, nil
}
