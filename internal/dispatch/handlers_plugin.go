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
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

func (d *Dispatcher) registerPluginHandlers() {
	d.handlers.Register(request.IDPluginLoad, d.handleLoad)
	d.handlers.Register(request.IDPluginTerm, d.handleTerm)
	d.handlers.Register(request.IDPluginConfig, d.handleConfig)
	d.handlers.Register(request.IDPluginStart, d.handleStart)
	d.handlers.Register(request.IDPluginStop, d.handleStop)
	d.handlers.Register(request.IDPluginStatus, d.handlePluginStatus)
	d.handlers.Register(request.IDPluginUsage, d.handleUsage)
	d.handlers.Register(request.IDOneshot, d.handleOneshot)
}

// parseInterval accepts microseconds (the daemon's historical unit) or a
// Go duration string such as "1s".
func parseInterval(attr request.AttrID, s string) (time.Duration, error) {
	if us, err := strconv.ParseInt(s, 10, 64); err == nil {
		if us < 0 {
			return 0, ldmsderrors.Status(unix.EINVAL, "The %s '%s' is negative.", attr, s)
		}
		return time.Duration(us) * time.Microsecond, nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil || dur < 0 {
		return 0, ldmsderrors.Status(unix.EINVAL, "The %s '%s' is invalid.", attr, s)
	}
	return dur, nil
}

// optionalInterval parses attr when present and returns 0 otherwise.
func optionalInterval(req *request.Request, attr request.AttrID) (time.Duration, bool, error) {
	s, ok := req.Lookup(attr)
	if !ok || s == "" {
		return 0, false, nil
	}
	dur, err := parseInterval(attr, s)
	return dur, err == nil, err
}

func (d *Dispatcher) handleLoad(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	return d.plugins.Load(name)
}

func (d *Dispatcher) handleTerm(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	return d.plugins.Term(name)
}

// handleConfig hands the folded option string to the plugin untouched.
// The plugin's status is returned as is.
func (d *Dispatcher) handleConfig(ctx context.Context, reqc *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	avl := request.ParseAVList(strings.Join(req.Strings(), " "))
	if err := d.plugins.Configure(ctx, name, avl); err != nil {
		reqc.Reply.Printf("Plugin '%s' configuration error: %v", name, err)
		return err
	}
	return nil
}

func (d *Dispatcher) handleStart(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	s, err := required(req, request.AttrInterval)
	if err != nil {
		return err
	}
	interval, err := parseInterval(request.AttrInterval, s)
	if err != nil {
		return err
	}
	offset, synchronous, err := optionalInterval(req, request.AttrOffset)
	if err != nil {
		return err
	}
	return d.plugins.Start(name, interval, offset, synchronous)
}

func (d *Dispatcher) handleStop(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	return d.plugins.Stop(name)
}

func (d *Dispatcher) handleOneshot(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	when, err := required(req, request.AttrTime)
	if err != nil {
		return err
	}
	return d.plugins.Oneshot(name, when)
}

func (d *Dispatcher) handleUsage(_ context.Context, reqc *request.Context, req *request.Request) error {
	return d.plugins.WriteUsage(reqc.Reply, req.Value(request.AttrName))
}

func (d *Dispatcher) handlePluginStatus(_ context.Context, reqc *request.Context, req *request.Request) error {
	name := req.Value(request.AttrName)
	found := false

	reqc.Reply.Printf("%-16s %-8s %-8s %-5s %-12s %-12s %s\n",
		"Name", "Type", "Running", "Refs", "Interval", "Offset", "Libpath")
	reqc.Reply.Printf("---------------- -------- -------- ----- ------------ ------------ ----------\n")
	for _, h := range d.plugins.List() {
		if name != "" && h.Name() != name {
			continue
		}
		found = true
		interval, offset, synchronous := h.Schedule()
		offsetStr := "ASYNC"
		if synchronous {
			offsetStr = fmt.Sprintf("%d", offset.Microseconds())
		}
		reqc.Reply.Printf("%-16s %-8s %-8t %-5d %-12d %-12s %s\n",
			h.Name(), h.Plugin().Type(), h.Running(), h.Refs(),
			interval.Microseconds(), offsetStr, h.LibPath())
	}
	if name != "" && !found {
		reqc.Reply.Reset()
		return ldmsderrors.Status(unix.ENOENT, "Plugin '%s' not found", name)
	}
	return nil
}
