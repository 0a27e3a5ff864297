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
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/cfgobj"
	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

func (d *Dispatcher) registerObjectHandlers() {
	d.handlers.Register(request.IDPrdcrAdd, d.handlePrdcrAdd)
	d.handlers.Register(request.IDPrdcrDel, byName(d.objects.DelProducer))
	d.handlers.Register(request.IDPrdcrStart, d.handlePrdcrStart)
	d.handlers.Register(request.IDPrdcrStop, byName(d.objects.StopProducer))
	d.handlers.Register(request.IDPrdcrStartRegex, d.handlePrdcrStartRegex)
	d.handlers.Register(request.IDPrdcrStopRegex, d.handlePrdcrStopRegex)
	d.handlers.Register(request.IDPrdcrStatus, d.handlePrdcrStatus)

	d.handlers.Register(request.IDUpdtrAdd, d.handleUpdtrAdd)
	d.handlers.Register(request.IDUpdtrDel, byName(d.objects.DelUpdater))
	d.handlers.Register(request.IDUpdtrStart, d.handleUpdtrStart)
	d.handlers.Register(request.IDUpdtrStop, byName(d.objects.StopUpdater))
	d.handlers.Register(request.IDUpdtrPrdcrAdd, d.handleUpdtrPrdcr(d.objects.UpdaterAddProducers))
	d.handlers.Register(request.IDUpdtrPrdcrDel, d.handleUpdtrPrdcr(d.objects.UpdaterDelProducers))
	d.handlers.Register(request.IDUpdtrMatchAdd, d.handleUpdtrMatch(d.objects.UpdaterAddMatch))
	d.handlers.Register(request.IDUpdtrMatchDel, d.handleUpdtrMatch(d.objects.UpdaterDelMatch))
	d.handlers.Register(request.IDUpdtrStatus, d.handleUpdtrStatus)

	d.handlers.Register(request.IDStrgpAdd, d.handleStrgpAdd)
	d.handlers.Register(request.IDStrgpDel, byName(d.objects.DelPolicy))
	d.handlers.Register(request.IDStrgpStart, byName(d.objects.StartPolicy))
	d.handlers.Register(request.IDStrgpStop, byName(d.objects.StopPolicy))
	d.handlers.Register(request.IDStrgpPrdcrAdd, byNameAttr(request.AttrRegex, d.objects.PolicyAddProducer))
	d.handlers.Register(request.IDStrgpPrdcrDel, byNameAttr(request.AttrRegex, d.objects.PolicyDelProducer))
	d.handlers.Register(request.IDStrgpMetricAdd, byNameAttr(request.AttrMetric, d.objects.PolicyAddMetric))
	d.handlers.Register(request.IDStrgpMetricDel, byNameAttr(request.AttrMetric, d.objects.PolicyDelMetric))
	d.handlers.Register(request.IDStrgpStatus, d.handleStrgpStatus)
}

// byName adapts an operation on a named object.
func byName(op func(name string) error) Handler {
	return func(_ context.Context, _ *request.Context, req *request.Request) error {
		name, err := required(req, request.AttrName)
		if err != nil {
			return err
		}
		return op(name)
	}
}

// byNameAttr adapts an operation taking a name and one more required
// attribute.
func byNameAttr(attr request.AttrID, op func(name, value string) error) Handler {
	return func(_ context.Context, _ *request.Context, req *request.Request) error {
		name, err := required(req, request.AttrName)
		if err != nil {
			return err
		}
		value, err := required(req, attr)
		if err != nil {
			return err
		}
		return op(name, value)
	}
}

func (d *Dispatcher) handlePrdcrAdd(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	host, err := required(req, request.AttrHost)
	if err != nil {
		return err
	}
	portStr, err := required(req, request.AttrPort)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ldmsderrors.Status(unix.EINVAL, "The port '%s' is invalid.", portStr)
	}
	s, err := required(req, request.AttrInterval)
	if err != nil {
		return err
	}
	interval, err := parseInterval(request.AttrInterval, s)
	if err != nil {
		return err
	}
	return d.objects.AddProducer(cfgobj.Producer{
		Name:     name,
		Xprt:     req.Value(request.AttrXprt),
		Host:     host,
		Port:     port,
		Interval: interval,
	})
}

func (d *Dispatcher) handlePrdcrStart(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	interval, _, err := optionalInterval(req, request.AttrInterval)
	if err != nil {
		return err
	}
	return d.objects.StartProducer(name, interval)
}

func (d *Dispatcher) handlePrdcrStartRegex(_ context.Context, _ *request.Context, req *request.Request) error {
	expr, err := required(req, request.AttrRegex)
	if err != nil {
		return err
	}
	interval, _, err := optionalInterval(req, request.AttrInterval)
	if err != nil {
		return err
	}
	_, err = d.objects.StartProducerRegex(expr, interval)
	return err
}

func (d *Dispatcher) handlePrdcrStopRegex(_ context.Context, _ *request.Context, req *request.Request) error {
	expr, err := required(req, request.AttrRegex)
	if err != nil {
		return err
	}
	_, err = d.objects.StopProducerRegex(expr)
	return err
}

func (d *Dispatcher) handlePrdcrStatus(_ context.Context, reqc *request.Context, req *request.Request) error {
	if name := req.Value(request.AttrName); name != "" {
		if _, ok := d.objects.Producer(name); !ok {
			return &ldmsderrors.NotFoundError{Resource: "producer", ID: name}
		}
	}
	return d.objects.WriteInfo(reqc.Reply, "prdcr")
}

func (d *Dispatcher) handleUpdtrAdd(_ context.Context, _ *request.Context, req *request.Request) error {
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
	offset, ok, err := optionalInterval(req, request.AttrOffset)
	if err != nil {
		return err
	}
	if !ok {
		return d.objects.AddUpdater(name, interval, nil)
	}
	return d.objects.AddUpdater(name, interval, &offset)
}

func (d *Dispatcher) handleUpdtrStart(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	interval, _, err := optionalInterval(req, request.AttrInterval)
	if err != nil {
		return err
	}
	return d.objects.StartUpdater(name, interval)
}

func (d *Dispatcher) handleUpdtrPrdcr(op func(name, expr string) ([]string, error)) Handler {
	return func(_ context.Context, _ *request.Context, req *request.Request) error {
		name, err := required(req, request.AttrName)
		if err != nil {
			return err
		}
		expr, err := required(req, request.AttrRegex)
		if err != nil {
			return err
		}
		_, err = op(name, expr)
		return err
	}
}

func (d *Dispatcher) handleUpdtrMatch(op func(name, expr string, sel cfgobj.Selector) error) Handler {
	return func(_ context.Context, _ *request.Context, req *request.Request) error {
		name, err := required(req, request.AttrName)
		if err != nil {
			return err
		}
		expr, err := required(req, request.AttrRegex)
		if err != nil {
			return err
		}
		match := req.Value(request.AttrMatch)
		if match == "" {
			match = "inst"
		}
		sel, err := cfgobj.ParseSelector(match)
		if err != nil {
			return err
		}
		return op(name, expr, sel)
	}
}

func (d *Dispatcher) handleUpdtrStatus(_ context.Context, reqc *request.Context, req *request.Request) error {
	if name := req.Value(request.AttrName); name != "" {
		if _, ok := d.objects.Updater(name); !ok {
			return &ldmsderrors.NotFoundError{Resource: "updater", ID: name}
		}
	}
	return d.objects.WriteInfo(reqc.Reply, "updtr")
}

func (d *Dispatcher) handleStrgpAdd(_ context.Context, _ *request.Context, req *request.Request) error {
	name, err := required(req, request.AttrName)
	if err != nil {
		return err
	}
	pluginName, err := required(req, request.AttrPlugin)
	if err != nil {
		return err
	}
	container, err := required(req, request.AttrContainer)
	if err != nil {
		return err
	}
	schema, err := required(req, request.AttrSchema)
	if err != nil {
		return err
	}
	return d.objects.AddPolicy(name, pluginName, container, schema)
}

func (d *Dispatcher) handleStrgpStatus(_ context.Context, reqc *request.Context, req *request.Request) error {
	if name := req.Value(request.AttrName); name != "" {
		if _, ok := d.objects.Policy(name); !ok {
			return &ldmsderrors.NotFoundError{Resource: "storage policy", ID: name}
		}
	}
	return d.objects.WriteInfo(reqc.Reply, "strgp")
}
