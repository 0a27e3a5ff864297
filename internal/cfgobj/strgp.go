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

package cfgobj

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// storeTimeout bounds a single forwarded store call.
const storeTimeout = 10 * time.Second

// PolicyState is the run state of a storage policy.
type PolicyState int

const (
	PolicyStopped PolicyState = iota
	PolicyRunning
)

func (s PolicyState) String() string {
	switch s {
	case PolicyStopped:
		return "STOPPED"
	case PolicyRunning:
		return "RUNNING"
	}
	return "BAD STATE"
}

// Policy routes metric sets of one schema to a store plugin.
type Policy struct {
	Name      string
	Plugin    string
	Container string
	Schema    string
	State     PolicyState

	// ProducerRegexes restrict which producers are stored. Empty means
	// all.
	ProducerRegexes []string

	// Metrics restricts which metrics are stored. Empty means all.
	Metrics []string

	handle      *plugin.Handle
	unsubscribe func()
}

func (p *Policy) clone() Policy {
	c := *p
	c.ProducerRegexes = append([]string(nil), p.ProducerRegexes...)
	c.Metrics = append([]string(nil), p.Metrics...)
	c.handle = nil
	c.unsubscribe = nil
	return c
}

func (p *Policy) stop() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.State = PolicyStopped
}

type policies struct {
	mu sync.RWMutex
	m  map[string]*Policy
}

// AddPolicy creates a stopped storage policy. The store plugin must be
// loaded; the policy holds a reference on it until deleted.
func (m *Manager) AddPolicy(name, pluginName, container, schema string) error {
	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()

	if _, ok := m.policies.m[name]; ok {
		return exists("storage policy", name)
	}

	h, err := m.plugins.Get(pluginName)
	if err != nil {
		return err
	}
	if h.Plugin().Type() != plugin.TypeStore {
		m.plugins.Put(h)
		return ldmsderrors.Status(unix.EINVAL, "The plugin '%s' is not a store.", pluginName)
	}

	m.policies.m[name] = &Policy{
		Name:      name,
		Plugin:    pluginName,
		Container: container,
		Schema:    schema,
		handle:    h,
	}
	return nil
}

// DelPolicy removes a stopped policy and releases its plugin.
func (m *Manager) DelPolicy(name string) error {
	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()

	p, ok := m.policies.m[name]
	if !ok {
		return notFound("storage policy", name)
	}
	if p.State != PolicyStopped {
		return busy("storage policy", name)
	}
	m.plugins.Put(p.handle)
	delete(m.policies.m, name)
	return nil
}

func (m *Manager) stoppedPolicy(name string) (*Policy, error) {
	p, ok := m.policies.m[name]
	if !ok {
		return nil, notFound("storage policy", name)
	}
	if p.State != PolicyStopped {
		return nil, busy("storage policy", name)
	}
	return p, nil
}

// PolicyAddProducer restricts the policy to producers matching expr.
func (m *Manager) PolicyAddProducer(name, expr string) error {
	if _, err := compile(expr); err != nil {
		return err
	}

	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()

	p, err := m.stoppedPolicy(name)
	if err != nil {
		return err
	}
	p.ProducerRegexes = append(p.ProducerRegexes, expr)
	return nil
}

// PolicyDelProducer removes a producer restriction.
func (m *Manager) PolicyDelProducer(name, expr string) error {
	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()

	p, err := m.stoppedPolicy(name)
	if err != nil {
		return err
	}
	for i, have := range p.ProducerRegexes {
		if have == expr {
			p.ProducerRegexes = append(p.ProducerRegexes[:i], p.ProducerRegexes[i+1:]...)
			return nil
		}
	}
	return ldmsderrors.Status(unix.ENOENT, "The regex '%s' was not found in the policy '%s'.", expr, name)
}

// PolicyAddMetric restricts the policy to the named metric (plus any
// already added).
func (m *Manager) PolicyAddMetric(name, metric string) error {
	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()

	p, err := m.stoppedPolicy(name)
	if err != nil {
		return err
	}
	for _, have := range p.Metrics {
		if have == metric {
			return ldmsderrors.Status(unix.EEXIST, "The metric '%s' is already in the policy '%s'.", metric, name)
		}
	}
	p.Metrics = append(p.Metrics, metric)
	return nil
}

// PolicyDelMetric removes a metric restriction.
func (m *Manager) PolicyDelMetric(name, metric string) error {
	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()

	p, err := m.stoppedPolicy(name)
	if err != nil {
		return err
	}
	for i, have := range p.Metrics {
		if have == metric {
			p.Metrics = append(p.Metrics[:i], p.Metrics[i+1:]...)
			return nil
		}
	}
	return ldmsderrors.Status(unix.ENOENT, "The metric '%s' was not found in the policy '%s'.", metric, name)
}

// StartPolicy begins forwarding matching set updates to the store.
func (m *Manager) StartPolicy(name string) error {
	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()

	p, ok := m.policies.m[name]
	if !ok {
		return notFound("storage policy", name)
	}
	if p.State != PolicyStopped {
		return ldmsderrors.Status(unix.EBUSY, "The storage policy '%s' is already running.", name)
	}

	f, err := newForwarder(p, m.logger)
	if err != nil {
		return err
	}
	p.unsubscribe = m.sets.Subscribe(f.forward)
	p.State = PolicyRunning
	m.logger.Info("storage policy started",
		slog.String("name", name),
		slog.String(internallog.PluginKey, p.Plugin),
		slog.String("schema", p.Schema))
	return nil
}

// StopPolicy stops forwarding.
func (m *Manager) StopPolicy(name string) error {
	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()

	p, ok := m.policies.m[name]
	if !ok {
		return notFound("storage policy", name)
	}
	if p.State != PolicyRunning {
		return ldmsderrors.Status(unix.EBUSY, "The storage policy '%s' is already stopped.", name)
	}
	p.stop()
	if err := p.handle.Flush(context.Background()); err != nil {
		m.logger.Warn("store flush failed", slog.String("policy", name), internallog.Error(err))
	}
	return nil
}

// Policy returns a copy of the named policy.
func (m *Manager) Policy(name string) (Policy, bool) {
	m.policies.mu.RLock()
	defer m.policies.mu.RUnlock()
	p, ok := m.policies.m[name]
	if !ok {
		return Policy{}, false
	}
	return p.clone(), true
}

// Policies returns copies of all policies sorted by name.
func (m *Manager) Policies() []Policy {
	m.policies.mu.RLock()
	defer m.policies.mu.RUnlock()

	out := make([]Policy, 0, len(m.policies.m))
	for _, p := range m.policies.m {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// forwarder is the immutable view of a running policy used on the
// sampling path.
type forwarder struct {
	name      string
	container string
	schema    string
	producers []*regexp.Regexp
	metrics   map[string]bool
	handle    *plugin.Handle
	logger    *slog.Logger
}

func newForwarder(p *Policy, logger *slog.Logger) (*forwarder, error) {
	f := &forwarder{
		name:      p.Name,
		container: p.Container,
		schema:    p.Schema,
		handle:    p.handle,
		logger:    logger,
	}
	for _, expr := range p.ProducerRegexes {
		re, err := compile(expr)
		if err != nil {
			return nil, err
		}
		f.producers = append(f.producers, re)
	}
	if len(p.Metrics) > 0 {
		f.metrics = make(map[string]bool, len(p.Metrics))
		for _, name := range p.Metrics {
			f.metrics[name] = true
		}
	}
	return f, nil
}

func (f *forwarder) accepts(snap metricset.Snapshot) bool {
	if snap.Schema != f.schema {
		return false
	}
	if len(f.producers) == 0 {
		return true
	}
	for _, re := range f.producers {
		if re.MatchString(snap.Producer) {
			return true
		}
	}
	return false
}

func (f *forwarder) forward(snap metricset.Snapshot) {
	if !f.accepts(snap) {
		return
	}
	if f.metrics != nil {
		kept := make([]metricset.Metric, 0, len(f.metrics))
		for _, mt := range snap.Metrics {
			if f.metrics[mt.Name] {
				kept = append(kept, mt)
			}
		}
		snap.Metrics = kept
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := f.handle.Store(ctx, f.container, snap); err != nil {
		f.logger.Error("store failed",
			slog.String("policy", f.name),
			slog.String("instance", snap.Instance),
			internallog.Error(err))
	}
}
