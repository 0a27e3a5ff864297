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
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// ProducerState is the connection state of a producer.
type ProducerState int

const (
	ProducerStopped ProducerState = iota
	ProducerDisconnected
	ProducerConnecting
	ProducerConnected
)

func (s ProducerState) String() string {
	switch s {
	case ProducerStopped:
		return "STOPPED"
	case ProducerDisconnected:
		return "DISCONNECTED"
	case ProducerConnecting:
		return "CONNECTING"
	case ProducerConnected:
		return "CONNECTED"
	}
	return "BAD STATE"
}

// Producer is a remote daemon whose metric sets are pulled.
type Producer struct {
	Name     string
	Xprt     string
	Host     string
	Port     int
	Interval time.Duration
	State    ProducerState
}

type producers struct {
	mu sync.RWMutex
	m  map[string]*Producer
}

// AddProducer registers a stopped producer.
func (m *Manager) AddProducer(p Producer) error {
	if p.Xprt == "" {
		p.Xprt = "sock"
	}
	if p.Interval <= 0 {
		return ldmsderrors.Status(unix.EINVAL, "The reconnect interval must be positive.")
	}
	p.State = ProducerStopped

	m.producers.mu.Lock()
	defer m.producers.mu.Unlock()

	if _, ok := m.producers.m[p.Name]; ok {
		return exists("producer", p.Name)
	}
	m.producers.m[p.Name] = &p
	m.logger.Info("producer added", slog.String("name", p.Name), slog.String("host", p.Host), slog.Int("port", p.Port))
	return nil
}

// DelProducer removes a stopped producer that no updater references.
func (m *Manager) DelProducer(name string) error {
	m.producers.mu.Lock()
	defer m.producers.mu.Unlock()

	p, ok := m.producers.m[name]
	if !ok {
		return notFound("producer", name)
	}
	if p.State != ProducerStopped {
		return busy("producer", name)
	}
	if m.producerReferenced(name) {
		return busy("producer", name)
	}
	delete(m.producers.m, name)
	return nil
}

func (m *Manager) producerReferenced(name string) bool {
	m.updaters.mu.RLock()
	defer m.updaters.mu.RUnlock()
	for _, u := range m.updaters.m {
		for _, pn := range u.Producers {
			if pn == name {
				return true
			}
		}
	}
	return false
}

// StartProducer moves a stopped producer to DISCONNECTED. A positive
// interval replaces the reconnect interval.
func (m *Manager) StartProducer(name string, interval time.Duration) error {
	m.producers.mu.Lock()
	defer m.producers.mu.Unlock()

	p, ok := m.producers.m[name]
	if !ok {
		return notFound("producer", name)
	}
	if p.State != ProducerStopped {
		return ldmsderrors.Status(unix.EBUSY, "The producer '%s' is already running.", name)
	}
	if interval > 0 {
		p.Interval = interval
	}
	p.State = ProducerDisconnected
	return nil
}

// StopProducer stops a running producer.
func (m *Manager) StopProducer(name string) error {
	m.producers.mu.Lock()
	defer m.producers.mu.Unlock()

	p, ok := m.producers.m[name]
	if !ok {
		return notFound("producer", name)
	}
	if p.State == ProducerStopped {
		return ldmsderrors.Status(unix.EBUSY, "The producer '%s' is already stopped.", name)
	}
	p.State = ProducerStopped
	return nil
}

// StartProducerRegex starts every stopped producer whose name matches
// expr and returns the names started.
func (m *Manager) StartProducerRegex(expr string, interval time.Duration) ([]string, error) {
	re, err := compile(expr)
	if err != nil {
		return nil, err
	}

	m.producers.mu.Lock()
	defer m.producers.mu.Unlock()

	var started []string
	for _, p := range m.producers.m {
		if p.State != ProducerStopped || !re.MatchString(p.Name) {
			continue
		}
		if interval > 0 {
			p.Interval = interval
		}
		p.State = ProducerDisconnected
		started = append(started, p.Name)
	}
	sort.Strings(started)
	return started, nil
}

// StopProducerRegex stops every running producer whose name matches expr.
func (m *Manager) StopProducerRegex(expr string) ([]string, error) {
	re, err := compile(expr)
	if err != nil {
		return nil, err
	}

	m.producers.mu.Lock()
	defer m.producers.mu.Unlock()

	var stopped []string
	for _, p := range m.producers.m {
		if p.State == ProducerStopped || !re.MatchString(p.Name) {
			continue
		}
		p.State = ProducerStopped
		stopped = append(stopped, p.Name)
	}
	sort.Strings(stopped)
	return stopped, nil
}

// Producer returns a copy of the named producer.
func (m *Manager) Producer(name string) (Producer, bool) {
	m.producers.mu.RLock()
	defer m.producers.mu.RUnlock()
	p, ok := m.producers.m[name]
	if !ok {
		return Producer{}, false
	}
	return *p, true
}

// Producers returns copies of all producers sorted by name.
func (m *Manager) Producers() []Producer {
	m.producers.mu.RLock()
	defer m.producers.mu.RUnlock()

	out := make([]Producer, 0, len(m.producers.m))
	for _, p := range m.producers.m {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
