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

// Package metricset holds the metric sets published by sampler plugins.
//
// A set has a fixed schema (ordered metric names) and a vector of u64
// values updated inside a transaction. Ending a transaction stamps the
// set and notifies subscribers, which is how storage policies receive
// local data. The registry also implements prometheus.Collector so every
// set can be scraped.
package metricset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrExists is returned when an instance name is already registered.
	ErrExists = errors.New("set already exists")
	// ErrNotFound is returned for unknown instance names.
	ErrNotFound = errors.New("set not found")
)

// Metric is one named value in a snapshot.
type Metric struct {
	Name  string
	Value uint64
}

// Snapshot is a consistent copy of a set.
type Snapshot struct {
	Instance  string
	Schema    string
	Producer  string
	Timestamp time.Time
	Metrics   []Metric
}

// Set is a metric set instance.
type Set struct {
	instance string
	schema   string
	producer string
	names    []string
	registry *Registry

	mu         sync.RWMutex
	values     []uint64
	timestamp  time.Time
	consistent bool
}

// Instance returns the instance name.
func (s *Set) Instance() string { return s.instance }

// Schema returns the schema name.
func (s *Set) Schema() string { return s.schema }

// Producer returns the producer name.
func (s *Set) Producer() string { return s.producer }

// Card returns the number of metrics.
func (s *Set) Card() int { return len(s.names) }

// MetricIndex returns the index of name, or -1.
func (s *Set) MetricIndex(name string) int {
	for i, n := range s.names {
		if n == name {
			return i
		}
	}
	return -1
}

// BeginTransaction marks the set inconsistent until EndTransaction.
func (s *Set) BeginTransaction() {
	s.mu.Lock()
	s.consistent = false
	s.mu.Unlock()
}

// SetU64 stores v at index i.
func (s *Set) SetU64(i int, v uint64) {
	s.mu.Lock()
	s.values[i] = v
	s.mu.Unlock()
}

// U64 returns the value at index i.
func (s *Set) U64(i int) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[i]
}

// EndTransaction stamps the set with ts and notifies subscribers.
func (s *Set) EndTransaction(ts time.Time) {
	s.mu.Lock()
	s.consistent = true
	s.timestamp = ts
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.notify(s.Snapshot())
	}
}

// Consistent reports whether the last transaction completed.
func (s *Set) Consistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consistent
}

// Snapshot copies the set.
func (s *Set) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := make([]Metric, len(s.names))
	for i, name := range s.names {
		metrics[i] = Metric{Name: name, Value: s.values[i]}
	}
	return Snapshot{
		Instance:  s.instance,
		Schema:    s.schema,
		Producer:  s.producer,
		Timestamp: s.timestamp,
		Metrics:   metrics,
	}
}

// Subscriber receives a snapshot each time a set completes a transaction.
type Subscriber func(Snapshot)

// Registry owns the daemon's metric sets.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]*Set

	subMu  sync.RWMutex
	subs   map[int]Subscriber
	nextID int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sets: make(map[string]*Set),
		subs: make(map[int]Subscriber),
	}
}

// Create registers a new set.
func (r *Registry) Create(instance, schema, producer string, metrics []string) (*Set, error) {
	if instance == "" || schema == "" {
		return nil, fmt.Errorf("instance and schema names are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[instance]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, instance)
	}
	s := &Set{
		instance: instance,
		schema:   schema,
		producer: producer,
		names:    append([]string(nil), metrics...),
		values:   make([]uint64, len(metrics)),
		registry: r,
	}
	r.sets[instance] = s
	return s, nil
}

// Delete removes a set.
func (r *Registry) Delete(instance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sets[instance]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, instance)
	}
	s.registry = nil
	delete(r.sets, instance)
	return nil
}

// Get returns the set for instance, or nil.
func (r *Registry) Get(instance string) *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sets[instance]
}

// List returns the sets ordered by instance name.
func (r *Registry) List() []*Set {
	r.mu.RLock()
	out := make([]*Set, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].instance < out[j].instance })
	return out
}

// Subscribe registers fn for completed transactions and returns a
// function that removes it.
func (r *Registry) Subscribe(fn Subscriber) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) notify(snap Snapshot) {
	r.subMu.RLock()
	subs := make([]Subscriber, 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subMu.RUnlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Describe implements prometheus.Collector. Set schemas come and go at
// runtime, so the collector is unchecked and sends no descriptors.
func (r *Registry) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector. Each metric becomes a gauge
// named ldms_<schema>_<metric> labelled with instance and producer.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, s := range r.List() {
		if !s.Consistent() {
			continue
		}
		snap := s.Snapshot()
		for _, m := range snap.Metrics {
			desc := prometheus.NewDesc(
				MetricName(snap.Schema, m.Name),
				fmt.Sprintf("LDMS metric %s of schema %s.", m.Name, snap.Schema),
				[]string{"instance", "producer"}, nil,
			)
			metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, float64(m.Value), snap.Instance, snap.Producer)
			if err != nil {
				continue
			}
			ch <- metric
		}
	}
}

// MetricName builds a Prometheus metric name from a schema and metric
// name, replacing characters Prometheus does not allow.
func MetricName(schema, metric string) string {
	return "ldms_" + sanitize(schema) + "_" + sanitize(metric)
}

func sanitize(s string) string {
	var sb strings.Builder
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
			sb.WriteRune(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(c)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
