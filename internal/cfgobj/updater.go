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
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// UpdaterState is the run state of an updater.
type UpdaterState int

const (
	UpdaterStopped UpdaterState = iota
	UpdaterRunning
)

func (s UpdaterState) String() string {
	switch s {
	case UpdaterStopped:
		return "STOPPED"
	case UpdaterRunning:
		return "RUNNING"
	}
	return "BAD STATE"
}

// Selector picks what a match specification is compared against.
type Selector int

const (
	MatchInstance Selector = iota
	MatchSchema
)

func (s Selector) String() string {
	switch s {
	case MatchInstance:
		return "INST_NAME"
	case MatchSchema:
		return "SCHEMA_NAME"
	}
	return "BAD SELECTOR"
}

// ParseSelector accepts "inst" and "schema".
func ParseSelector(s string) (Selector, error) {
	switch s {
	case "inst", "instance":
		return MatchInstance, nil
	case "schema":
		return MatchSchema, nil
	}
	return 0, ldmsderrors.Status(unix.EINVAL, "Invalid match selector '%s'. The choices are inst, schema.", s)
}

// Match is a metric set filter.
type Match struct {
	Selector Selector
	Regex    string
	re       *regexp.Regexp
}

// Updater pulls metric sets from a group of producers.
type Updater struct {
	Name     string
	Interval time.Duration
	Offset   time.Duration

	// Synchronous is set when an offset was given.
	Synchronous bool
	State       UpdaterState
	Matches     []Match
	Producers   []string
}

func (u *Updater) clone() Updater {
	c := *u
	c.Matches = append([]Match(nil), u.Matches...)
	c.Producers = append([]string(nil), u.Producers...)
	return c
}

type updaters struct {
	mu sync.RWMutex
	m  map[string]*Updater
}

// AddUpdater registers a stopped updater. A nil offset makes the updater
// asynchronous.
func (m *Manager) AddUpdater(name string, interval time.Duration, offset *time.Duration) error {
	if interval <= 0 {
		return ldmsderrors.Status(unix.EINVAL, "The update interval must be positive.")
	}
	u := &Updater{Name: name, Interval: interval}
	if offset != nil {
		u.Offset = *offset
		u.Synchronous = true
	}

	m.updaters.mu.Lock()
	defer m.updaters.mu.Unlock()

	if _, ok := m.updaters.m[name]; ok {
		return exists("updater", name)
	}
	m.updaters.m[name] = u
	return nil
}

// DelUpdater removes a stopped updater.
func (m *Manager) DelUpdater(name string) error {
	m.updaters.mu.Lock()
	defer m.updaters.mu.Unlock()

	u, ok := m.updaters.m[name]
	if !ok {
		return notFound("updater", name)
	}
	if u.State != UpdaterStopped {
		return busy("updater", name)
	}
	delete(m.updaters.m, name)
	return nil
}

// stoppedUpdater returns the named updater if it may be modified. The
// caller holds the updaters lock.
func (m *Manager) stoppedUpdater(name string) (*Updater, error) {
	u, ok := m.updaters.m[name]
	if !ok {
		return nil, notFound("updater", name)
	}
	if u.State != UpdaterStopped {
		return nil, busy("updater", name)
	}
	return u, nil
}

// UpdaterAddProducers adds every producer whose name matches expr to the
// updater and returns the names added.
func (m *Manager) UpdaterAddProducers(name, expr string) ([]string, error) {
	re, err := compile(expr)
	if err != nil {
		return nil, err
	}

	// producers before updaters
	var matched []string
	for _, p := range m.Producers() {
		if re.MatchString(p.Name) {
			matched = append(matched, p.Name)
		}
	}

	m.updaters.mu.Lock()
	defer m.updaters.mu.Unlock()

	u, err := m.stoppedUpdater(name)
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(u.Producers))
	for _, pn := range u.Producers {
		have[pn] = true
	}
	var added []string
	for _, pn := range matched {
		if !have[pn] {
			u.Producers = append(u.Producers, pn)
			added = append(added, pn)
		}
	}
	return added, nil
}

// UpdaterAddMatch adds a metric set filter to the updater.
func (m *Manager) UpdaterAddMatch(name, expr string, sel Selector) error {
	re, err := compile(expr)
	if err != nil {
		return err
	}

	m.updaters.mu.Lock()
	defer m.updaters.mu.Unlock()

	u, err := m.stoppedUpdater(name)
	if err != nil {
		return err
	}
	u.Matches = append(u.Matches, Match{Selector: sel, Regex: expr, re: re})
	return nil
}

// UpdaterDelProducers removes the producers whose names match expr and
// returns the names removed.
func (m *Manager) UpdaterDelProducers(name, expr string) ([]string, error) {
	re, err := compile(expr)
	if err != nil {
		return nil, err
	}

	m.updaters.mu.Lock()
	defer m.updaters.mu.Unlock()

	u, err := m.stoppedUpdater(name)
	if err != nil {
		return nil, err
	}
	var kept, removed []string
	for _, pn := range u.Producers {
		if re.MatchString(pn) {
			removed = append(removed, pn)
			continue
		}
		kept = append(kept, pn)
	}
	u.Producers = kept
	return removed, nil
}

// UpdaterDelMatch removes the filter with the given expression and
// selector.
func (m *Manager) UpdaterDelMatch(name, expr string, sel Selector) error {
	m.updaters.mu.Lock()
	defer m.updaters.mu.Unlock()

	u, err := m.stoppedUpdater(name)
	if err != nil {
		return err
	}
	for i, mt := range u.Matches {
		if mt.Regex == expr && mt.Selector == sel {
			u.Matches = append(u.Matches[:i], u.Matches[i+1:]...)
			return nil
		}
	}
	return ldmsderrors.Status(unix.ENOENT, "The match specification '%s' was not found.", expr)
}

// StartUpdater marks the updater running. A positive interval replaces
// the update interval.
func (m *Manager) StartUpdater(name string, interval time.Duration) error {
	m.updaters.mu.Lock()
	defer m.updaters.mu.Unlock()

	u, ok := m.updaters.m[name]
	if !ok {
		return notFound("updater", name)
	}
	if u.State != UpdaterStopped {
		return ldmsderrors.Status(unix.EBUSY, "The updater '%s' is already running.", name)
	}
	if interval > 0 {
		u.Interval = interval
	}
	u.State = UpdaterRunning
	return nil
}

// StopUpdater stops a running updater.
func (m *Manager) StopUpdater(name string) error {
	m.updaters.mu.Lock()
	defer m.updaters.mu.Unlock()

	u, ok := m.updaters.m[name]
	if !ok {
		return notFound("updater", name)
	}
	if u.State != UpdaterRunning {
		return ldmsderrors.Status(unix.EBUSY, "The updater '%s' is already stopped.", name)
	}
	u.State = UpdaterStopped
	return nil
}

// Updater returns a copy of the named updater.
func (m *Manager) Updater(name string) (Updater, bool) {
	m.updaters.mu.RLock()
	defer m.updaters.mu.RUnlock()
	u, ok := m.updaters.m[name]
	if !ok {
		return Updater{}, false
	}
	return u.clone(), true
}

// Updaters returns copies of all updaters sorted by name.
func (m *Manager) Updaters() []Updater {
	m.updaters.mu.RLock()
	defer m.updaters.mu.RUnlock()

	out := make([]Updater, 0, len(m.updaters.m))
	for _, u := range m.updaters.m {
		out = append(out, u.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Accepts reports whether a set with the given instance and schema names
// passes the filter.
func (mt Match) Accepts(instance, schema string) bool {
	if mt.re == nil {
		return false
	}
	if mt.Selector == MatchSchema {
		return mt.re.MatchString(schema)
	}
	return mt.re.MatchString(instance)
}
