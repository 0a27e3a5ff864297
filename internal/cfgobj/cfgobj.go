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

// Package cfgobj holds the daemon's configuration objects: producers,
// updaters and storage policies.
//
// Each collection has its own lock. Objects are created stopped; a
// running object cannot be modified or deleted. Storage policies hold a
// reference on their store plugin for their whole lifetime and, while
// running, forward matching local metric set updates to it.
package cfgobj

import (
	"log/slog"
	"regexp"

	"golang.org/x/sys/unix"

	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// Manager owns the three object collections.
type Manager struct {
	logger  *slog.Logger
	plugins *plugin.Registry
	sets    *metricset.Registry

	producers producers
	updaters  updaters
	policies  policies
}

// NewManager creates an empty manager. plugins resolves storage policy
// back ends; sets is the source of local metric set updates.
func NewManager(plugins *plugin.Registry, sets *metricset.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    internallog.WithComponent(logger, "cfgobj"),
		plugins:   plugins,
		sets:      sets,
		producers: producers{m: make(map[string]*Producer)},
		updaters:  updaters{m: make(map[string]*Updater)},
		policies:  policies{m: make(map[string]*Policy)},
	}
}

// Shutdown stops every running storage policy and releases plugin
// references.
func (m *Manager) Shutdown() {
	m.policies.mu.Lock()
	defer m.policies.mu.Unlock()
	for name, p := range m.policies.m {
		p.stop()
		m.plugins.Put(p.handle)
		delete(m.policies.m, name)
	}
}

func compile(expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, ldmsderrors.WrapStatus(err, unix.EINVAL, "Invalid regular expression '%s': %v", expr, err)
	}
	return re, nil
}

func exists(kind, name string) error {
	return ldmsderrors.Status(unix.EEXIST, "The %s '%s' already exists.", kind, name)
}

func notFound(kind, name string) error {
	return &ldmsderrors.NotFoundError{Resource: kind, ID: name}
}

func busy(kind, name string) error {
	return ldmsderrors.Status(unix.EBUSY, "The %s '%s' is in use.", kind, name)
}
