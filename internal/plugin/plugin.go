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

// Package plugin loads, configures and schedules daemon plugins.
//
// A plugin is found by name, first in the compiled-in table (see
// Register) and then as lib<name>.so in the plugin library path. Loaded
// plugins live in a Registry keyed by name. Objects that call into a
// plugin over time (the sampler runner, storage policies) hold a
// reference, and a referenced plugin cannot be terminated.
package plugin

import (
	"context"
	"log/slog"

	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/request"
)

// Type is the plugin capability class.
type Type int

const (
	TypeOther Type = iota
	TypeSampler
	TypeStore
)

// String returns the upper-case class name used in usage listings.
func (t Type) String() string {
	switch t {
	case TypeOther:
		return "OTHER"
	case TypeSampler:
		return "SAMPLER"
	case TypeStore:
		return "STORE"
	}
	return "BAD plugin"
}

// Plugin is implemented by every plugin.
type Plugin interface {
	Name() string
	Type() Type

	// Configure applies the options of a config command. The name
	// attribute has already been stripped.
	Configure(ctx context.Context, avl request.AVList) error

	// Usage returns help text for the plugin's config options.
	Usage() string

	// Term releases everything the plugin holds.
	Term() error
}

// Sampler is a plugin that refreshes its metric sets on demand.
type Sampler interface {
	Plugin
	Sample(ctx context.Context) error
}

// Store is a plugin that persists metric set snapshots.
type Store interface {
	Plugin
	Store(ctx context.Context, container string, snap metricset.Snapshot) error
	Flush(ctx context.Context) error
}

// Env is what the daemon hands a plugin when it is created.
type Env struct {
	Logger *slog.Logger
	Sets   *metricset.Registry
}

// Factory creates a plugin instance. Shared objects export one as
// GetPlugin.
type Factory func(env Env) Plugin
