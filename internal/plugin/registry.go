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

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/controller/metrics"
	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// Default sampler schedule for a freshly loaded plugin.
const (
	DefaultSampleInterval = time.Second
	DefaultSampleOffset   = 0
)

// Handle is a loaded plugin together with its scheduling state.
type Handle struct {
	name    string
	libpath string
	plugin  Plugin

	// callMu serializes calls into the plugin.
	callMu sync.Mutex

	mu          sync.Mutex
	refs        int
	interval    time.Duration
	offset      time.Duration
	synchronous bool
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// Name returns the plugin name.
func (h *Handle) Name() string { return h.name }

// LibPath returns where the plugin was loaded from.
func (h *Handle) LibPath() string { return h.libpath }

// Plugin returns the plugin instance.
func (h *Handle) Plugin() Plugin { return h.plugin }

// Refs returns the current reference count.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Schedule returns the sample interval and offset and whether sampling
// is aligned to wall-clock boundaries.
func (h *Handle) Schedule() (interval, offset time.Duration, synchronous bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval, h.offset, h.synchronous
}

// Running reports whether the sampler runner is active for the plugin.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Configure calls the plugin's Configure under the call lock.
func (h *Handle) Configure(ctx context.Context, avl request.AVList) error {
	h.callMu.Lock()
	defer h.callMu.Unlock()
	return h.plugin.Configure(ctx, avl)
}

// Store forwards a snapshot to a store plugin under the call lock.
func (h *Handle) Store(ctx context.Context, container string, snap metricset.Snapshot) error {
	st, ok := h.plugin.(Store)
	if !ok {
		return ldmsderrors.Status(unix.EINVAL, "Plugin '%s' is not a store", h.name)
	}
	h.callMu.Lock()
	defer h.callMu.Unlock()
	return st.Store(ctx, container, snap)
}

// Flush asks a store plugin to flush.
func (h *Handle) Flush(ctx context.Context) error {
	st, ok := h.plugin.(Store)
	if !ok {
		return nil
	}
	h.callMu.Lock()
	defer h.callMu.Unlock()
	return st.Flush(ctx)
}

func (h *Handle) sample(ctx context.Context, logger *slog.Logger) {
	s, ok := h.plugin.(Sampler)
	if !ok {
		return
	}
	h.callMu.Lock()
	err := s.Sample(ctx)
	h.callMu.Unlock()
	if err != nil {
		metrics.RecordSampleError(h.name)
		logger.Error("sample failed", slog.String(internallog.PluginKey, h.name), internallog.Error(err))
	}
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Loaders are tried in order. Defaults to the builtin table.
	Loaders []Loader

	// Env is handed to each plugin factory.
	Env Env

	// Logger receives registry events. Defaults to Env.Logger.
	Logger *slog.Logger
}

// Registry holds the loaded plugins. It is safe for concurrent use.
type Registry struct {
	loaders []Loader
	env     Env
	logger  *slog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates a registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Env.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Env.Logger == nil {
		cfg.Env.Logger = logger
	}
	loaders := cfg.Loaders
	if len(loaders) == 0 {
		loaders = []Loader{builtins}
	}
	return &Registry{
		loaders: loaders,
		env:     cfg.Env,
		logger:  internallog.WithComponent(logger, "plugin"),
		handles: make(map[string]*Handle),
	}
}

// Load instantiates the named plugin.
func (r *Registry) Load(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[name]; ok {
		return ldmsderrors.Status(unix.EEXIST, "Plugin '%s' already loaded", name)
	}

	p, libpath, err := r.open(name)
	if err != nil {
		return err
	}

	r.handles[name] = &Handle{
		name:     name,
		libpath:  libpath,
		plugin:   p,
		interval: DefaultSampleInterval,
		offset:   DefaultSampleOffset,
	}
	metrics.PluginLoaded(1)
	r.logger.Info("plugin loaded",
		slog.String(internallog.PluginKey, name),
		slog.String("libpath", libpath),
		slog.String("type", p.Type().String()))
	return nil
}

func (r *Registry) open(name string) (Plugin, string, error) {
	env := r.env
	env.Logger = internallog.WithPlugin(r.env.Logger, name)

	var lastErr error
	for _, l := range r.loaders {
		p, libpath, err := l.Load(name, env)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				if lastErr == nil {
					lastErr = err
				}
				continue
			}
			return nil, "", ldmsderrors.WrapStatus(err, unix.ENOENT,
				"Failed to load the plugin '%s'. %v", name, err)
		}
		if p == nil {
			return nil, "", ldmsderrors.Status(unix.ENOENT, "The plugin '%s' could not be loaded.", name)
		}
		return p, libpath, nil
	}
	if lastErr == nil {
		return nil, "", ldmsderrors.Status(unix.ENOENT, "Failed to load the plugin '%s'.", name)
	}
	return nil, "", ldmsderrors.WrapStatus(lastErr, unix.ENOENT,
		"Failed to load the plugin '%s'. %v", name, lastErr)
}

// Lookup returns the handle for name without taking a reference.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// Get returns the handle for name and takes a reference. Release it
// with Put.
func (r *Registry) Get(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[name]
	if !ok {
		return nil, ldmsderrors.Status(unix.ENOENT, "Plugin '%s' not found", name)
	}
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	return h, nil
}

// Put drops a reference taken by Get.
func (r *Registry) Put(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
}

// Configure passes options to a loaded plugin.
func (r *Registry) Configure(ctx context.Context, name string, avl request.AVList) error {
	h, ok := r.Lookup(name)
	if !ok {
		return ldmsderrors.Status(unix.ENOENT, "Plugin '%s' not found", name)
	}
	return h.Configure(ctx, avl)
}

// Term unloads a plugin that has no users.
func (r *Registry) Term(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[name]
	if !ok {
		return ldmsderrors.Status(unix.ENOENT, "plugin '%s' not found", name)
	}

	h.mu.Lock()
	refs := h.refs
	h.mu.Unlock()
	if refs > 0 {
		return ldmsderrors.Status(unix.EBUSY,
			"The specified plugin '%s' has active users and cannot be terminated.", name)
	}

	r.term(h)
	delete(r.handles, name)
	return nil
}

func (r *Registry) term(h *Handle) {
	h.callMu.Lock()
	err := h.plugin.Term()
	h.callMu.Unlock()
	if err != nil {
		r.logger.Warn("plugin term failed", slog.String(internallog.PluginKey, h.name), internallog.Error(err))
	}
	metrics.PluginLoaded(-1)
	r.logger.Info("plugin terminated", slog.String(internallog.PluginKey, h.name))
}

// List returns the loaded plugins sorted by name.
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// TermAll stops every sampler and terminates every plugin regardless of
// references. It is used at shutdown.
func (r *Registry) TermAll() {
	r.StopAll()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, h := range r.handles {
		r.term(h)
		delete(r.handles, name)
	}
}
