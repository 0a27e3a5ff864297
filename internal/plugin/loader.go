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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	stdplugin "plugin"
	"sort"
	"strings"
	"sync"
)

// SymbolName is the factory symbol looked up in shared objects.
const SymbolName = "GetPlugin"

// ErrNotFound is returned by a Loader that has no candidate for a name.
var ErrNotFound = errors.New("plugin not found")

// Loader creates plugin instances by name.
type Loader interface {
	// Load returns the plugin and where it came from. A loader with no
	// candidate returns an error wrapping ErrNotFound.
	Load(name string, env Env) (Plugin, string, error)
}

// BuiltinLoader serves plugins compiled into the daemon.
type BuiltinLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewBuiltinLoader creates an empty builtin table.
func NewBuiltinLoader() *BuiltinLoader {
	return &BuiltinLoader{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice replaces the
// previous factory.
func (b *BuiltinLoader) Register(name string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[name] = f
}

// Names returns the registered names, sorted.
func (b *BuiltinLoader) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load implements Loader.
func (b *BuiltinLoader) Load(name string, env Env) (Plugin, string, error) {
	b.mu.RLock()
	f, ok := b.factories[name]
	b.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: no builtin %q", ErrNotFound, name)
	}
	return f(env), "builtin:" + name, nil
}

var builtins = NewBuiltinLoader()

// Register adds a compiled-in plugin factory. It is meant to be called
// from init functions.
func Register(name string, f Factory) {
	builtins.Register(name, f)
}

// Builtins returns the process-wide builtin table.
func Builtins() *BuiltinLoader {
	return builtins
}

// SharedObjectLoader opens lib<name>.so from a list of directories.
type SharedObjectLoader struct {
	Paths []string
}

// Load implements Loader. The first directory holding a loadable library
// wins.
func (l *SharedObjectLoader) Load(name string, env Env) (Plugin, string, error) {
	var lastErr error
	for _, dir := range l.Paths {
		path := filepath.Join(dir, "lib"+name+".so")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		factory, err := openFactory(path)
		if err != nil {
			lastErr = err
			continue
		}
		return factory(env), path, nil
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", fmt.Errorf("%w: no lib%s.so in %s", ErrNotFound, name, strings.Join(l.Paths, ":"))
}

func openFactory(path string) (Factory, error) {
	p, err := stdplugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(SymbolName)
	if err != nil {
		return nil, fmt.Errorf("the library %s is missing the %s() function", path, SymbolName)
	}
	switch f := sym.(type) {
	case func(Env) Plugin:
		return f, nil
	case *func(Env) Plugin:
		return *f, nil
	case *Factory:
		return *f, nil
	}
	return nil, fmt.Errorf("%s in %s has type %T", SymbolName, path, sym)
}
