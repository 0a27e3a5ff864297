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
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// blacklist holds libraries in plugin directories that are not plugins
// or cannot be loaded standalone.
var blacklist = map[string]bool{
	"liblustre_sampler.so": true,
	"libzap.so":            true,
	"libzap_rdma.so":       true,
	"libzap_sock.so":       true,
}

// WriteUsage writes the usage of loaded plugins to w. An empty name
// selects every loaded plugin.
func (r *Registry) WriteUsage(w io.Writer, name string) error {
	if name != "" {
		h, ok := r.Lookup(name)
		if !ok {
			return fmt.Errorf("plugin '%s' not found: %w", name, os.ErrNotExist)
		}
		writeUsage(w, h.plugin)
		return nil
	}
	for _, h := range r.List() {
		writeUsage(w, h.plugin)
	}
	return nil
}

func writeUsage(w io.Writer, p Plugin) {
	fmt.Fprintf(w, "======= %s %s:\n", p.Type(), p.Name())
	fmt.Fprintf(w, "%s\n", p.Usage())
	fmt.Fprintf(w, "=========================\n")
}

// Available returns the plugin names that can be loaded: the builtin
// table followed by lib*.so files in dirs, minus the blacklist. An empty
// name matches everything.
func Available(dirs []string, name string) ([]string, error) {
	pattern := "lib*.so"
	if name != "" {
		pattern = "lib" + name + ".so"
	}

	seen := make(map[string]bool)
	var names []string
	for _, b := range builtins.Names() {
		if name == "" || b == name {
			seen[b] = true
			names = append(names, b)
		}
	}

	for _, dir := range dirs {
		matches, err := doublestar.Glob(os.DirFS(dir), pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", dir, err)
		}
		for _, m := range matches {
			base := path.Base(m)
			if blacklist[base] {
				continue
			}
			n := strings.TrimSuffix(strings.TrimPrefix(base, "lib"), ".so")
			if seen[n] {
				continue
			}
			seen[n] = true
			names = append(names, n)
		}
	}
	return names, nil
}

// ListUsage loads each available plugin, writes its usage to w and
// terminates it again. Load failures are written to errw and skipped.
func (r *Registry) ListUsage(w, errw io.Writer, dirs []string, name string) error {
	names, err := Available(dirs, name)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no plugins in %s: %w", strings.Join(dirs, ":"), os.ErrNotExist)
	}

	fmt.Fprintf(w, "LDMSD plugins in %s : \n", strings.Join(dirs, ":"))
	for _, n := range names {
		if _, loaded := r.Lookup(n); loaded {
			continue
		}
		if err := r.Load(n); err != nil {
			fmt.Fprintf(errw, "Unable to load plugin %s: %v\n", n, err)
			continue
		}
		h, _ := r.Lookup(n)
		writeUsage(w, h.plugin)
		if err := r.Term(n); err != nil {
			fmt.Fprintf(errw, "%v\n", err)
		}
	}
	return nil
}
