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

package config

import (
	"os"
	"path/filepath"
)

// SystemConfigPath is where a root daemon looks for its YAML settings.
const SystemConfigPath = "/etc/ldms/ldmsd.yaml"

// ConfigDir returns the per-user config directory for ldmsd.
// Respects XDG_CONFIG_HOME, falling back to ~/.config/ldmsd.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "ldmsd"), nil
}

// DefaultPath returns the settings file to load when none was named, or
// "" if no default file exists. Root uses SystemConfigPath; other users
// use ConfigDir()/ldmsd.yaml.
func DefaultPath() string {
	candidate := SystemConfigPath
	if os.Geteuid() != 0 {
		dir, err := ConfigDir()
		if err != nil {
			return ""
		}
		candidate = filepath.Join(dir, "ldmsd.yaml")
	}
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}
