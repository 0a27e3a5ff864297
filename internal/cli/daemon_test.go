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

package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovis-hpc/ldmsd/internal/plugin/lnetstats"
)

func TestDaemonCommandFlags(t *testing.T) {
	cmd := NewDaemonCommand()

	tests := []struct {
		name      string
		shorthand string
	}{
		{"config", "c"},
		{"sockname", "S"},
		{"port", "p"},
		{"secret-file", "a"},
		{"libpath", "L"},
		{"loglevel", "v"},
		{"logfile", "l"},
		{"pidfile", "r"},
		{"usage", "u"},
		{"version", "V"},
	}
	for _, tt := range tests {
		f := cmd.Flags().Lookup(tt.name)
		require.NotNil(t, f, "flag %s", tt.name)
		assert.Equal(t, tt.shorthand, f.Shorthand, "flag %s", tt.name)
	}
	assert.NotNil(t, cmd.Flags().Lookup("metrics-addr"))
}

func TestDaemonCommandVersion(t *testing.T) {
	SetVersion("4.3.11", "abc123", "2026-01-02")
	t.Cleanup(func() { SetVersion("dev", "unknown", "unknown") })

	cmd := NewDaemonCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"-V"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "LDMSD Version: 4.3.11 (commit: abc123, built: 2026-01-02)\n", out.String())
}

func TestDaemonCommandUsage(t *testing.T) {
	t.Setenv("LDMSD_PLUGIN_LIBPATH", "")

	cmd := NewDaemonCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--libpath", t.TempDir(), "--usage=" + lnetstats.Name})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "======= SAMPLER "+lnetstats.Name+":")
	assert.Contains(t, out.String(), "config name="+lnetstats.Name)
}

func TestDaemonCommandRejectsArgs(t *testing.T) {
	cmd := NewDaemonCommand()
	cmd.SetArgs([]string{"extra"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestDaemonCommandUnderscoreFlags(t *testing.T) {
	cmd := NewDaemonCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--secret_file", "/etc/ldmsd/secret", "--metrics_addr=:9100"}))
	assert.Equal(t, "/etc/ldmsd/secret", cmd.Flags().Lookup("secret-file").Value.String())
	assert.Equal(t, ":9100", cmd.Flags().Lookup("metrics-addr").Value.String())
}
