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

package listener

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ldmsd-ln")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestUnix(t *testing.T) {
	path := filepath.Join(shortDir(t), "run", "ldmsd.sock")

	ln, err := Unix(path)
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	assert.NotZero(t, fi.Mode()&os.ModeSocket)

	_, err = Unix(path)
	require.Error(t, err)
	assert.Equal(t, unix.EADDRINUSE, ldmsderrors.Errno(err))

	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestUnix_StaleSocket(t *testing.T) {
	path := filepath.Join(shortDir(t), "stale.sock")

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	ln.SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	require.NoError(t, err, "socket file should survive")

	ln2, err := Unix(path)
	require.NoError(t, err)
	ln2.Close()
}

func TestUnix_NotASocket(t *testing.T) {
	path := filepath.Join(shortDir(t), "file")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := Unix(path)
	require.Error(t, err)
	assert.Equal(t, unix.EEXIST, ldmsderrors.Errno(err))
}

func TestTCP(t *testing.T) {
	ln, err := TCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = TCP(ln.Addr().String())
	require.Error(t, err)
	assert.Equal(t, unix.EADDRINUSE, ldmsderrors.Errno(err))
}

func TestIsRemoteAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{":411", true},
		{"0.0.0.0:411", true},
		{"[::]:411", true},
		{"127.0.0.1:411", false},
		{"[::1]:411", false},
		{"localhost:411", false},
		{"10.1.2.3:411", true},
		{"node01:411", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRemoteAddr(tt.addr))
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		network string
		addr    string
		wantErr bool
	}{
		{in: "unix:///var/run/ldmsd/metric_socket", network: "unix", addr: "/var/run/ldmsd/metric_socket"},
		{in: "/tmp/sock", network: "unix", addr: "/tmp/sock"},
		{in: "tcp://node01:411", network: "tcp", addr: "node01:411"},
		{in: "https://node01", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			network, addr, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.network, network)
			assert.Equal(t, tt.addr, addr)
		})
	}
}
