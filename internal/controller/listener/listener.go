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

// Package listener creates the daemon's control socket listeners.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// Unix creates a Unix-domain socket listener at socketPath. A stale
// socket left by a dead daemon is removed; a socket that still accepts
// connections is reported as EADDRINUSE. The listener removes the socket
// file when closed.
func Unix(socketPath string) (*net.UnixListener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "failed to create socket directory %s: %v", dir, err)
	}

	if err := removeStale(socketPath); err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "failed to listen on Unix socket %s: %v", socketPath, err)
	}
	ln.SetUnlinkOnClose(true)

	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "failed to set socket permissions: %v", err)
	}
	return ln, nil
}

func removeStale(socketPath string) error {
	fi, err := os.Lstat(socketPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "cannot stat %s: %v", socketPath, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return ldmsderrors.Status(unix.EEXIST, "%s exists and is not a socket", socketPath)
	}

	if conn, err := net.DialTimeout("unix", socketPath, time.Second); err == nil {
		conn.Close()
		return ldmsderrors.Status(unix.EADDRINUSE, "another daemon is listening on %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "failed to remove existing socket: %v", err)
	}
	return nil
}

// TCP creates a TCP listener on addr.
func TCP(addr string) (*net.TCPListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, ldmsderrors.WrapStatus(err, unix.EINVAL, "invalid TCP address %s: %v", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "failed to listen on TCP %s: %v", addr, err)
	}
	return ln, nil
}

// IsRemoteAddr reports whether addr binds beyond the loopback interface.
func IsRemoteAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		if strings.HasPrefix(addr, ":") {
			host = ""
		}
	}

	switch host {
	case "", "0.0.0.0", "::":
		return true
	case "localhost":
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

// ParseAddress splits a control address of the form unix:///path or
// tcp://host:port.
func ParseAddress(address string) (network, addr string, err error) {
	switch {
	case strings.HasPrefix(address, "unix://"):
		return "unix", strings.TrimPrefix(address, "unix://"), nil
	case strings.HasPrefix(address, "tcp://"):
		return "tcp", strings.TrimPrefix(address, "tcp://"), nil
	case strings.HasPrefix(address, "/"):
		return "unix", address, nil
	}
	return "", "", fmt.Errorf("invalid control address %q (must start with unix:// or tcp://)", address)
}
