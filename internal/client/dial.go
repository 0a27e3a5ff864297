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

package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ovis-hpc/ldmsd/internal/config"
	"github.com/ovis-hpc/ldmsd/internal/controller/listener"
	"github.com/ovis-hpc/ldmsd/internal/rpc"
)

// Environment variable names for client configuration.
const (
	HostEnv       = "LDMSCTL_HOST"
	SecretFileEnv = "LDMSD_SECRET_FILE"
	SockPathEnv   = "LDMSD_SOCKPATH"
)

// DefaultSocketPath returns the daemon's default control socket.
func DefaultSocketPath() string {
	dir := config.DefaultSocketDir
	if v := os.Getenv(SockPathEnv); v != "" {
		dir = v
	}
	return filepath.Join(dir, config.DefaultSocketName)
}

// ParseHost parses a control address into a transport.
// Supports:
//   - unix:///path/to/socket
//   - /path/to/socket
//   - tcp://host:port
//
// If host is empty, returns a transport for the default socket path.
func ParseHost(host string) (*Transport, error) {
	if host == "" {
		return DefaultTransport()
	}
	network, addr, err := listener.ParseAddress(host)
	if err != nil {
		return nil, err
	}
	if network == "tcp" {
		return NewTCPTransport(addr), nil
	}
	return NewUnixTransport(addr), nil
}

// EnvOptions returns options taken from LDMSCTL_HOST and
// LDMSD_SECRET_FILE.
func EnvOptions() ([]Option, error) {
	t, err := ParseHost(os.Getenv(HostEnv))
	if err != nil {
		return nil, err
	}
	opts := []Option{WithTransport(t)}

	if path := os.Getenv(SecretFileEnv); path != "" && t.TCPAddr != "" {
		secret, err := rpc.LoadSecret(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSecret(secret))
	}
	return opts, nil
}

// DaemonNotRunningError indicates nothing is listening at the address.
type DaemonNotRunningError struct {
	Address string
	Err     error
}

func (e *DaemonNotRunningError) Error() string {
	return fmt.Sprintf("ldmsd is not running (address: %s)", e.Address)
}

func (e *DaemonNotRunningError) Unwrap() error {
	return e.Err
}

// Guidance returns user-friendly guidance for reaching the daemon.
func (e *DaemonNotRunningError) Guidance() string {
	return `ldmsd is not running or is listening elsewhere.

Start the daemon with:
  ldmsd -c /etc/ldmsd.conf      # Replay a configuration file
  ldmsd -S /tmp/ldmsd.sock      # Custom control socket

Or point the client at it:
  ldmsctl -S /path/to/socket
  LDMSCTL_HOST=tcp://host:10001 ldmsctl`
}

// IsDaemonNotRunning checks if an error indicates the daemon is not running.
func IsDaemonNotRunning(err error) bool {
	if err == nil {
		return false
	}
	var dnr *DaemonNotRunningError
	if errors.As(err, &dnr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		strings.Contains(err.Error(), "connection refused")
}
