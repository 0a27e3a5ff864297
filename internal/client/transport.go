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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/ovis-hpc/ldmsd/internal/rpc"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// ErrRejected is returned when the daemon refuses the challenge response.
var ErrRejected = errors.New("authentication rejected")

// Transport says where the daemon listens.
type Transport struct {
	// SocketPath is the Unix socket path for local connections.
	SocketPath string

	// TCPAddr is the TCP address for remote connections.
	TCPAddr string
}

// String returns the transport in address form.
func (t *Transport) String() string {
	if t.TCPAddr != "" {
		return "tcp://" + t.TCPAddr
	}
	return "unix://" + t.SocketPath
}

func (t *Transport) dial(ctx context.Context, secret string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}

	if t.TCPAddr == "" {
		conn, err := d.DialContext(ctx, "unix", t.SocketPath)
		if err != nil {
			return nil, t.dialError(err)
		}
		return conn, nil
	}

	conn, err := d.DialContext(ctx, "tcp", t.TCPAddr)
	if err != nil {
		return nil, t.dialError(err)
	}
	if err := handshake(conn, secret, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *Transport) dialError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return &DaemonNotRunningError{Address: t.String(), Err: err}
	}
	return fmt.Errorf("dial %s: %w", t, err)
}

// handshake answers the daemon's challenge. A zero challenge means the
// daemon has no secret and expects nothing back.
func handshake(conn net.Conn, secret string, timeout time.Duration) error {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	buf := make([]byte, rpc.ChallengeSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	c, err := rpc.ParseChallenge(buf)
	if err != nil {
		return err
	}
	if c.IsZero() {
		return nil
	}
	if secret == "" {
		return ldmsderrors.Status(syscall.EACCES, "daemon requires a secret")
	}

	if _, err := io.WriteString(conn, rpc.ChallengeResponse(secret, c)); err != nil {
		return fmt.Errorf("send challenge response: %w", err)
	}
	var verdict int32
	if err := binary.Read(conn, binary.BigEndian, &verdict); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrRejected
		}
		return fmt.Errorf("read verdict: %w", err)
	}
	if verdict != rpc.Approved {
		return ErrRejected
	}
	return nil
}

// DefaultTransport creates a transport using the default socket path.
func DefaultTransport() (*Transport, error) {
	return NewUnixTransport(DefaultSocketPath()), nil
}

// NewUnixTransport creates a transport for a Unix socket.
func NewUnixTransport(socketPath string) *Transport {
	return &Transport{
		SocketPath: socketPath,
	}
}

// NewTCPTransport creates a transport for a TCP connection.
func NewTCPTransport(addr string) *Transport {
	return &Transport{
		TCPAddr: addr,
	}
}
