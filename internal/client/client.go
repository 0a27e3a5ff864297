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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// ErrInvalidCommand wraps a line that could not be encoded. Nothing was
// sent and the connection is still usable.
var ErrInvalidCommand = errors.New("invalid command")

// DefaultMaxRecordLen is the largest request record sent before a
// request is split into fragments.
const DefaultMaxRecordLen = 8192

// Client sends configuration commands to a running daemon over one
// control connection. Requests are sent one at a time.
type Client struct {
	transport *Transport
	secret    string
	maxRec    int
	timeout   time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *request.RecordReader
	msgNo  uint32
}

// Reply is the daemon's answer to one command.
type Reply struct {
	MsgNo   uint32
	Code    int32
	Message string
}

// Err returns nil for a successful reply and a StatusError carrying the
// negated code otherwise.
func (r Reply) Err() error {
	if r.Code == 0 {
		return nil
	}
	return &ldmsderrors.StatusError{Errno: unix.Errno(-r.Code), Message: r.Message}
}

// String renders the reply as "<code> <message>".
func (r Reply) String() string {
	if r.Message == "" {
		return fmt.Sprintf("%d", r.Code)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// Option configures a Client.
type Option func(*Client) error

// WithTransport sets where the daemon listens.
func WithTransport(t *Transport) Option {
	return func(c *Client) error {
		c.transport = t
		return nil
	}
}

// WithSocketPath connects to a Unix control socket.
func WithSocketPath(path string) Option {
	return WithTransport(NewUnixTransport(path))
}

// WithTCPAddr connects to a TCP control socket.
func WithTCPAddr(addr string) Option {
	return WithTransport(NewTCPTransport(addr))
}

// WithSecret sets the shared secret used to answer a TCP challenge.
func WithSecret(secret string) Option {
	return func(c *Client) error {
		c.secret = secret
		return nil
	}
}

// WithMaxRecordLen sets the fragment size for requests.
func WithMaxRecordLen(n int) Option {
	return func(c *Client) error {
		if n <= request.HeaderSize {
			return fmt.Errorf("max record length %d must exceed the %d-byte header", n, request.HeaderSize)
		}
		c.maxRec = n
		return nil
	}
}

// WithTimeout bounds dialing and each request round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// Dial connects to the daemon and completes the TCP handshake, if any.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	c := &Client{
		maxRec:  DefaultMaxRecordLen,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.transport == nil {
		t, err := DefaultTransport()
		if err != nil {
			return nil, err
		}
		c.transport = t
	}

	conn, err := c.transport.dial(ctx, c.secret, c.timeout)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.reader = request.NewRecordReader(conn, c.maxRec, 0)
	return c, nil
}

// Send encodes one configuration line, sends it and waits for the reply.
// A line that cannot be encoded is reported without contacting the
// daemon.
func (c *Client) Send(ctx context.Context, line string) (Reply, error) {
	b := request.NewBuilder(c.maxRec)
	id, err := request.EncodeLine(line, b)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgNo++
	hdr := request.Header{Type: request.TypeRequest, MsgNo: c.msgNo, Code: int32(id)}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	for _, rec := range request.Fragment(hdr, b.Bytes(), c.maxRec) {
		if _, err := c.conn.Write(rec); err != nil {
			return Reply{}, c.ioError(ctx, err)
		}
	}
	return c.readReply(ctx, hdr.MsgNo)
}

func (c *Client) readReply(ctx context.Context, msgNo uint32) (Reply, error) {
	var body []byte
	for {
		hdr, part, err := c.reader.Next()
		if err != nil {
			return Reply{}, c.ioError(ctx, err)
		}
		if hdr.Type != request.TypeReply || hdr.MsgNo != msgNo {
			return Reply{}, ldmsderrors.Status(unix.EPROTO, "unexpected record (type %d, msg_no %d) waiting for reply %d", hdr.Type, hdr.MsgNo, msgNo)
		}
		body = append(body, part...)
		if !hdr.EOM() {
			continue
		}
		text, err := request.ReplyText(body)
		if err != nil {
			return Reply{}, ldmsderrors.WrapStatus(err, unix.EPROTO, "malformed reply: %v", err)
		}
		return Reply{MsgNo: msgNo, Code: hdr.Code, Message: text}, nil
	}
}

func (c *Client) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("control connection: %w", err)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
