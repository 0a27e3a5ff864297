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

package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/ovis-hpc/ldmsd/internal/controller/metrics"
	"github.com/ovis-hpc/ldmsd/internal/dispatch"
	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/request"
)

const (
	// DefaultHandshakeTimeout bounds the TCP challenge exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds writing one reply.
	DefaultWriteTimeout = 10 * time.Second
)

// connIDs numbers connections across all servers so their request
// contexts never collide in the shared store.
var connIDs atomic.Int64

// ServerConfig configures a control socket server.
type ServerConfig struct {
	// Name labels the listener in logs and metrics ("unix", "tcp").
	Name string

	Listener   net.Listener
	Dispatcher *dispatch.Dispatcher

	// Auth, when set, runs the challenge handshake on every accepted
	// connection. A TCP server always has one; with no secret it only
	// sends the zero greeting.
	Auth *Authenticator

	// BufLen is the initial read buffer and the largest reply record.
	BufLen int

	// MaxRecordLen caps the rec_len a client may declare. Zero is
	// unbounded.
	MaxRecordLen int

	HandshakeTimeout time.Duration

	// AcceptRetry limits how fast a failing Accept is retried.
	AcceptRetry rate.Limit

	Logger *slog.Logger
}

// Server serves one control listener. Connections are handled one at a
// time, in the accepting goroutine.
type Server struct {
	config  ServerConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewServer creates a server for cfg.Listener.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Listener.Addr().Network()
	}
	if cfg.BufLen <= 0 {
		cfg.BufLen = dispatch.DefaultConfigBufLen
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.AcceptRetry <= 0 {
		cfg.AcceptRetry = rate.Every(100 * time.Millisecond)
	}
	return &Server{
		config:  cfg,
		logger:  cfg.Logger.With(slog.String("listener", cfg.Name)),
		limiter: rate.NewLimiter(cfg.AcceptRetry, 1),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.config.Listener.Addr()
}

// Serve accepts and serves connections until Close is called, ctx is
// done, or a dispatched exit command completes. Accept failures are
// logged and retried.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.logger.Info("control listener started", slog.String("addr", s.Addr().String()))
	for {
		conn, err := s.config.Listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", internallog.Error(err))
			metrics.RecordConnError(s.config.Name, "accept")
			if werr := s.limiter.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.serveConn(ctx, conn)
		s.track(nil)

		if s.config.Dispatcher.ExitRequested() {
			s.logger.Info("control listener stopping for exit")
			return nil
		}
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && conn != nil {
		return false
	}
	s.conn = conn
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listener and drops the connection being served.
// A Unix listener removes its socket file. Close is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	err := s.config.Listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// serveConn runs the request loop of one connection: read a record,
// reassemble the message, dispatch it once complete, repeat. Any read
// error ends the connection only.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	connID := connIDs.Add(1)
	remote := conn.RemoteAddr().String()
	logger := internallog.WithConn(s.logger, uuid.NewString()).With(slog.String("remote", remote))

	metrics.ConnectionOpened(s.config.Name)
	contexts := s.config.Dispatcher.Contexts()
	defer func() {
		if n := contexts.FreeConn(connID); n > 0 {
			logger.Debug("dropped incomplete requests", slog.Int("count", n))
		}
		conn.Close()
		metrics.ConnectionClosed(s.config.Name)
		logger.Debug("control connection closed")
	}()
	logger.Debug("control connection accepted")

	if s.config.Auth != nil {
		if err := s.handshake(conn, remote); err != nil {
			logger.Warn("authentication failed", internallog.Error(err))
			return
		}
	}

	rr := request.NewRecordReader(conn, s.config.BufLen, s.config.MaxRecordLen)
	for {
		hdr, body, err := rr.Next()
		if errors.Is(err, request.ErrRecordTooLarge) {
			logger.Warn("control record too large", internallog.Error(err))
			metrics.RecordConnError(s.config.Name, "oversize")
			if werr := s.writeReply(conn, hdr.MsgNo, -int(unix.E2BIG), err.Error()); werr != nil {
				logger.Warn("control write failed", internallog.Error(werr))
			}
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("control read failed", internallog.Error(err))
				metrics.RecordConnError(s.config.Name, "read")
			}
			return
		}
		if err := s.handleRecord(ctx, conn, connID, hdr, body, logger); err != nil {
			logger.Warn("control write failed", internallog.Error(err))
			metrics.RecordConnError(s.config.Name, "write")
			return
		}
		if s.config.Dispatcher.ExitRequested() {
			return
		}
	}
}

// handshake sends the challenge (or the zero greeting) and checks the
// client's response.
func (s *Server) handshake(conn net.Conn, remote string) error {
	auth := s.config.Auth
	conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := auth.CheckLockout(remote); err != nil {
		metrics.RecordAuthFailure("lockout")
		return err
	}

	c, err := auth.Challenge()
	if err != nil {
		return err
	}
	if _, err := conn.Write(c.Bytes()); err != nil {
		return err
	}
	if c.IsZero() {
		return nil
	}

	resp := make([]byte, ResponseSize)
	if _, err := io.ReadFull(conn, resp); err != nil {
		metrics.RecordAuthFailure("read")
		return err
	}

	var verdict [4]byte
	verr := auth.Verify(c, string(resp), remote)
	switch {
	case errors.Is(verr, ErrRateLimitExceeded):
		metrics.RecordAuthFailure("lockout")
	case verr != nil:
		metrics.RecordAuthFailure("mismatch")
	default:
		binary.BigEndian.PutUint32(verdict[:], uint32(Approved))
	}
	if _, err := conn.Write(verdict[:]); err != nil && verr == nil {
		return err
	}
	return verr
}

// handleRecord feeds one record into its request context and dispatches
// the request when the final record arrives. The returned error is a
// write failure on conn.
func (s *Server) handleRecord(ctx context.Context, conn net.Conn, connID int64, hdr request.Header, body []byte, logger *slog.Logger) error {
	contexts := s.config.Dispatcher.Contexts()
	key := request.Key{MsgNo: hdr.MsgNo, ConnID: connID}

	if hdr.Type != request.TypeRequest {
		return s.writeReply(conn, hdr.MsgNo, -int(unix.EINVAL), "Unexpected record type.")
	}

	var reqc *request.Context
	if hdr.SOM() {
		var err error
		reqc, err = contexts.Alloc(key)
		if err != nil {
			logger.Warn("duplicate message number", slog.Any(internallog.MsgNoKey, hdr.MsgNo))
			return s.writeReply(conn, hdr.MsgNo, -int(unix.EADDRINUSE), "The message number is already in use.")
		}
		reqc.Header = hdr
		reqc.Peer = conn.RemoteAddr().String()
		reqc.Responder = &connResponder{conn: conn, maxRec: s.config.BufLen}
	} else {
		reqc = contexts.Find(key)
		if reqc == nil {
			return s.writeReply(conn, hdr.MsgNo, -int(unix.EINVAL), "No request in progress for this message number.")
		}
	}

	if _, err := reqc.Req.Write(body); err != nil {
		contexts.Free(reqc)
		return s.writeReply(conn, hdr.MsgNo, -int(unix.ENOMEM), "Out of memory")
	}
	if !hdr.EOM() {
		return nil
	}

	defer contexts.Free(reqc)
	s.config.Dispatcher.Dispatch(ctx, reqc)
	return reqc.Responder.(*connResponder).err
}

func (s *Server) writeReply(conn net.Conn, msgNo uint32, status int, text string) error {
	r := &connResponder{conn: conn, maxRec: s.config.BufLen}
	return r.send(msgNo, status, []byte(text))
}

// connResponder writes a reply back on the requesting connection.
type connResponder struct {
	conn   net.Conn
	maxRec int
	err    error
}

// Respond implements request.Responder.
func (r *connResponder) Respond(_ context.Context, c *request.Context, status int) error {
	r.err = r.send(c.Key.MsgNo, status, c.Reply.Bytes())
	return r.err
}

func (r *connResponder) send(msgNo uint32, status int, text []byte) error {
	hdr := request.Header{
		Type:  request.TypeReply,
		MsgNo: msgNo,
		Code:  int32(status),
	}
	r.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	defer r.conn.SetWriteDeadline(time.Time{})
	for _, rec := range request.Fragment(hdr, request.ReplyBody(text), r.maxRec) {
		if _, err := r.conn.Write(rec); err != nil {
			return err
		}
	}
	return nil
}
