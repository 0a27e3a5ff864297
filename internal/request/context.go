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

package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// FileConn is the connection id used for requests replayed from config
// files.
const FileConn int64 = -1

// Default initial buffer sizes for new contexts.
const (
	DefaultRequestSize = 4096
	DefaultReplySize   = 4096
)

// ErrContextExists is returned when a key is already in flight.
var ErrContextExists = errors.New("request context already exists")

// Key identifies an in-flight request.
type Key struct {
	MsgNo  uint32
	ConnID int64
}

// Responder delivers a finished reply to whoever sent the request.
type Responder interface {
	Respond(ctx context.Context, c *Context, status int) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, c *Context, status int) error

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, c *Context, status int) error {
	return f(ctx, c, status)
}

// Context is the state of one in-flight request. Fragments of a message
// accumulate in Req until the final record arrives.
type Context struct {
	Key    Key
	Header Header

	// Req holds the encoded attribute sequence.
	Req *Builder

	// Reply stages the reply text.
	Reply *ReplyBuffer

	// Responder sends the reply.
	Responder Responder

	// Peer describes the origin (socket peer address or file path).
	Peer string

	freed bool
}

// Request decodes the accumulated attributes.
func (c *Context) Request() (*Request, error) {
	attrs, err := DecodeAttrs(c.Req.Bytes())
	if err != nil {
		return nil, err
	}
	return &Request{Header: c.Header, Attrs: attrs}, nil
}

// Respond hands the reply to the context's responder.
func (c *Context) Respond(ctx context.Context, status int) error {
	if c.Responder == nil {
		return nil
	}
	return c.Responder.Respond(ctx, c, status)
}

// Store maps in-flight keys to contexts. The lock covers insert, lookup
// and remove only; handlers run without it.
type Store struct {
	mu       sync.Mutex
	contexts map[Key]*Context

	reqSize int
	repSize int
	logger  *slog.Logger
}

// NewStore returns an empty store. Sizes <= 0 select the defaults. The
// logger receives mirrored reply text.
func NewStore(reqSize, repSize int, logger *slog.Logger) *Store {
	if reqSize <= 0 {
		reqSize = DefaultRequestSize
	}
	if repSize <= 0 {
		repSize = DefaultReplySize
	}
	return &Store{
		contexts: make(map[Key]*Context),
		reqSize:  reqSize,
		repSize:  repSize,
		logger:   logger,
	}
}

// Alloc creates and registers a context for key.
func (s *Store) Alloc(key Key) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[key]; ok {
		return nil, fmt.Errorf("%w: msg_no %d conn %d", ErrContextExists, key.MsgNo, key.ConnID)
	}
	c := &Context{
		Key:   key,
		Req:   NewBuilder(s.reqSize),
		Reply: NewReplyBuffer(s.repSize, s.logger),
	}
	s.contexts[key] = c
	return c, nil
}

// Find returns the context registered for key, or nil.
func (s *Store) Find(key Key) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[key]
}

// Free removes c and drops its buffers. It reports false if c was
// already freed.
func (s *Store) Free(c *Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c == nil || c.freed {
		return false
	}
	if cur, ok := s.contexts[c.Key]; ok && cur == c {
		delete(s.contexts, c.Key)
	}
	c.freed = true
	c.Req = nil
	c.Reply = nil
	return true
}

// FreeConn drops every context belonging to connID, used when a
// connection closes with a partial message outstanding.
func (s *Store) FreeConn(connID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, c := range s.contexts {
		if key.ConnID != connID {
			continue
		}
		delete(s.contexts, key)
		c.freed = true
		c.Req = nil
		c.Reply = nil
		n++
	}
	return n
}

// Len returns the number of in-flight contexts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}
