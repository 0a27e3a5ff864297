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
	"fmt"
	"log/slog"
)

// ReplyBuffer stages reply text. It grows by doubling and mirrors every
// append to the logger at error level, so replies double as a
// diagnostic trail.
type ReplyBuffer struct {
	buf    []byte
	logger *slog.Logger
}

// NewReplyBuffer returns a buffer with the given initial capacity. A nil
// logger disables mirroring.
func NewReplyBuffer(size int, logger *slog.Logger) *ReplyBuffer {
	if size <= 0 {
		size = 1
	}
	return &ReplyBuffer{buf: make([]byte, 0, size), logger: logger}
}

// Write appends p.
func (r *ReplyBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if need := len(r.buf) + len(p) + 1; need > cap(r.buf) {
		newCap := cap(r.buf)
		for newCap < need {
			newCap *= 2
		}
		grown := make([]byte, len(r.buf), newCap)
		copy(grown, r.buf)
		r.buf = grown
	}
	r.buf = append(r.buf, p...)
	if r.logger != nil {
		r.logger.LogAttrs(context.Background(), slog.LevelError, string(p))
	}
	return len(p), nil
}

// WriteString appends s.
func (r *ReplyBuffer) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Printf appends formatted text.
func (r *ReplyBuffer) Printf(format string, args ...interface{}) {
	_, _ = r.WriteString(fmt.Sprintf(format, args...))
}

// Bytes returns the staged reply.
func (r *ReplyBuffer) Bytes() []byte { return r.buf }

// String returns the staged reply as a string.
func (r *ReplyBuffer) String() string { return string(r.buf) }

// Len returns the number of staged bytes.
func (r *ReplyBuffer) Len() int { return len(r.buf) }

// Cap returns the current capacity.
func (r *ReplyBuffer) Cap() int { return cap(r.buf) }

// Reset discards the staged reply and keeps the capacity.
func (r *ReplyBuffer) Reset() { r.buf = r.buf[:0] }

// ReplyBody encodes reply text as one string attribute and the terminator.
func ReplyBody(msg []byte) []byte {
	b := NewBuilder(2*AttrHeaderSize + len(msg) + 1)
	if len(msg) > 0 {
		b.AddString(string(msg))
	}
	b.End()
	return b.Bytes()
}

// ReplyText extracts the reply text from a decoded reply body.
func ReplyText(body []byte) (string, error) {
	attrs, err := DecodeAttrs(body)
	if err != nil {
		return "", err
	}
	for _, a := range attrs {
		if a.ID == AttrString {
			return a.Value, nil
		}
	}
	return "", nil
}
