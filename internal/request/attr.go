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
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// AttrHeaderSize is the encoded size of an attribute header
// (discrim, attr_id, attr_len).
const AttrHeaderSize = 12

var (
	// ErrInvalidAttr is returned for unknown attribute names, names
	// without values, and truncated attribute encodings.
	ErrInvalidAttr = errors.New("invalid attribute")
	// ErrNotSupported is returned for unknown or disabled verbs.
	ErrNotSupported = errors.New("request not supported")
)

// Attr is one decoded attribute. Value excludes the trailing NUL.
type Attr struct {
	ID    AttrID
	Value string
}

// Builder accumulates an encoded attribute sequence. Its capacity starts
// at a fixed size and doubles whenever an append does not fit.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder with the given initial capacity.
func NewBuilder(size int) *Builder {
	if size < AttrHeaderSize {
		size = AttrHeaderSize
	}
	return &Builder{buf: make([]byte, 0, size)}
}

// Len returns the number of encoded bytes.
func (b *Builder) Len() int { return len(b.buf) }

// Cap returns the current capacity.
func (b *Builder) Cap() int { return cap(b.buf) }

// Bytes returns the encoded bytes. The slice aliases the builder.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset empties the builder and keeps its capacity.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

func (b *Builder) grow(n int) {
	if cap(b.buf)-len(b.buf) >= n {
		return
	}
	newCap := cap(b.buf)
	if newCap == 0 {
		newCap = AttrHeaderSize
	}
	for newCap-len(b.buf) < n {
		newCap *= 2
	}
	grown := make([]byte, len(b.buf), newCap)
	copy(grown, b.buf)
	b.buf = grown
}

// Write appends raw bytes, used when reassembling fragments.
func (b *Builder) Write(p []byte) (int, error) {
	b.grow(len(p))
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *Builder) appendAttr(discrim uint32, id AttrID, value string, withValue bool) {
	attrLen := 0
	if withValue {
		attrLen = len(value) + 1
	}
	b.grow(AttrHeaderSize + attrLen)
	b.buf = binary.BigEndian.AppendUint32(b.buf, discrim)
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(id))
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(attrLen))
	if withValue {
		b.buf = append(b.buf, value...)
		b.buf = append(b.buf, 0)
	}
}

// Add appends a typed attribute. Unknown names fail with ErrInvalidAttr
// and leave the buffer unchanged.
func (b *Builder) Add(name, value string) error {
	id, ok := LookupAttr(name)
	if !ok {
		return fmt.Errorf("%w: unknown attribute name '%s'", ErrInvalidAttr, name)
	}
	b.appendAttr(1, id, value, true)
	return nil
}

// AddID appends an attribute by id.
func (b *Builder) AddID(id AttrID, value string) {
	b.appendAttr(1, id, value, true)
}

// AddString appends a generic string attribute.
func (b *Builder) AddString(value string) {
	b.appendAttr(1, AttrString, value, true)
}

// End appends the terminating attribute.
func (b *Builder) End() {
	b.appendAttr(0, 0, "", false)
}

// DecodeAttrs decodes an attribute sequence up to its terminator. A body
// that ends without a terminator is accepted as long as no attribute is
// truncated.
func DecodeAttrs(body []byte) ([]Attr, error) {
	var attrs []Attr
	off := 0
	for off < len(body) {
		if len(body)-off < AttrHeaderSize {
			return nil, fmt.Errorf("%w: truncated header at offset %d", ErrInvalidAttr, off)
		}
		discrim := binary.BigEndian.Uint32(body[off:])
		id := AttrID(binary.BigEndian.Uint32(body[off+4:]))
		attrLen := int(binary.BigEndian.Uint32(body[off+8:]))
		off += AttrHeaderSize
		if discrim == 0 {
			return attrs, nil
		}
		if attrLen < 0 || attrLen > len(body)-off {
			return nil, fmt.Errorf("%w: attribute %d length %d exceeds record", ErrInvalidAttr, id, attrLen)
		}
		value := body[off : off+attrLen]
		off += attrLen
		if n := len(value); n > 0 && value[n-1] == 0 {
			value = value[:n-1]
		}
		attrs = append(attrs, Attr{ID: id, Value: string(value)})
	}
	return attrs, nil
}

// Request is a decoded request: its header and attributes.
type Request struct {
	Header Header
	Attrs  []Attr
}

// ID returns the request id from the header.
func (r *Request) ID() ID {
	return ID(r.Header.Code)
}

// Lookup returns the first attribute with the given id.
func (r *Request) Lookup(id AttrID) (string, bool) {
	for _, a := range r.Attrs {
		if a.ID == id {
			return a.Value, true
		}
	}
	return "", false
}

// Value returns the first attribute value with the given id or "".
func (r *Request) Value(id AttrID) string {
	v, _ := r.Lookup(id)
	return v
}

// Strings returns every generic string attribute in order.
func (r *Request) Strings() []string {
	var out []string
	for _, a := range r.Attrs {
		if a.ID == AttrString {
			out = append(out, a.Value)
		}
	}
	return out
}

// String renders the request as a config line.
func (r *Request) String() string {
	var sb strings.Builder
	sb.WriteString(r.ID().String())
	for _, a := range r.Attrs {
		sb.WriteByte(' ')
		if a.ID == AttrString {
			sb.WriteString(a.Value)
			continue
		}
		sb.WriteString(a.ID.String())
		sb.WriteByte('=')
		sb.WriteString(a.Value)
	}
	return sb.String()
}
