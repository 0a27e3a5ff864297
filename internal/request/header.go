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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// RecordMarker opens every record on the wire.
const RecordMarker uint32 = 0xffffffff

// HeaderSize is the encoded size of Header.
const HeaderSize = 24

// RecordType distinguishes requests from replies.
type RecordType uint32

const (
	TypeRequest RecordType = 1
	TypeReply   RecordType = 2
)

// Flag carries message boundary bits.
type Flag uint32

const (
	// FlagSOM marks the first record of a message.
	FlagSOM Flag = 1
	// FlagEOM marks the last record of a message.
	FlagEOM Flag = 2
)

var (
	// ErrShortRecord is returned for records smaller than their header.
	ErrShortRecord = errors.New("short record")
	// ErrBadMarker is returned when a record does not start with RecordMarker.
	ErrBadMarker = errors.New("bad record marker")
	// ErrRecordTooLarge is returned when a declared length exceeds the reader limit.
	ErrRecordTooLarge = errors.New("record too large")
)

// Header precedes every record. All fields are big-endian on the wire.
type Header struct {
	Marker uint32
	Type   RecordType
	Flags  Flag
	MsgNo  uint32
	// Code is the request id in requests and the status in replies.
	Code   int32
	RecLen uint32
}

// SOM reports whether the record starts a message.
func (h Header) SOM() bool { return h.Flags&FlagSOM != 0 }

// EOM reports whether the record ends a message.
func (h Header) EOM() bool { return h.Flags&FlagEOM != 0 }

// AppendTo appends the encoded header to dst.
func (h Header) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Marker)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Flags))
	dst = binary.BigEndian.AppendUint32(dst, h.MsgNo)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Code))
	dst = binary.BigEndian.AppendUint32(dst, h.RecLen)
	return dst
}

// ParseHeader decodes and checks a header from the front of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortRecord
	}
	h := Header{
		Marker: binary.BigEndian.Uint32(b[0:]),
		Type:   RecordType(binary.BigEndian.Uint32(b[4:])),
		Flags:  Flag(binary.BigEndian.Uint32(b[8:])),
		MsgNo:  binary.BigEndian.Uint32(b[12:]),
		Code:   int32(binary.BigEndian.Uint32(b[16:])),
		RecLen: binary.BigEndian.Uint32(b[20:]),
	}
	if h.Marker != RecordMarker {
		return Header{}, fmt.Errorf("%w: 0x%08x", ErrBadMarker, h.Marker)
	}
	if h.RecLen < HeaderSize {
		return Header{}, fmt.Errorf("%w: rec_len %d", ErrShortRecord, h.RecLen)
	}
	return h, nil
}

// EncodeRecord returns header followed by body with RecLen filled in.
func EncodeRecord(h Header, body []byte) []byte {
	h.Marker = RecordMarker
	h.RecLen = uint32(HeaderSize + len(body))
	out := make([]byte, 0, h.RecLen)
	out = h.AppendTo(out)
	return append(out, body...)
}

// Fragment splits a message body into records no larger than maxRec.
// The first record carries FlagSOM and the last FlagEOM; a body that
// fits in one record carries both.
func Fragment(h Header, body []byte, maxRec int) [][]byte {
	chunk := maxRec - HeaderSize
	if chunk <= 0 {
		chunk = len(body)
	}

	var records [][]byte
	off := 0
	for {
		end := off + chunk
		if end > len(body) {
			end = len(body)
		}
		rh := h
		rh.Flags &^= FlagSOM | FlagEOM
		if off == 0 {
			rh.Flags |= FlagSOM
		}
		if end == len(body) {
			rh.Flags |= FlagEOM
		}
		records = append(records, EncodeRecord(rh, body[off:end]))
		if end == len(body) {
			return records
		}
		off = end
	}
}

// RecordReader reads framed records from a stream. It peeks the header to
// learn the declared length, grows its buffer to exactly that length when
// the current one is smaller, then reads the whole record.
type RecordReader struct {
	r   *bufio.Reader
	buf []byte
	max int
}

// NewRecordReader returns a reader with an initial buffer of size bytes.
// max bounds the accepted rec_len; zero means unbounded.
func NewRecordReader(r io.Reader, size, max int) *RecordReader {
	if size < HeaderSize {
		size = HeaderSize
	}
	return &RecordReader{
		r:   bufio.NewReaderSize(r, HeaderSize),
		buf: make([]byte, size),
		max: max,
	}
}

// BufferLen returns the current read buffer size.
func (rr *RecordReader) BufferLen() int {
	return len(rr.buf)
}

// PeekHeader blocks until a full header is available and decodes it
// without consuming it.
func (rr *RecordReader) PeekHeader() (Header, error) {
	b, err := rr.r.Peek(HeaderSize)
	if err != nil {
		return Header{}, err
	}
	return ParseHeader(b)
}

// ReadBody consumes the record announced by h. The returned body aliases
// the reader's buffer and is valid until the next call.
func (rr *RecordReader) ReadBody(h Header) ([]byte, error) {
	n := int(h.RecLen)
	if rr.max > 0 && n > rr.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, n, rr.max)
	}
	if len(rr.buf) < n {
		rr.buf = make([]byte, n)
	}
	if _, err := io.ReadFull(rr.r, rr.buf[:n]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return rr.buf[HeaderSize:n], nil
}

// Next reads one full record.
func (rr *RecordReader) Next() (Header, []byte, error) {
	h, err := rr.PeekHeader()
	if err != nil {
		return Header{}, nil, err
	}
	body, err := rr.ReadBody(h)
	return h, body, err
}
