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
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Marker: RecordMarker,
		Type:   TypeRequest,
		Flags:  FlagSOM | FlagEOM,
		MsgNo:  42,
		Code:   int32(IDPluginLoad),
		RecLen: HeaderSize + 8,
	}
	b := h.AppendTo(nil)
	require.Len(t, b, HeaderSize)

	got, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.SOM())
	assert.True(t, got.EOM())
}

func TestParseHeader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{
			name:    "too short",
			input:   make([]byte, HeaderSize-1),
			wantErr: ErrShortRecord,
		},
		{
			name:    "bad marker",
			input:   Header{Marker: 0x1234, RecLen: HeaderSize}.AppendTo(nil),
			wantErr: ErrBadMarker,
		},
		{
			name:    "rec_len smaller than header",
			input:   Header{Marker: RecordMarker, RecLen: 3}.AppendTo(nil),
			wantErr: ErrShortRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFragment(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 100)
	records := Fragment(Header{Type: TypeReply, MsgNo: 7}, body, HeaderSize+40)
	require.Len(t, records, 3)

	var joined []byte
	for i, rec := range records {
		h, err := ParseHeader(rec)
		require.NoError(t, err)
		assert.Equal(t, uint32(len(rec)), h.RecLen)
		assert.Equal(t, uint32(7), h.MsgNo)
		assert.Equal(t, i == 0, h.SOM(), "record %d SOM", i)
		assert.Equal(t, i == len(records)-1, h.EOM(), "record %d EOM", i)
		joined = append(joined, rec[HeaderSize:]...)
	}
	assert.Equal(t, body, joined)
}

func TestFragment_SingleRecord(t *testing.T) {
	records := Fragment(Header{Flags: FlagSOM}, nil, 0)
	require.Len(t, records, 1)
	h, err := ParseHeader(records[0])
	require.NoError(t, err)
	assert.Equal(t, FlagSOM|FlagEOM, h.Flags)
	assert.Equal(t, uint32(HeaderSize), h.RecLen)
}

func TestRecordReader_GrowsToDeclaredLength(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 300)
	small := EncodeRecord(Header{Type: TypeRequest, MsgNo: 1}, []byte("hi"))
	large := EncodeRecord(Header{Type: TypeRequest, MsgNo: 2}, body)

	rr := NewRecordReader(bytes.NewReader(append(small, large...)), 64, 0)
	assert.Equal(t, 64, rr.BufferLen())

	h, got, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), h.MsgNo)
	assert.Equal(t, []byte("hi"), got)
	assert.Equal(t, 64, rr.BufferLen())

	h, got, err = rr.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.MsgNo)
	assert.Equal(t, body, got)
	assert.Equal(t, HeaderSize+300, rr.BufferLen())

	_, _, err = rr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecordReader_ShortRead(t *testing.T) {
	rec := EncodeRecord(Header{Type: TypeRequest}, bytes.Repeat([]byte("b"), 50))
	rr := NewRecordReader(bytes.NewReader(rec[:HeaderSize+10]), 128, 0)

	_, _, err := rr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRecordReader_PartialHeader(t *testing.T) {
	rec := EncodeRecord(Header{Type: TypeRequest}, nil)
	rr := NewRecordReader(bytes.NewReader(rec[:10]), 128, 0)

	_, _, err := rr.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF))
}

func TestRecordReader_Limit(t *testing.T) {
	rec := EncodeRecord(Header{Type: TypeRequest}, bytes.Repeat([]byte("c"), 500))
	rr := NewRecordReader(bytes.NewReader(rec), 64, 256)

	_, _, err := rr.Next()
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	assert.Equal(t, 64, rr.BufferLen())
}
