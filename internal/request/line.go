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
	"fmt"
	"io"
	"strings"
	"unicode"
)

// opaque verbs pass everything except name= through as one string
// attribute so the receiver sees its options exactly as written.
var opaque = map[ID]bool{
	IDPluginConfig: true,
	IDEnv:          true,
}

// EncodeLine encodes a config line of the form "verb k=v k=v ..." into b
// and appends the terminator. It returns the request id of the verb.
// On error b is left as it was.
func EncodeLine(line string, b *Builder) (ID, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return -1, fmt.Errorf("%w: empty request", ErrNotSupported)
	}
	verb := fields[0]
	id := LookupVerb(verb)
	if !id.Supported() {
		return id, fmt.Errorf("%w: '%s'", ErrNotSupported, verb)
	}

	start := len(b.buf)
	if err := encodeTokens(id, fields[1:], b); err != nil {
		b.buf = b.buf[:start]
		return id, err
	}
	b.End()
	return id, nil
}

func encodeTokens(id ID, tokens []string, b *Builder) error {
	if opaque[id] {
		var folded []string
		for _, tok := range tokens {
			name, value, ok := strings.Cut(tok, "=")
			if ok && name == "name" {
				b.AddID(AttrName, value)
				continue
			}
			folded = append(folded, tok)
		}
		if len(folded) > 0 {
			b.AddString(strings.Join(folded, " "))
		}
		return nil
	}

	for _, tok := range tokens {
		name, value, ok := strings.Cut(tok, "=")
		if !ok {
			b.AddString(tok)
			continue
		}
		if err := b.Add(name, value); err != nil {
			return err
		}
	}
	return nil
}

// LineScanner splits config text into statements. Text after '#' is a
// comment, a trailing '\' joins the next physical line, and blank
// statements are skipped.
type LineScanner struct {
	sc   *bufio.Scanner
	line int
	stmt string
	err  error
}

// NewLineScanner returns a scanner over r. maxLen bounds a physical line.
func NewLineScanner(r io.Reader, maxLen int) *LineScanner {
	sc := bufio.NewScanner(r)
	if maxLen > 0 {
		initial := 4096
		if maxLen < initial {
			initial = maxLen
		}
		sc.Buffer(make([]byte, 0, initial), maxLen)
	}
	return &LineScanner{sc: sc}
}

// Scan advances to the next statement.
func (s *LineScanner) Scan() bool {
	var pending strings.Builder
	for s.sc.Scan() {
		s.line++
		text := s.sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimRightFunc(text, unicode.IsSpace)
		if strings.HasSuffix(text, `\`) {
			pending.WriteString(text[:len(text)-1])
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(text)
		if s.take(&pending) {
			return true
		}
	}
	if s.err = s.sc.Err(); s.err != nil {
		return false
	}
	// A continuation on the last line still forms a statement.
	return s.take(&pending)
}

func (s *LineScanner) take(pending *strings.Builder) bool {
	stmt := strings.TrimSpace(pending.String())
	pending.Reset()
	if stmt == "" {
		return false
	}
	s.stmt = stmt
	return true
}

// Statement returns the most recent statement.
func (s *LineScanner) Statement() string { return s.stmt }

// Line returns the 1-based physical line the most recent statement ended on.
func (s *LineScanner) Line() int { return s.line }

// Err returns the first read error.
func (s *LineScanner) Err() error { return s.err }
