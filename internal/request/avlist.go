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

import "strings"

// AV is one name=value pair.
type AV struct {
	Name  string
	Value string
}

// AVList holds the options handed to plugins and line handlers: the
// name=value pairs and the bare keywords of a string, each in order.
type AVList struct {
	Pairs    []AV
	Keywords []string
}

// ParseAVList tokenizes s on whitespace.
func ParseAVList(s string) AVList {
	var l AVList
	for _, tok := range strings.Fields(s) {
		if name, value, ok := strings.Cut(tok, "="); ok {
			l.Pairs = append(l.Pairs, AV{Name: name, Value: value})
			continue
		}
		l.Keywords = append(l.Keywords, tok)
	}
	return l
}

// Lookup returns the value of the first pair with the given name.
func (l AVList) Lookup(name string) (string, bool) {
	for _, av := range l.Pairs {
		if av.Name == name {
			return av.Value, true
		}
	}
	return "", false
}

// Value returns the value of name or "".
func (l AVList) Value(name string) string {
	v, _ := l.Lookup(name)
	return v
}

// HasKeyword reports whether kw appears as a bare keyword.
func (l AVList) HasKeyword(kw string) bool {
	for _, k := range l.Keywords {
		if k == kw {
			return true
		}
	}
	return false
}

// Set replaces the first pair named name or appends one.
func (l *AVList) Set(name, value string) {
	for i := range l.Pairs {
		if l.Pairs[i].Name == name {
			l.Pairs[i].Value = value
			return
		}
	}
	l.Pairs = append(l.Pairs, AV{Name: name, Value: value})
}

// String renders the list back to "k=v ... kw ..." form.
func (l AVList) String() string {
	parts := make([]string, 0, len(l.Pairs)+len(l.Keywords))
	for _, av := range l.Pairs {
		parts = append(parts, av.Name+"="+av.Value)
	}
	parts = append(parts, l.Keywords...)
	return strings.Join(parts, " ")
}
