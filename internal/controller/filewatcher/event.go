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

package filewatcher

import (
	"path/filepath"
	"time"
)

// Event types.
const (
	Created  = "created"
	Modified = "modified"
	Deleted  = "deleted"
	Renamed  = "renamed"
)

// Event is a change to a watched file.
type Event struct {
	// Path is the absolute path of the file.
	Path string

	// Type is one of Created, Modified, Deleted or Renamed.
	Type string

	// Size and MTime are zero when the file is gone.
	Size  int64
	MTime time.Time
}

// Name returns the file name without its directory.
func (e Event) Name() string {
	return filepath.Base(e.Path)
}

// Exists reports whether the file was present after the change.
func (e Event) Exists() bool {
	return e.Type == Created || e.Type == Modified
}
