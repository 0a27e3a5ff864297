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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingFile is an io.Writer over a log file that can be rotated in
// place. Rotate renames the current file to "<path>-<unix seconds>" and
// reopens path, so external tooling can compress or remove old logs.
type RotatingFile struct {
	mu   sync.Mutex
	path string
	file *os.File

	// now is replaceable in tests.
	now func() time.Time
}

// OpenFile opens (creating if needed) the log file at path for appending.
func OpenFile(path string) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := openLog(path)
	if err != nil {
		return nil, err
	}
	return &RotatingFile{path: path, file: f, now: time.Now}, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// Path returns the active log file path.
func (r *RotatingFile) Path() string {
	return r.path
}

// Write implements io.Writer.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	return r.file.Write(p)
}

// Rotate moves the current file aside and starts a new one. On failure
// the previous file stays active.
func (r *RotatingFile) Rotate() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return "", os.ErrClosed
	}

	rotated := fmt.Sprintf("%s-%d", r.path, r.now().Unix())
	if err := os.Rename(r.path, rotated); err != nil {
		return "", fmt.Errorf("failed to rename log file: %w", err)
	}
	f, err := openLog(r.path)
	if err != nil {
		// Put the old name back so writes keep landing at path.
		_ = os.Rename(rotated, r.path)
		return "", err
	}

	old := r.file
	r.file = f
	_ = old.Close()
	return rotated, nil
}

// Close closes the underlying file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
