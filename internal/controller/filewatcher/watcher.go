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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a change is delivered.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports changes to a single file. It watches the containing
// directory, so a file that is replaced by rename is still followed.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	events chan Event

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for path. A zero window delivers every
// event without debouncing.
func NewWatcher(path string, window time.Duration, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	w := &Watcher{
		path:    absPath,
		watcher: fsw,
		logger:  logger.With(slog.String("component", "filewatcher"), slog.String("path", absPath)),
		events:  make(chan Event, 16),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if window > 0 {
		w.debouncer = NewDebouncer(window, w.emit)
	}
	return w, nil
}

// Start begins watching until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
}

// Events returns the change channel. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher and releases resources. It is safe to call more
// than once. Stop must not be called before Start.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)
	defer w.closeEvents()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	var ev Event
	switch {
	case event.Op&fsnotify.Create != 0:
		ev.Type = Created
	case event.Op&fsnotify.Write != 0:
		ev.Type = Modified
	case event.Op&fsnotify.Remove != 0:
		ev.Type = Deleted
	case event.Op&fsnotify.Rename != 0:
		ev.Type = Renamed
	default:
		// chmod
		return
	}
	ev.Path = w.path
	if info, err := os.Stat(w.path); err == nil {
		ev.Size = info.Size()
		ev.MTime = info.ModTime()
	}

	if w.debouncer != nil {
		w.debouncer.Add(ev)
		return
	}
	w.emit(ev)
}

func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
		w.logger.Debug("file event", "type", ev.Type)
	default:
		w.logger.Warn("event channel full, dropping event", "type", ev.Type)
	}
}

func (w *Watcher) closeEvents() {
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	close(w.events)
}
