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
	"sync"
	"time"
)

// Debouncer holds back events until a path has been quiet for the
// window, then delivers the last one. Editors that save in several steps
// produce a single event.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timers  map[string]*debounceTimer
	onFlush func(Event)
	stopped bool
}

type debounceTimer struct {
	timer *time.Timer
	last  Event
}

// NewDebouncer creates a debouncer that calls onFlush once per quiet
// period per path.
func NewDebouncer(window time.Duration, onFlush func(Event)) *Debouncer {
	return &Debouncer{
		window:  window,
		timers:  make(map[string]*debounceTimer),
		onFlush: onFlush,
	}
}

// Add records an event and restarts the path's timer.
func (d *Debouncer) Add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	dt, exists := d.timers[ev.Path]
	if exists {
		dt.timer.Stop()
	} else {
		dt = &debounceTimer{}
		d.timers[ev.Path] = dt
	}
	dt.last = ev

	path := ev.Path
	dt.timer = time.AfterFunc(d.window, func() {
		d.flush(path)
	})
}

func (d *Debouncer) flush(path string) {
	d.mu.Lock()
	dt, exists := d.timers[path]
	if !exists || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, path)
	d.mu.Unlock()

	// Call onFlush outside of lock to prevent deadlocks
	if d.onFlush != nil {
		d.onFlush(dt.last)
	}
}

// Stop cancels pending timers. Pending events are dropped.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	for path, dt := range d.timers {
		dt.timer.Stop()
		delete(d.timers, path)
	}
}

// Pending returns the number of paths with pending timers.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
