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

package plugin

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// Start runs the named sampler every interval. When synchronous is set
// samples are aligned to multiples of interval plus offset.
func (r *Registry) Start(name string, interval, offset time.Duration, synchronous bool) error {
	if interval <= 0 {
		return ldmsderrors.Status(unix.EINVAL, "The sample interval must be positive")
	}

	h, err := r.Get(name)
	if err != nil {
		return err
	}
	if _, ok := h.plugin.(Sampler); !ok {
		r.Put(h)
		return ldmsderrors.Status(unix.EINVAL, "The plugin '%s' is not a sampler", name)
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		r.Put(h)
		return ldmsderrors.Status(unix.EBUSY, "The plugin '%s' is already running", name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.interval = interval
	h.offset = offset
	h.synchronous = synchronous
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	go r.run(ctx, h, interval, offset, synchronous, done)

	r.logger.Info("sampler started",
		slog.String(internallog.PluginKey, name),
		slog.Duration("interval", interval),
		slog.Duration("offset", offset),
		slog.Bool("synchronous", synchronous))
	return nil
}

func (r *Registry) run(ctx context.Context, h *Handle, interval, offset time.Duration, synchronous bool, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(nextSample(time.Now(), interval, offset, synchronous))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			h.sample(ctx, r.logger)
			timer.Reset(nextSample(time.Now(), interval, offset, synchronous))
		}
	}
}

// nextSample returns the delay until the next sample.
func nextSample(now time.Time, interval, offset time.Duration, synchronous bool) time.Duration {
	if !synchronous {
		return interval
	}
	next := now.Truncate(interval).Add(offset)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next.Sub(now)
}

// Stop halts the sampler runner for name and drops its reference.
func (r *Registry) Stop(name string) error {
	h, ok := r.Lookup(name)
	if !ok {
		return ldmsderrors.Status(unix.ENOENT, "Sampler not found.")
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ldmsderrors.Status(unix.EBUSY, "The sampler is not running.")
	}
	cancel, done := h.cancel, h.done
	h.running = false
	h.cancel = nil
	h.mu.Unlock()

	cancel()
	<-done
	r.Put(h)

	r.logger.Info("sampler stopped", slog.String(internallog.PluginKey, name))
	return nil
}

// StopAll stops every running sampler.
func (r *Registry) StopAll() {
	for _, h := range r.List() {
		if h.Running() {
			_ = r.Stop(h.name)
		}
	}
}

// Oneshot schedules a single sample of name at when, which is "now" or
// a unix timestamp in seconds. The sample runs asynchronously.
func (r *Registry) Oneshot(name, when string) error {
	at, err := parseOneshotTime(when, time.Now())
	if err != nil {
		return err
	}

	h, err := r.Get(name)
	if err != nil {
		return err
	}
	if _, ok := h.plugin.(Sampler); !ok {
		r.Put(h)
		return ldmsderrors.Status(unix.EINVAL, "The plugin '%s' is not a sampler", name)
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		defer r.Put(h)
		h.sample(context.Background(), r.logger)
	})
	return nil
}

func parseOneshotTime(when string, now time.Time) (time.Time, error) {
	if when == "now" {
		return now, nil
	}
	secs, err := strconv.ParseInt(when, 10, 64)
	if err != nil {
		return time.Time{}, ldmsderrors.Status(unix.EINVAL, "Invalid time '%s'.", when)
	}
	at := time.Unix(secs, 0)
	if at.Before(now.Truncate(time.Second)) {
		return time.Time{}, ldmsderrors.Status(unix.EINVAL, "The time '%s' has passed.", when)
	}
	return at, nil
}
