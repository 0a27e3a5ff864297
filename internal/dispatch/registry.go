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

package dispatch

import (
	"context"
	"sync"

	"github.com/ovis-hpc/ldmsd/internal/request"
)

// Handler handles one decoded request. Reply text goes to reqc.Reply;
// the returned error selects the reply status.
type Handler func(ctx context.Context, reqc *request.Context, req *request.Request) error

// Registry maps request ids to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[request.ID]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[request.ID]Handler)}
}

// Register sets the handler for id, replacing any previous one.
func (r *Registry) Register(id request.ID, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}

// Lookup returns the handler for id.
func (r *Registry) Lookup(id request.ID) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// Has reports whether id has a handler.
func (r *Registry) Has(id request.ID) bool {
	_, ok := r.Lookup(id)
	return ok
}
