/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	"fmt"
	"sync"
)

// ID is a stable handle to a registered clock
type ID int

// Registry maps stable integer ids to clocks. One mutex guards the map
// only; clock operations themselves happen outside the lock.
type Registry struct {
	mu     sync.Mutex
	clocks map[ID]Clock
	next   ID
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clocks: map[ID]Clock{}}
}

// Register adds a clock and returns its id
func (r *Registry) Register(c Clock) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.clocks[id] = c
	return id
}

// Get returns the clock for id
func (r *Registry) Get(id ID) (Clock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clocks[id]
	if !ok {
		return nil, fmt.Errorf("no clock with id %d", id)
	}
	return c, nil
}

// Remove drops the clock for id
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clocks, id)
}

// Names lists registered clocks by name, for diagnostics
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clocks))
	for _, c := range r.clocks {
		names = append(names, c.Name())
	}
	return names
}
