// Copyright 2023 The Tevisor Authors.
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

package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Options configures backend construction.
type Options struct {
	// MemEncrypt asks for memory-encrypted secure mappings. Construction
	// fails if the variant cannot honor it.
	MemEncrypt bool

	// GuestMemMiB sizes the untrusted guest memory for backends that
	// model it. Zero selects the variant's default.
	GuestMemMiB int
}

// Constructor builds a backend variant. Construction performs the hardware
// capability checks; an unsupported host is a fatal configuration error.
type Constructor func(opts Options) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Constructor{}
)

// Register makes a variant available by name. Variants register from their
// package init; a duplicate name is a linking error and panics.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("backend %q registered twice", name))
	}
	registry[name] = c
}

// New constructs the named variant. An empty name selects the build's
// default vendor.
func New(name string, opts Options) (Backend, error) {
	if name == "" {
		name = DefaultName
	}
	registryMu.Lock()
	c, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend %q is not linked into this build (have %v)", name, Registered())
	}
	return c(opts)
}

// Registered returns the linked variant names, sorted.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
