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

package enclave

import (
	"fmt"
	"sync"

	"tevisor.dev/tevisor/pkg/teerr"
)

// Ref is a weak enclave reference: a table slot plus the generation the slot
// had when the reference was issued. A Ref never keeps an enclave alive;
// resolving one after destruction reports staleness instead of resurrecting
// the slot's new occupant.
type Ref struct {
	Slot uint32
	Gen  uint32
}

// Token packs the reference into the single register the guest carries it
// in. Generations start at one, so a zero token never resolves.
func (r Ref) Token() uint64 {
	return uint64(r.Gen)<<32 | uint64(r.Slot)
}

// RefFromToken unpacks a guest-supplied token.
func RefFromToken(t uint64) Ref {
	return Ref{Slot: uint32(t), Gen: uint32(t >> 32)}
}

// String implements fmt.Stringer.String.
func (r Ref) String() string {
	return fmt.Sprintf("%d:%d", r.Slot, r.Gen)
}

type slot struct {
	gen uint32
	e   *Enclave
}

// Table maps weak references to live enclaves. Capacity is fixed at
// construction; slots are reused, with the generation counter distinguishing
// successive occupants.
type Table struct {
	mu    sync.Mutex
	slots []slot
	live  int
}

// NewTable returns an empty table with the given capacity.
func NewTable(capacity int) *Table {
	t := &Table{slots: make([]slot, capacity)}
	for i := range t.slots {
		t.slots[i].gen = 1
	}
	return t
}

// Insert publishes an enclave and stamps its reference. Returns
// teerr.Exhausted when every slot is occupied.
func (t *Table) Insert(e *Enclave) (Ref, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].e != nil {
			continue
		}
		ref := Ref{Slot: uint32(i), Gen: t.slots[i].gen}
		e.ref = ref
		t.slots[i].e = e
		t.live++
		return ref, nil
	}
	return Ref{}, teerr.Exhausted
}

// Lookup resolves a reference. Returns teerr.StaleRef if the slot is empty,
// out of range, or occupied by a later generation.
func (t *Table) Lookup(ref Ref) (*Enclave, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ref.Slot) >= len(t.slots) {
		return nil, teerr.StaleRef
	}
	s := &t.slots[ref.Slot]
	if s.e == nil || s.gen != ref.Gen {
		return nil, teerr.StaleRef
	}
	return s.e, nil
}

// Remove unpublishes the referenced enclave and advances the slot
// generation, invalidating every outstanding reference to it.
func (t *Table) Remove(ref Ref) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ref.Slot) >= len(t.slots) {
		return teerr.StaleRef
	}
	s := &t.slots[ref.Slot]
	if s.e == nil || s.gen != ref.Gen {
		return teerr.StaleRef
	}
	s.e = nil
	s.gen++
	t.live--
	return nil
}

// Len returns the number of live enclaves.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// ForEach calls f for each live enclave until f returns false. f must not
// call back into the table.
func (t *Table) ForEach(f func(e *Enclave) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if e := t.slots[i].e; e != nil {
			if !f(e) {
				return
			}
		}
	}
}
