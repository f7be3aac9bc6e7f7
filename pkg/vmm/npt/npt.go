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

// Package npt implements software nested page tables.
//
// Each address space the hypervisor maintains (the normal world and one
// secure space per enclave) is a separate four-level PageTables instance
// mapping guest-physical to host-physical addresses at page granularity.
// The vendor translation layers edit these tables; the simulated backend
// also walks them on guest accesses.
package npt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"tevisor.dev/tevisor/pkg/hostarch"
)

// Page table geometry, four levels of nine index bits each.
const (
	entriesPerNode = 512
	indexMask      = entriesPerNode - 1

	level3Shift = 39
	level2Shift = 30
	level1Shift = 21
	level0Shift = 12
)

// Software PTE bits. The physical frame occupies the address bits; the
// encryption bit rides at its architectural position and is stripped before
// a translation result is returned.
const (
	ptePresent uint64 = 1 << 0
	pteWrite   uint64 = 1 << 1
	pteExec    uint64 = 1 << 2

	pteAddrMask = ^uint64(hostarch.PageMask) &^ uint64(hostarch.EncryptBit)
)

// MapOpts are the per-mapping attributes.
type MapOpts struct {
	// Access is the permission set of the mapping. Present mappings are
	// always readable.
	Access hostarch.AccessType

	// Encrypt marks the mapping for memory encryption.
	Encrypt bool
}

type node struct {
	entries  [entriesPerNode]uint64
	children [entriesPerNode]*node
}

// PageTables is one guest-physical address space.
type PageTables struct {
	mu   sync.Mutex
	root node

	// pages counts present leaf entries.
	pages int

	// epoch advances on invalidation. Cached translations tagged with an
	// older epoch must be re-walked.
	epoch atomic.Uint64
}

// New returns an empty address space.
func New() *PageTables {
	return &PageTables{}
}

func level(gpa hostarch.GuestPhys, shift uint) int {
	return int(uint64(gpa)>>shift) & indexMask
}

// walk returns the leaf node covering gpa, allocating interior nodes when
// alloc is set.
func (p *PageTables) walk(gpa hostarch.GuestPhys, alloc bool) *node {
	n := &p.root
	for _, shift := range []uint{level3Shift, level2Shift, level1Shift} {
		idx := level(gpa, shift)
		next := n.children[idx]
		if next == nil {
			if !alloc {
				return nil
			}
			next = &node{}
			n.children[idx] = next
		}
		n = next
	}
	return n
}

func checkRange(gpa hostarch.GuestPhys, length uint64) {
	if !gpa.PageAligned() || length == 0 || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("unaligned page table edit: gpa %v length %#x", gpa, length))
	}
}

// Map establishes translations for [gpa, gpa+length) onto host-physical
// frames starting at hpa. Existing entries in the range are replaced. The
// addresses and length must be page aligned.
func (p *PageTables) Map(gpa hostarch.GuestPhys, hpa hostarch.PhysAddr, length uint64, opts MapOpts) {
	checkRange(gpa, length)
	if !hpa.PageAligned() {
		panic(fmt.Sprintf("unaligned backing address %v", hpa))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for off := uint64(0); off < length; off += hostarch.PageSize {
		pte := (uint64(hpa) + off) & pteAddrMask
		pte |= ptePresent
		if opts.Access.Write {
			pte |= pteWrite
		}
		if opts.Access.Execute {
			pte |= pteExec
		}
		if opts.Encrypt {
			pte |= uint64(hostarch.EncryptBit)
		}
		n := p.walk(gpa+hostarch.GuestPhys(off), true)
		idx := level(gpa+hostarch.GuestPhys(off), level0Shift)
		if n.entries[idx]&ptePresent == 0 {
			p.pages++
		}
		n.entries[idx] = pte
	}
}

// Unmap removes any translations in [gpa, gpa+length).
func (p *PageTables) Unmap(gpa hostarch.GuestPhys, length uint64) {
	checkRange(gpa, length)

	p.mu.Lock()
	defer p.mu.Unlock()
	for off := uint64(0); off < length; off += hostarch.PageSize {
		n := p.walk(gpa+hostarch.GuestPhys(off), false)
		if n == nil {
			continue
		}
		idx := level(gpa+hostarch.GuestPhys(off), level0Shift)
		if n.entries[idx]&ptePresent != 0 {
			p.pages--
		}
		n.entries[idx] = 0
	}
}

// Translate resolves gpa. The returned address carries gpa's page offset
// with the encryption bit stripped; opts reports the mapping attributes.
func (p *PageTables) Translate(gpa hostarch.GuestPhys) (hpa hostarch.PhysAddr, opts MapOpts, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.walk(gpa, false)
	if n == nil {
		return 0, MapOpts{}, false
	}
	pte := n.entries[level(gpa, level0Shift)]
	if pte&ptePresent == 0 {
		return 0, MapOpts{}, false
	}
	opts = MapOpts{
		Access: hostarch.AccessType{
			Read:    true,
			Write:   pte&pteWrite != 0,
			Execute: pte&pteExec != 0,
		},
		Encrypt: pte&uint64(hostarch.EncryptBit) != 0,
	}
	hpa = hostarch.PhysAddr(pte&pteAddrMask) + hostarch.PhysAddr(gpa.PageOffset())
	return hpa, opts, true
}

// Mappings returns the number of present page translations.
func (p *PageTables) Mappings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages
}

// InvalidateAll advances the epoch, discarding any translation caches built
// over this space.
func (p *PageTables) InvalidateAll() {
	p.epoch.Add(1)
}

// Epoch returns the invalidation epoch.
func (p *PageTables) Epoch() uint64 {
	return p.epoch.Load()
}
