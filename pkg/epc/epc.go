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

// Package epc implements the enclave page cache.
//
// The pool is a fixed physical range carved out at startup and leased to
// enclaves one 4 KiB frame at a time. Every frame carries a secure state and
// an owner, and the pool refuses any transition that could alias or
// resurrect enclave memory: freeing a valid frame, freeing with the wrong
// owner, and reissuing a frame with stale contents are all structurally
// impossible.
//
// Frame ownership is recorded as the frame id of the owning enclave's
// control structure (SECS) frame, which owns itself. Enclave identities
// never appear here; the lifecycle layer maps its weak references onto SECS
// frames.
package epc

import (
	"fmt"
	"sync"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/bitmap"
	"tevisor.dev/tevisor/pkg/hostarch"
	tlog "tevisor.dev/tevisor/pkg/log"
	"tevisor.dev/tevisor/pkg/memutil"
	"tevisor.dev/tevisor/pkg/teerr"
)

var log = tlog.Logger("epc")

// State is the secure state of one frame.
type State uint8

// Frame secure states.
const (
	// StateFree frames belong to no enclave and contain zeroes.
	StateFree State = iota

	// StatePending frames are leased but not yet measured and mapped.
	StatePending

	// StateValid frames are live enclave memory.
	StateValid

	// StateBlocked frames are being withdrawn from an enclave; no new
	// translations may be created for them.
	StateBlocked

	// StateReclaimed frames have been withdrawn and await release.
	StateReclaimed
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StatePending:
		return "pending"
	case StateValid:
		return "valid"
	case StateBlocked:
		return "blocked"
	case StateReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

// FrameID names one frame within the pool.
type FrameID uint32

// NilFrame is the absent frame id. Alloc interprets it as "the new frame
// owns itself", which is how control-structure frames come to be.
const NilFrame = ^FrameID(0)

// DefaultBase is the physical base of the pool when none is configured.
const DefaultBase hostarch.PhysAddr = 0x1_0000_0000

// ValidSizesMiB enumerates the supported pool capacities.
var ValidSizesMiB = []int{48, 96, 192, 384}

// Options configures a pool.
type Options struct {
	// SizeMiB is the pool capacity. It must be one of ValidSizesMiB.
	SizeMiB int

	// Base is the physical address of frame zero. Zero selects
	// DefaultBase. Must be page aligned.
	Base hostarch.PhysAddr

	// Mlock pins the backing store into memory so enclave contents never
	// reach swap.
	Mlock bool
}

// FrameInfo is a point-in-time copy of one frame's metadata.
type FrameInfo struct {
	State State
	Type  sgx.PageType
	Owner FrameID
	Vaddr hostarch.GuestVirt
}

type frame struct {
	state State
	ptype sgx.PageType
	owner FrameID
	vaddr hostarch.GuestVirt
}

// Pool is the enclave page cache. It is created once at hypervisor startup
// and torn down only at shutdown; see NewPool and Close.
type Pool struct {
	mu sync.Mutex

	base    hostarch.PhysAddr
	mlocked bool
	backing []byte
	frames  []frame

	// used tracks leased frames; a clear bit is a free frame. First-fit
	// allocation scans for the lowest clear bit.
	used bitmap.Bitmap

	closed bool
}

// NewPool carves out and initializes the enclave page cache.
func NewPool(opts Options) (*Pool, error) {
	valid := false
	for _, s := range ValidSizesMiB {
		if opts.SizeMiB == s {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("pool size %d MiB is not in the supported set %v", opts.SizeMiB, ValidSizesMiB)
	}
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	if !base.PageAligned() {
		return nil, fmt.Errorf("pool base %v is not page aligned", base)
	}

	size := opts.SizeMiB << 20
	backing, err := memutil.MapAnonymous(size)
	if err != nil {
		return nil, fmt.Errorf("mapping pool backing: %v", err)
	}
	mlocked := false
	if opts.Mlock {
		if err := memutil.Lock(backing); err != nil {
			memutil.Unmap(backing)
			return nil, fmt.Errorf("pinning pool backing: %v", err)
		}
		mlocked = true
	}

	n := uint32(size / hostarch.PageSize)
	p := &Pool{
		base:    base,
		mlocked: mlocked,
		backing: backing,
		frames:  make([]frame, n),
		used:    bitmap.New(n),
	}
	log.Infof("EPC pool initialized: %d MiB (%d frames) at %v, mlock=%v", opts.SizeMiB, n, base, mlocked)
	return p, nil
}

// Close scrubs and releases the backing store. All frames must already be
// free; closing a pool with leased frames indicates a teardown ordering bug
// and panics.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkOpen()
	if n := p.used.Ones(); n != 0 {
		panic(fmt.Sprintf("pool closed with %d leased frames", n))
	}
	p.closed = true
	clear(p.backing)
	if p.mlocked {
		memutil.Unlock(p.backing)
	}
	err := memutil.Unmap(p.backing)
	p.backing = nil
	log.Infof("EPC pool released")
	return err
}

func (p *Pool) checkOpen() {
	if p.closed {
		panic("use of closed EPC pool")
	}
}

func (p *Pool) checkID(id FrameID) {
	if int(id) >= len(p.frames) {
		panic(fmt.Sprintf("frame id %d out of range", id))
	}
}

// Alloc leases a frame in the pending state. owner names the SECS frame the
// new frame will belong to; NilFrame makes the frame its own owner, which is
// only legal for control-structure allocations. The returned frame contains
// only zeroes.
func (p *Pool) Alloc(owner FrameID, pt sgx.PageType, vaddr hostarch.GuestVirt) (FrameID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkOpen()

	if owner == NilFrame {
		if pt != sgx.PageTypeSECS {
			return NilFrame, teerr.InvalidArgument
		}
	} else {
		p.checkID(owner)
		o := &p.frames[owner]
		if o.ptype != sgx.PageTypeSECS || (o.state != StatePending && o.state != StateValid) {
			return NilFrame, teerr.StaleRef
		}
	}

	id, ok := p.used.FirstZero(0)
	if !ok {
		log.Debugf("EPC exhausted: %d frames leased", p.used.Ones())
		return NilFrame, teerr.Exhausted
	}
	p.used.Add(id)

	f := &p.frames[id]
	f.state = StatePending
	f.ptype = pt
	f.vaddr = vaddr
	if owner == NilFrame {
		f.owner = FrameID(id)
	} else {
		f.owner = owner
	}
	return FrameID(id), nil
}

// transition moves a leased frame between secure states, verifying ownership
// and the expected source state. A mismatch means the caller holds a stale
// or hostile reference.
func (p *Pool) transition(id, owner FrameID, from, to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkOpen()
	p.checkID(id)

	f := &p.frames[id]
	if f.owner != owner {
		return teerr.StaleRef
	}
	if f.state != from {
		return teerr.StaleRef
	}
	f.state = to
	return nil
}

// MakeValid promotes a pending frame to live enclave memory.
func (p *Pool) MakeValid(id, owner FrameID) error {
	return p.transition(id, owner, StatePending, StateValid)
}

// Block begins withdrawing a valid frame from its enclave.
func (p *Pool) Block(id, owner FrameID) error {
	return p.transition(id, owner, StateValid, StateBlocked)
}

// Reclaim completes the withdrawal of a blocked frame.
func (p *Pool) Reclaim(id, owner FrameID) error {
	return p.transition(id, owner, StateBlocked, StateReclaimed)
}

// Free returns a frame to the pool. Only pending frames (an abandoned
// build) and reclaimed frames may be freed, and only by their owner;
// anything else is a protocol violation. The frame is scrubbed before it
// becomes allocatable again, so a future lease can never observe prior
// contents.
func (p *Pool) Free(id, owner FrameID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkOpen()
	p.checkID(id)

	f := &p.frames[id]
	if !p.used.IsSet(uint32(id)) || f.owner != owner {
		return teerr.IllegalFree
	}
	if f.state != StatePending && f.state != StateReclaimed {
		return teerr.IllegalFree
	}

	clear(p.frameBytesLocked(id))
	*f = frame{}
	p.used.Remove(uint32(id))
	return nil
}

func (p *Pool) frameBytesLocked(id FrameID) []byte {
	off := int(id) * hostarch.PageSize
	return p.backing[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// FrameBytes returns the backing bytes of a leased frame. The slice aliases
// the pool's backing store and stays valid until the frame is freed.
func (p *Pool) FrameBytes(id FrameID) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkOpen()
	p.checkID(id)
	if !p.used.IsSet(uint32(id)) {
		panic(fmt.Sprintf("FrameBytes on free frame %d", id))
	}
	return p.frameBytesLocked(id)
}

// FramePhys returns the fixed physical address of a frame.
func (p *Pool) FramePhys(id FrameID) hostarch.PhysAddr {
	p.checkID(id)
	return p.base + hostarch.PhysAddr(uint64(id)*hostarch.PageSize)
}

// Contains reports whether a physical address falls inside the pool.
func (p *Pool) Contains(pa hostarch.PhysAddr) bool {
	pa = pa.StripEncryptBit()
	return pa >= p.base && pa < p.base+hostarch.PhysAddr(len(p.frames)*hostarch.PageSize)
}

// FrameForPhys resolves a physical address back to its frame.
func (p *Pool) FrameForPhys(pa hostarch.PhysAddr) (FrameID, bool) {
	if !p.Contains(pa) {
		return NilFrame, false
	}
	pa = pa.StripEncryptBit()
	return FrameID(uint64(pa-p.base) / hostarch.PageSize), true
}

// Info returns a copy of a frame's metadata.
func (p *Pool) Info(id FrameID) FrameInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkOpen()
	p.checkID(id)
	f := &p.frames[id]
	return FrameInfo{State: f.state, Type: f.ptype, Owner: f.owner, Vaddr: f.vaddr}
}

// FreeFrames returns the number of allocatable frames.
func (p *Pool) FreeFrames() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkOpen()
	return p.used.Size() - p.used.Ones()
}

// Capacity returns the total number of frames.
func (p *Pool) Capacity() uint32 {
	return uint32(len(p.frames))
}

// StateCounts returns the number of frames in each secure state.
func (p *Pool) StateCounts() map[State]uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkOpen()
	counts := map[State]uint32{
		StateFree: p.used.Size() - p.used.Ones(),
	}
	for i := range p.frames {
		if p.used.IsSet(uint32(i)) {
			counts[p.frames[i].state]++
		}
	}
	return counts
}
