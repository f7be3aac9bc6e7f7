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
	"sync/atomic"

	"tevisor.dev/tevisor/pkg/epc"
	"tevisor.dev/tevisor/pkg/hostarch"
)

// ThreadState is the untrusted-world execution context saved across an
// enclave entry and restored on any exit path, synchronous or asynchronous.
// Space is the address-space token the thread entered from. RSP and RBP are
// restored on asynchronous exit only; a synchronous exit leaves the stack
// registers to the enclave's exit protocol.
type ThreadState struct {
	RFLAGS uint64
	RSP    uint64
	RBP    uint64
	FSBase uint64
	GSBase uint64
	XCR0   uint64
	EFER   uint64
	Space  uint64
}

// Thread is one enclave thread slot, backed by a thread-control page. The
// descriptor fields are fixed at add time; the runtime fields below busy are
// owned by whichever virtual CPU holds the busy flag.
type Thread struct {
	// Vaddr is the thread-control page's address in the enclave range.
	Vaddr hostarch.GuestVirt

	// Frame is the page cache frame backing the thread-control page.
	Frame epc.FrameID

	// Descriptor fields, offsets relative to the enclave base.
	OSSA    uint64
	NSSA    uint32
	OEntry  uint64
	OFSBase uint64
	OGSBase uint64

	// DebugOptIn permits debugger access to the thread's saved state.
	DebugOptIn bool

	// busy is the entry interlock. At most one virtual CPU executes on a
	// given thread-control structure; acquisition is a compare-and-swap so
	// concurrent entries race benignly.
	busy atomic.Uint32

	// interrupted marks a thread that left on asynchronous exit. The
	// thread stays busy; only a resume-style reentry may continue it.
	interrupted atomic.Bool

	// AEP is the asynchronous exit pointer supplied at the last entry.
	AEP uint64

	// Untrusted is the context to restore when the thread leaves the
	// enclave.
	Untrusted ThreadState
}

// tryAcquire attempts to win the busy flag.
func (t *Thread) tryAcquire() bool {
	return t.busy.CompareAndSwap(0, 1)
}

func (t *Thread) release() {
	t.interrupted.Store(false)
	if t.busy.Swap(0) == 0 {
		panic("releasing idle enclave thread")
	}
}

// Busy reports whether this thread is resident, on a virtual CPU or parked
// by an asynchronous exit.
func (t *Thread) Busy() bool {
	return t.busy.Load() != 0
}

// MarkInterrupted parks a busy thread after its context has been saved by
// an asynchronous exit.
func (t *Thread) MarkInterrupted() {
	if t.busy.Load() == 0 {
		panic("interrupting idle enclave thread")
	}
	t.interrupted.Store(true)
}

// TryResume claims an interrupted thread for reentry. Concurrent resumes
// race on the flag; exactly one wins.
func (t *Thread) TryResume() bool {
	return t.interrupted.CompareAndSwap(true, false)
}

// Interrupted reports whether the thread is parked by an asynchronous exit.
func (t *Thread) Interrupted() bool {
	return t.interrupted.Load()
}
