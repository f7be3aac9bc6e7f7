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

// Package enclave implements the enclave lifecycle state machine.
//
// An enclave moves through Building, Initialized, Running, Suspended and
// Destroyed. Every transition is validated under the enclave lock and either
// applies completely or returns a management error with no state changed.
// The Manager owns the enclave table and the create/destroy edges; the
// per-enclave operations live on Enclave itself.
package enclave

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/epc"
	"tevisor.dev/tevisor/pkg/hostarch"
	tlog "tevisor.dev/tevisor/pkg/log"
	"tevisor.dev/tevisor/pkg/measure"
	"tevisor.dev/tevisor/pkg/teerr"
)

var log = tlog.Logger("enclave")

// State is the lifecycle state of one enclave.
type State uint8

// Lifecycle states. The zero value is Uninitialized; a constructed enclave
// starts at Building.
const (
	StateUninitialized State = iota
	StateBuilding
	StateInitialized
	StateRunning
	StateSuspended
	StateDestroyed
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBuilding:
		return "building"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Page records one page of the enclave range.
type Page struct {
	Vaddr hostarch.GuestVirt
	Frame epc.FrameID
	Type  sgx.PageType
	Flags sgx.SECINFOFlags
}

// Enclave is one isolation unit: a linear range, the page cache frames
// backing it, its thread slots and its measurement.
type Enclave struct {
	ref  Ref
	pool *epc.Pool

	// secsFrame backs the control structure and owns, in the page cache's
	// accounting, every other frame of the enclave.
	secsFrame epc.FrameID

	mu      sync.Mutex
	state   State
	secs    sgx.SECS
	pages   *btree.BTreeG[Page]
	threads []*Thread
	meas    *measure.Accumulator
	digest  measure.Digest

	// busyCount tracks resident threads; the enclave is Running while it
	// is nonzero.
	busyCount int

	// barrier refuses new entries while a management suspend is in
	// effect.
	barrier bool
}

// Ref returns the enclave's weak reference.
func (e *Enclave) Ref() Ref {
	return e.ref
}

// State returns the current lifecycle state.
func (e *Enclave) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SECS returns a copy of the control structure.
func (e *Enclave) SECS() sgx.SECS {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.secs
}

// SECSFrame returns the frame backing the control structure.
func (e *Enclave) SECSFrame() epc.FrameID {
	return e.secsFrame
}

// Base returns the linear base of the enclave range.
func (e *Enclave) Base() hostarch.GuestVirt {
	return hostarch.GuestVirt(e.secs.BaseAddr)
}

// Size returns the byte length of the enclave range.
func (e *Enclave) Size() uint64 {
	return e.secs.Size
}

// Contains reports whether vaddr lies in the enclave range.
func (e *Enclave) Contains(vaddr hostarch.GuestVirt) bool {
	return e.secs.Contains(uint64(vaddr))
}

// PageAt looks up the page mapped at vaddr.
func (e *Enclave) PageAt(vaddr hostarch.GuestVirt) (Page, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pages.Get(Page{Vaddr: vaddr.RoundDown()})
}

// PageCount returns the number of added pages, the control structure
// excluded.
func (e *Enclave) PageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pages.Len()
}

// BusyThreads returns the number of resident threads.
func (e *Enclave) BusyThreads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyCount
}

// Measurement returns the sealed digest. ok is false before initialization.
func (e *Enclave) Measurement() (measure.Digest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.digest, e.meas.Sealed()
}

// AddPage copies one source page into a fresh page cache frame, folds it
// into the measurement and records it in the page map. The enclave must be
// Building; flags carry the requested permissions and page type. The frame
// is returned for nested-page-table mapping by the caller.
//
// Thread-control pages are parsed and validated here, so a malformed thread
// descriptor is rejected at add time with the build otherwise untouched.
func (e *Enclave) AddPage(vaddr hostarch.GuestVirt, src []byte, flags sgx.SECINFOFlags) (epc.FrameID, error) {
	if len(src) != sgx.PageSize {
		panic(fmt.Sprintf("adding %d bytes, want one page", len(src)))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateBuilding:
	case StateDestroyed:
		return epc.NilFrame, teerr.StaleRef
	default:
		return epc.NilFrame, teerr.NotBuilding
	}

	if !vaddr.PageAligned() || !e.secs.Contains(uint64(vaddr)) {
		return epc.NilFrame, teerr.InvalidRange
	}
	if e.pages.Has(Page{Vaddr: vaddr}) {
		return epc.NilFrame, teerr.InvalidRange
	}

	pt := flags.PageType()
	var canonical sgx.SECINFOFlags
	switch pt {
	case sgx.PageTypeRegular:
		canonical = flags & (sgx.SecinfoR | sgx.SecinfoW | sgx.SecinfoX | sgx.SecinfoMeasure)
	case sgx.PageTypeTCS:
		// Thread-control pages are hypervisor-interpreted; the guest's
		// permission bits are ignored.
		canonical = sgx.SecinfoR | sgx.SecinfoW | (flags & sgx.SecinfoMeasure)
	default:
		return epc.NilFrame, teerr.InvalidArgument
	}
	canonical = canonical.WithPageType(pt)

	var th *Thread
	if pt == sgx.PageTypeTCS {
		tcs, err := sgx.ParseTCS(src)
		if err != nil {
			return epc.NilFrame, teerr.InvalidArgument
		}
		if err := tcs.Validate(&e.secs); err != nil {
			log.Debugf("enclave %v: rejecting TCS at %v: %v", e.ref, vaddr, err)
			return epc.NilFrame, teerr.InvalidArgument
		}
		th = &Thread{
			Vaddr:      vaddr,
			OSSA:       tcs.OSSA,
			NSSA:       tcs.NSSA,
			OEntry:     tcs.OEntry,
			OFSBase:    tcs.OFSBase,
			OGSBase:    tcs.OGSBase,
			DebugOptIn: tcs.Flags&sgx.TCSDbgOptIn != 0,
		}
	}

	id, err := e.pool.Alloc(e.secsFrame, pt, vaddr)
	if err != nil {
		return epc.NilFrame, err
	}
	copy(e.pool.FrameBytes(id), src)

	offset := uint64(vaddr) - e.secs.BaseAddr
	if err := e.meas.AddPage(offset, canonical, src, canonical.Measure()); err != nil {
		e.pool.Free(id, e.secsFrame)
		return epc.NilFrame, err
	}

	e.pages.ReplaceOrInsert(Page{Vaddr: vaddr, Frame: id, Type: pt, Flags: canonical})
	if th != nil {
		th.Frame = id
		e.threads = append(e.threads, th)
	}
	return id, nil
}

// RemovePage releases the page at vaddr back to the page cache and drops it
// from the page map. Removal requires quiescence; a thread-control page also
// retires its thread slot. The control structure is not a removable page.
func (e *Enclave) RemovePage(vaddr hostarch.GuestVirt) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDestroyed {
		return teerr.StaleRef
	}
	if e.busyCount > 0 {
		return teerr.Busy
	}
	p, ok := e.pages.Get(Page{Vaddr: vaddr})
	if !ok {
		return teerr.InvalidRange
	}

	e.releaseFrame(p.Frame)
	e.pages.Delete(p)
	if p.Type == sgx.PageTypeTCS {
		for i, t := range e.threads {
			if t.Vaddr == vaddr {
				e.threads = append(e.threads[:i], e.threads[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Initialize seals the measurement and promotes the enclave and all of its
// frames to the valid state. No pages may be added afterwards.
func (e *Enclave) Initialize() (measure.Digest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateBuilding:
	case StateDestroyed:
		return measure.Digest{}, teerr.StaleRef
	default:
		return measure.Digest{}, teerr.AlreadyInitialized
	}

	e.digest = e.meas.Finalize()
	e.secs.MREnclave = e.digest
	e.secs.Marshal(e.pool.FrameBytes(e.secsFrame))

	if err := e.pool.MakeValid(e.secsFrame, e.secsFrame); err != nil {
		return measure.Digest{}, fmt.Errorf("promoting control structure frame: %v", err)
	}
	var promoteErr error
	e.pages.Ascend(func(p Page) bool {
		if err := e.pool.MakeValid(p.Frame, e.secsFrame); err != nil {
			promoteErr = fmt.Errorf("promoting frame %d at %v: %v", p.Frame, p.Vaddr, err)
			return false
		}
		return true
	})
	if promoteErr != nil {
		return measure.Digest{}, promoteErr
	}

	e.state = StateInitialized
	log.Infof("enclave %v initialized: %d pages, %d threads, measurement %v", e.ref, e.pages.Len(), len(e.threads), e.digest)
	return e.digest, nil
}

// ThreadAt looks up the thread slot backed by the thread-control page at
// vaddr.
func (e *Enclave) ThreadAt(vaddr hostarch.GuestVirt) (*Thread, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.threads {
		if t.Vaddr == vaddr {
			return t, true
		}
	}
	return nil, false
}

// AcquireThread claims the thread-control structure at tcsVaddr for entry.
// The enclave must be initialized and not suspended by management; the
// thread must be idle. On success the enclave is Running and the caller owns
// the thread until ReleaseThread.
func (e *Enclave) AcquireThread(tcsVaddr hostarch.GuestVirt) (*Thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateInitialized, StateRunning, StateSuspended:
	case StateDestroyed:
		return nil, teerr.StaleRef
	default:
		return nil, teerr.NotInitialized
	}
	if e.barrier {
		return nil, teerr.Busy
	}

	var th *Thread
	for _, t := range e.threads {
		if t.Vaddr == tcsVaddr {
			th = t
			break
		}
	}
	if th == nil {
		return nil, teerr.InvalidArgument
	}
	if !th.tryAcquire() {
		return nil, teerr.NoIdleThread
	}
	e.busyCount++
	e.state = StateRunning
	return th, nil
}

// ReleaseThread returns a thread claimed by AcquireThread. When the last
// resident thread leaves, the enclave reverts to Suspended.
func (e *Enclave) ReleaseThread(t *Thread) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t.release()
	if e.busyCount <= 0 {
		panic("thread release underflow")
	}
	e.busyCount--
	if e.busyCount == 0 && e.state == StateRunning {
		e.state = StateSuspended
	}
}

// SetBarrier enables or disables the management entry barrier. While the
// barrier is up, AcquireThread refuses entry; threads already resident are
// unaffected.
func (e *Enclave) SetBarrier(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDestroyed {
		return teerr.StaleRef
	}
	e.barrier = on
	return nil
}

// Barrier reports whether the management entry barrier is up.
func (e *Enclave) Barrier() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.barrier
}

// destroy tears the enclave down and releases every frame back to the page
// cache. Without force, resident threads block destruction; force is the
// security-breach path and proceeds regardless, marking the enclave
// Destroyed before reclaiming so no entry can race the teardown.
func (e *Enclave) destroy(force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDestroyed {
		return teerr.StaleRef
	}
	if !force && e.busyCount > 0 {
		return teerr.Busy
	}
	prev := e.state
	e.state = StateDestroyed

	e.pages.Ascend(func(p Page) bool {
		e.releaseFrame(p.Frame)
		return true
	})
	e.pages.Clear(false)
	e.releaseFrame(e.secsFrame)

	if force && prev == StateRunning {
		log.Warningf("enclave %v force destroyed with %d resident threads", e.ref, e.busyCount)
	} else {
		log.Infof("enclave %v destroyed", e.ref)
	}
	return nil
}

// releaseFrame walks one frame from its current secure state to free. The
// frames are ours, so the transitions cannot legally fail; a failure means
// the page cache and the enclave disagree and is loud.
func (e *Enclave) releaseFrame(id epc.FrameID) {
	st := e.pool.Info(id).State
	if st == epc.StateValid {
		if err := e.pool.Block(id, e.secsFrame); err != nil {
			log.Warningf("enclave %v: blocking frame %d: %v", e.ref, id, err)
			return
		}
		st = epc.StateBlocked
	}
	if st == epc.StateBlocked {
		if err := e.pool.Reclaim(id, e.secsFrame); err != nil {
			log.Warningf("enclave %v: reclaiming frame %d: %v", e.ref, id, err)
			return
		}
	}
	if err := e.pool.Free(id, e.secsFrame); err != nil {
		log.Warningf("enclave %v: freeing frame %d: %v", e.ref, id, err)
	}
}

// Manager owns the enclave table and the page cache reference, and carries
// the create and destroy edges of the lifecycle.
type Manager struct {
	// mu serializes Create so the range disjointness check and the table
	// insert are one step.
	mu    sync.Mutex
	pool  *epc.Pool
	table *Table
}

// NewManager returns a manager over the given page cache with capacity for
// maxEnclaves concurrent enclaves.
func NewManager(pool *epc.Pool, maxEnclaves int) *Manager {
	return &Manager{
		pool:  pool,
		table: NewTable(maxEnclaves),
	}
}

// Pool returns the backing page cache.
func (m *Manager) Pool() *epc.Pool {
	return m.pool
}

// Count returns the number of live enclaves.
func (m *Manager) Count() int {
	return m.table.Len()
}

// Lookup resolves a weak reference.
func (m *Manager) Lookup(ref Ref) (*Enclave, error) {
	return m.table.Lookup(ref)
}

// ForEach visits every live enclave.
func (m *Manager) ForEach(f func(e *Enclave) bool) {
	m.table.ForEach(f)
}

// FindByAddr returns the live enclave whose linear range contains vaddr.
// Ranges are disjoint, so there is at most one.
func (m *Manager) FindByAddr(vaddr hostarch.GuestVirt) (*Enclave, bool) {
	var found *Enclave
	m.table.ForEach(func(e *Enclave) bool {
		if e.Contains(vaddr) {
			found = e
			return false
		}
		return true
	})
	return found, found != nil
}

// Create builds an enclave from a guest-supplied control-structure image:
// parse and validate the structure, verify the linear range is aligned and
// disjoint from every live enclave, back it with a self-owned frame, and
// publish it in Building state with the creation record already measured.
// Either every step lands or none do.
func (m *Manager) Create(secsImage []byte) (*Enclave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	secs, err := sgx.ParseSECS(secsImage)
	if err != nil {
		return nil, teerr.InvalidArgument
	}
	if err := secs.Validate(); err != nil {
		log.Debugf("rejecting control structure: %v", err)
		return nil, teerr.InvalidRange
	}

	overlaps := false
	m.table.ForEach(func(other *Enclave) bool {
		if secs.BaseAddr < other.secs.BaseAddr+other.secs.Size && other.secs.BaseAddr < secs.BaseAddr+secs.Size {
			overlaps = true
			return false
		}
		return true
	})
	if overlaps {
		return nil, teerr.InvalidRange
	}

	frame, err := m.pool.Alloc(epc.NilFrame, sgx.PageTypeSECS, hostarch.GuestVirt(secs.BaseAddr))
	if err != nil {
		return nil, err
	}

	meas := measure.New()
	meas.ECreate(secs.SSAFrameSize, secs.Size)

	e := &Enclave{
		pool:      m.pool,
		secsFrame: frame,
		state:     StateBuilding,
		secs:      secs,
		pages: btree.NewG(8, func(a, b Page) bool {
			return a.Vaddr < b.Vaddr
		}),
		meas: meas,
	}
	e.secs.MREnclave = [sgx.MeasurementSize]byte{}
	e.secs.Marshal(m.pool.FrameBytes(frame))

	if _, err := m.table.Insert(e); err != nil {
		m.pool.Free(frame, frame)
		return nil, err
	}
	log.Infof("enclave %v created: range [%#x, %#x), SSA frame %d pages", e.ref, secs.BaseAddr, secs.BaseAddr+secs.Size, secs.SSAFrameSize)
	return e, nil
}

// Destroy tears down the referenced enclave and invalidates the reference.
// Without force, resident threads fail the call with teerr.Busy and nothing
// changes. force is reserved for the security-breach and shutdown paths.
func (m *Manager) Destroy(ref Ref, force bool) error {
	e, err := m.table.Lookup(ref)
	if err != nil {
		return err
	}
	if err := e.destroy(force); err != nil {
		return err
	}
	return m.table.Remove(ref)
}

// DestroyAll force-destroys every live enclave. Shutdown path.
func (m *Manager) DestroyAll() {
	var refs []Ref
	m.table.ForEach(func(e *Enclave) bool {
		refs = append(refs, e.ref)
		return true
	})
	for _, ref := range refs {
		if err := m.Destroy(ref, true); err != nil && err != teerr.StaleRef {
			log.Warningf("destroying enclave %v at shutdown: %v", ref, err)
		}
	}
}
