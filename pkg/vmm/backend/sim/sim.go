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

// Package sim is the software backend.
//
// There is no hardware under it: guests are scripts of Steps that edit the
// register file and then trap. The package exists so the dispatcher, the
// emulation layer and the management surface run unmodified on any host,
// which is how the integration tests and the demo boot exercise them.
package sim

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/cpuid"
	"tevisor.dev/tevisor/pkg/hostarch"
	tlog "tevisor.dev/tevisor/pkg/log"
	"tevisor.dev/tevisor/pkg/vmm/backend"
	"tevisor.dev/tevisor/pkg/vmm/npt"
)

// Name is the registry name of this variant.
const Name = "sim"

// DefaultMemMiB sizes the untrusted guest memory when the options do not.
const DefaultMemMiB = 64

var log = tlog.Logger("sim")

func init() {
	backend.Register(Name, New)
}

// TrapKind selects how a scripted step traps.
type TrapKind uint8

// Scripted trap kinds.
const (
	// TrapCall is a trapping call instruction; the exit classifies RAX.
	TrapCall TrapKind = iota

	// TrapInterrupt is an external interrupt or NMI.
	TrapInterrupt

	// TrapException is a hardware exception.
	TrapException

	// TrapHalt is a HLT.
	TrapHalt
)

// Trap is the exit a scripted step produces.
type Trap struct {
	Kind      TrapKind
	Vector    uint8
	ErrorCode uint32

	// Addr is the faulting address for exceptions that carry one.
	Addr hostarch.GuestVirt
}

// Step is one scripted guest action: edit the register file, then trap.
type Step struct {
	// SetRegs edits the register file before the trap, standing in for
	// the guest instructions leading up to it. May be nil.
	SetRegs func(regs *backend.Registers)

	// Trap is the resulting exit.
	Trap Trap
}

// Vmcall returns a step that executes a trapping call after editing
// registers.
func Vmcall(set func(regs *backend.Registers)) Step {
	return Step{SetRegs: set, Trap: Trap{Kind: TrapCall}}
}

// Interrupt returns a step that takes an external interrupt.
func Interrupt(vector uint8) Step {
	return Step{Trap: Trap{Kind: TrapInterrupt, Vector: vector}}
}

// Exception returns a step that raises a hardware exception.
func Exception(vector uint8, code uint32, addr hostarch.GuestVirt) Step {
	return Step{Trap: Trap{Kind: TrapException, Vector: vector, ErrorCode: code, Addr: addr}}
}

// Halt returns a step that executes HLT.
func Halt() Step {
	return Step{Trap: Trap{Kind: TrapHalt}}
}

// Backend is the software backend.
type Backend struct {
	ram     []byte
	caps    backend.Capabilities
	encrypt bool

	mu       sync.Mutex
	spaces   map[backend.Space]*npt.PageTables
	vcpus    map[int]*vcpu
	shutdown atomic.Bool
}

// New constructs the software backend. It cannot fail on host grounds.
func New(opts backend.Options) (backend.Backend, error) {
	memMiB := opts.GuestMemMiB
	if memMiB <= 0 {
		memMiB = DefaultMemMiB
	}
	b := &Backend{
		ram:     make([]byte, memMiB<<20),
		encrypt: opts.MemEncrypt,
		caps: backend.Capabilities{
			Vendor:     cpuid.VendorUnknown,
			XFRM:       sgx.XFRMLegal | sgx.XFRMAVX,
			MemEncrypt: true,
			MaxVCPUs:   runtime.NumCPU(),
		},
		spaces: make(map[backend.Space]*npt.PageTables),
		vcpus:  make(map[int]*vcpu),
	}
	pt := npt.New()
	pt.Map(0, 0, uint64(len(b.ram)), npt.MapOpts{Access: hostarch.AnyAccess})
	b.spaces[backend.NormalSpace] = pt
	log.Infof("initialized with %d MiB guest memory, %d vcpus", memMiB, b.caps.MaxVCPUs)
	return b, nil
}

// Name implements backend.Backend.Name.
func (b *Backend) Name() string { return Name }

// Capabilities implements backend.Backend.Capabilities.
func (b *Backend) Capabilities() backend.Capabilities { return b.caps }

// InitVCPU implements backend.Backend.InitVCPU.
func (b *Backend) InitVCPU(id int) (backend.VCPU, error) {
	if id < 0 || id >= b.caps.MaxVCPUs {
		return nil, fmt.Errorf("vcpu id %d out of range [0, %d)", id, b.caps.MaxVCPUs)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.vcpus[id]; ok {
		return c, nil
	}
	c := &vcpu{
		id: id,
		m:  b,
		regs: backend.Registers{
			RFLAGS: backend.RFlagsFixed | backend.RFlagsIF,
			EFER:   backend.EFERLME | backend.EFERSCE,
			XCR0:   sgx.XFRMLegal,
		},
		space: backend.NormalSpace,
	}
	c.cond = sync.NewCond(&c.mu)
	b.vcpus[id] = c
	return c, nil
}

// Script queues guest actions on a vcpu and wakes a blocked Enter.
func (b *Backend) Script(id int, steps ...Step) error {
	b.mu.Lock()
	c, ok := b.vcpus[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("vcpu %d is not initialized", id)
	}
	c.mu.Lock()
	c.queue = append(c.queue, steps...)
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

// Injected returns the events injected into a vcpu so far, in order.
func (b *Backend) Injected(id int) []backend.Event {
	b.mu.Lock()
	c, ok := b.vcpus[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.Event, len(c.events))
	copy(out, c.events)
	return out
}

// tables returns the translation tables for a space, creating an empty set
// on first reference.
func (b *Backend) tables(s backend.Space) *npt.PageTables {
	b.mu.Lock()
	defer b.mu.Unlock()
	pt, ok := b.spaces[s]
	if !ok {
		pt = npt.New()
		b.spaces[s] = pt
	}
	return pt
}

// Tables exposes the translation tables of a space for inspection.
func (b *Backend) Tables(s backend.Space) *npt.PageTables {
	return b.tables(s)
}

// MapGuestPhysical implements backend.Backend.MapGuestPhysical.
func (b *Backend) MapGuestPhysical(s backend.Space, gpa hostarch.GuestPhys, hpa hostarch.PhysAddr, length uint64, opts npt.MapOpts) {
	opts.Encrypt = b.encrypt && s != backend.NormalSpace
	b.tables(s).Map(gpa, hpa, length, opts)
}

// UnmapGuestPhysical implements backend.Backend.UnmapGuestPhysical.
func (b *Backend) UnmapGuestPhysical(s backend.Space, gpa hostarch.GuestPhys, length uint64) {
	b.tables(s).Unmap(gpa, length)
}

// InvalidateTranslation implements backend.Backend.InvalidateTranslation.
func (b *Backend) InvalidateTranslation(s backend.Space) {
	b.tables(s).InvalidateAll()
}

// ReadGuest implements backend.Backend.ReadGuest. Untrusted guest memory is
// the flat ram image; everything outside it, the enclave page cache
// included, is unreachable.
func (b *Backend) ReadGuest(gpa hostarch.GuestPhys, buf []byte) error {
	if err := b.checkRange(gpa, len(buf)); err != nil {
		return err
	}
	copy(buf, b.ram[gpa:])
	return nil
}

// WriteGuest implements backend.Backend.WriteGuest.
func (b *Backend) WriteGuest(gpa hostarch.GuestPhys, buf []byte) error {
	if err := b.checkRange(gpa, len(buf)); err != nil {
		return err
	}
	copy(b.ram[gpa:], buf)
	return nil
}

func (b *Backend) checkRange(gpa hostarch.GuestPhys, n int) error {
	end := uint64(gpa) + uint64(n)
	if end < uint64(gpa) || end > uint64(len(b.ram)) {
		return fmt.Errorf("guest physical [%v, %#x) is outside guest memory", gpa, end)
	}
	return nil
}

// Shutdown implements backend.Backend.Shutdown.
func (b *Backend) Shutdown() {
	if b.shutdown.Swap(true) {
		return
	}
	b.mu.Lock()
	vcpus := make([]*vcpu, 0, len(b.vcpus))
	for _, c := range b.vcpus {
		vcpus = append(vcpus, c)
	}
	b.mu.Unlock()
	for _, c := range vcpus {
		c.cond.Broadcast()
	}
}

// vcpu is one scripted virtual processor.
type vcpu struct {
	id    int
	m     *Backend
	regs  backend.Registers
	space backend.Space
	info  backend.ExitInfo

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Step
	kicked bool
	events []backend.Event
}

// ID implements backend.VCPU.ID.
func (c *vcpu) ID() int { return c.id }

// Registers implements backend.VCPU.Registers.
func (c *vcpu) Registers() *backend.Registers { return &c.regs }

// SetSpace implements backend.VCPU.SetSpace.
func (c *vcpu) SetSpace(s backend.Space) { c.space = s }

// Space implements backend.VCPU.Space.
func (c *vcpu) Space() backend.Space { return c.space }

// ExitInfo implements backend.VCPU.ExitInfo.
func (c *vcpu) ExitInfo() backend.ExitInfo { return c.info }

// Enter implements backend.VCPU.Enter. It blocks until a step is scripted,
// the vcpu is kicked or the backend shuts down.
func (c *vcpu) Enter() error {
	c.mu.Lock()
	var step Step
	for {
		if c.m.shutdown.Load() {
			c.mu.Unlock()
			return backend.ErrShutdown
		}
		if c.kicked {
			c.kicked = false
			c.mu.Unlock()
			return backend.ErrKicked
		}
		if len(c.queue) > 0 {
			step = c.queue[0]
			c.queue = c.queue[1:]
			break
		}
		c.cond.Wait()
	}
	c.mu.Unlock()

	if step.SetRegs != nil {
		step.SetRegs(&c.regs)
	}
	c.info = makeExit(step.Trap, &c.regs)
	return nil
}

// Kick implements backend.VCPU.Kick.
func (c *vcpu) Kick() {
	c.mu.Lock()
	c.kicked = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// InjectEvent implements backend.VCPU.InjectEvent. The software guest has
// no interrupt machinery; events are recorded for inspection.
func (c *vcpu) InjectEvent(ev backend.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// TranslateVirtual implements backend.VCPU.TranslateVirtual. Scripted
// guests run identity mapped in every space.
func (c *vcpu) TranslateVirtual(gva hostarch.GuestVirt) (hostarch.GuestPhys, error) {
	return hostarch.GuestPhys(gva), nil
}

// makeExit turns a scripted trap into the classified exit the dispatcher
// sees.
func makeExit(tr Trap, regs *backend.Registers) backend.ExitInfo {
	switch tr.Kind {
	case TrapCall:
		info := backend.ClassifyCall(regs.RAX)
		info.InstrLen = 3
		return info
	case TrapInterrupt:
		return backend.ExitInfo{Reason: backend.ExitInterrupt, Vector: tr.Vector}
	case TrapException:
		info := backend.ExitInfo{
			Reason:    backend.ExitException,
			Vector:    tr.Vector,
			ErrorCode: tr.ErrorCode,
			FaultAddr: tr.Addr,
		}
		// Scripted guests run identity mapped, so a page fault's nested
		// address is its linear address.
		if tr.Vector == backend.VectorPageFault {
			info.NestedAddr = hostarch.GuestPhys(tr.Addr)
		}
		return info
	case TrapHalt:
		return backend.ExitInfo{Reason: backend.ExitHalt, InstrLen: 1}
	default:
		return backend.ExitInfo{Reason: backend.ExitOther}
	}
}
