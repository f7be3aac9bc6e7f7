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

// Package svm translates AMD virtualization onto the backend surface.
//
// The package owns the vendor encodings only: VMCB exit codes, the EVENTINJ
// format and nested page table semantics, including the memory encryption
// bit on secure mappings. Actual VMCB and VMRUN access goes through the
// Driver installed by the embedding runtime.
package svm

import (
	"fmt"
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
const Name = "svm"

var log = tlog.Logger("svm")

func init() {
	backend.Register(Name, New)
}

// VMCB exit codes the translation layer understands.
const (
	exitExceptionBase = 0x40
	exitExceptionTop  = 0x5f
	exitINTR          = 0x60
	exitNMI           = 0x61
	exitCPUID         = 0x72
	exitHLT           = 0x78
	exitVMMCALL       = 0x81
	exitNPF           = 0x400
)

// EVENTINJ encoding.
const (
	injTypeExternal  = 0 << 8
	injTypeNMI       = 2 << 8
	injTypeException = 3 << 8
	injErrCodeValid  = 1 << 11
	injValid         = 1 << 31
)

// SVM is the AMD backend.
type SVM struct {
	driver  Driver
	caps    backend.Capabilities
	encrypt bool

	mu       sync.Mutex
	spaces   map[backend.Space]*npt.PageTables
	vcpus    map[int]*vCPU
	shutdown atomic.Bool
}

// New constructs the AMD backend on the current host. It fails when the
// host is not an SVM-capable AMD machine, when memory encryption is asked
// for but not present, or when no hardware driver is linked.
func New(opts backend.Options) (backend.Backend, error) {
	d := currentDriver()
	if d == nil {
		return nil, fmt.Errorf("svm: no hardware driver linked into this runtime")
	}
	return newBackend(d, cpuid.HostFeatureSet(), opts)
}

func newBackend(d Driver, fs *cpuid.FeatureSet, opts backend.Options) (backend.Backend, error) {
	if fs.Vendor != cpuid.VendorAMD {
		return nil, fmt.Errorf("svm: host vendor is %s, need amd", fs.Vendor)
	}
	if !fs.HasSVM {
		return nil, fmt.Errorf("svm: virtualization extensions not present on %q", fs.Brand)
	}
	if opts.MemEncrypt && !fs.HasSME {
		return nil, fmt.Errorf("svm: memory encryption requested but not present on %q", fs.Brand)
	}
	v := &SVM{
		driver:  d,
		encrypt: opts.MemEncrypt,
		caps: backend.Capabilities{
			Vendor:     cpuid.VendorAMD,
			XFRM:       sgx.XFRMLegal | sgx.XFRMAVX,
			MemEncrypt: fs.HasSME,
			MaxVCPUs:   fs.LogicalCores,
		},
		spaces: map[backend.Space]*npt.PageTables{
			backend.NormalSpace: npt.New(),
		},
		vcpus: make(map[int]*vCPU),
	}
	log.Infof("initialized on %q, %d vcpus, encrypt=%v", fs.Brand, v.caps.MaxVCPUs, v.encrypt)
	return v, nil
}

// Name implements backend.Backend.Name.
func (v *SVM) Name() string { return Name }

// Capabilities implements backend.Backend.Capabilities.
func (v *SVM) Capabilities() backend.Capabilities { return v.caps }

// InitVCPU implements backend.Backend.InitVCPU.
func (v *SVM) InitVCPU(id int) (backend.VCPU, error) {
	if id < 0 || id >= v.caps.MaxVCPUs {
		return nil, fmt.Errorf("vcpu id %d out of range [0, %d)", id, v.caps.MaxVCPUs)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.vcpus[id]; ok {
		return c, nil
	}
	dv, err := v.driver.InitVCPU(id)
	if err != nil {
		return nil, fmt.Errorf("initializing vcpu %d: %v", id, err)
	}
	c := &vCPU{
		id: id,
		m:  v,
		dv: dv,
		regs: backend.Registers{
			RFLAGS: backend.RFlagsFixed | backend.RFlagsIF,
			EFER:   backend.EFERLME | backend.EFERSCE,
			XCR0:   sgx.XFRMLegal,
		},
		space: backend.NormalSpace,
	}
	v.vcpus[id] = c
	return c, nil
}

// tables returns the translation tables for a space, creating an empty set
// on first reference so that a fresh secure space faults everything.
func (v *SVM) tables(s backend.Space) *npt.PageTables {
	v.mu.Lock()
	defer v.mu.Unlock()
	pt, ok := v.spaces[s]
	if !ok {
		pt = npt.New()
		v.spaces[s] = pt
	}
	return pt
}

// MapGuestPhysical implements backend.Backend.MapGuestPhysical. Secure
// mappings carry the memory encryption bit when the backend was built with
// encryption on.
func (v *SVM) MapGuestPhysical(s backend.Space, gpa hostarch.GuestPhys, hpa hostarch.PhysAddr, length uint64, opts npt.MapOpts) {
	opts.Encrypt = v.encrypt && s != backend.NormalSpace
	v.tables(s).Map(gpa, hpa, length, opts)
}

// UnmapGuestPhysical implements backend.Backend.UnmapGuestPhysical.
func (v *SVM) UnmapGuestPhysical(s backend.Space, gpa hostarch.GuestPhys, length uint64) {
	pt := v.tables(s)
	pt.Unmap(gpa, length)
	v.driver.Invalidate(pt)
}

// InvalidateTranslation implements backend.Backend.InvalidateTranslation.
func (v *SVM) InvalidateTranslation(s backend.Space) {
	pt := v.tables(s)
	pt.InvalidateAll()
	v.driver.Invalidate(pt)
}

// guestCopy moves bytes between untrusted guest-physical memory and a host
// buffer, one page at a time.
func (v *SVM) guestCopy(gpa hostarch.GuestPhys, b []byte, write bool) error {
	for len(b) > 0 {
		hpa, _, ok := v.tables(backend.NormalSpace).Translate(gpa)
		if !ok {
			return fmt.Errorf("guest physical %v is not mapped", gpa)
		}
		n := int(hostarch.PageSize - gpa.PageOffset())
		if n > len(b) {
			n = len(b)
		}
		var err error
		if write {
			err = v.driver.WritePhys(hpa, b[:n])
		} else {
			err = v.driver.ReadPhys(hpa, b[:n])
		}
		if err != nil {
			return err
		}
		gpa += hostarch.GuestPhys(n)
		b = b[n:]
	}
	return nil
}

// ReadGuest implements backend.Backend.ReadGuest.
func (v *SVM) ReadGuest(gpa hostarch.GuestPhys, b []byte) error {
	return v.guestCopy(gpa, b, false)
}

// WriteGuest implements backend.Backend.WriteGuest.
func (v *SVM) WriteGuest(gpa hostarch.GuestPhys, b []byte) error {
	return v.guestCopy(gpa, b, true)
}

// Shutdown implements backend.Backend.Shutdown.
func (v *SVM) Shutdown() {
	if v.shutdown.Swap(true) {
		return
	}
	v.mu.Lock()
	vcpus := make([]*vCPU, 0, len(v.vcpus))
	for _, c := range v.vcpus {
		vcpus = append(vcpus, c)
	}
	v.mu.Unlock()
	for _, c := range vcpus {
		c.dv.Wake()
	}
	v.driver.Shutdown()
}

// vCPU is one virtual processor of the AMD backend.
type vCPU struct {
	id    int
	m     *SVM
	dv    DriverVCPU
	regs  backend.Registers
	space backend.Space
	info  backend.ExitInfo
}

// ID implements backend.VCPU.ID.
func (c *vCPU) ID() int { return c.id }

// Registers implements backend.VCPU.Registers.
func (c *vCPU) Registers() *backend.Registers { return &c.regs }

// SetSpace implements backend.VCPU.SetSpace.
func (c *vCPU) SetSpace(s backend.Space) { c.space = s }

// Space implements backend.VCPU.Space.
func (c *vCPU) Space() backend.Space { return c.space }

// ExitInfo implements backend.VCPU.ExitInfo.
func (c *vCPU) ExitInfo() backend.ExitInfo { return c.info }

// Enter implements backend.VCPU.Enter.
func (c *vCPU) Enter() error {
	if c.m.shutdown.Load() {
		return backend.ErrShutdown
	}
	raw, err := c.dv.Run(&c.regs, c.m.tables(c.space))
	if err == ErrWakeup {
		if c.m.shutdown.Load() {
			return backend.ErrShutdown
		}
		return backend.ErrKicked
	}
	if err != nil {
		return fmt.Errorf("svm entry on vcpu %d: %v", c.id, err)
	}
	c.info = translateExit(raw, &c.regs)
	return nil
}

// Kick implements backend.VCPU.Kick.
func (c *vCPU) Kick() {
	c.dv.Wake()
}

// InjectEvent implements backend.VCPU.InjectEvent.
func (c *vCPU) InjectEvent(ev backend.Event) error {
	inj := uint32(ev.Vector) | injValid
	switch ev.Type {
	case backend.EventInterrupt:
		if ev.Vector == backend.VectorNMI {
			inj |= injTypeNMI
		} else {
			inj |= injTypeExternal
		}
	case backend.EventException:
		inj |= injTypeException
		if ev.HasErrorCode {
			inj |= injErrCodeValid
		}
		if ev.Vector == backend.VectorPageFault {
			c.regs.CR2 = uint64(ev.FaultAddr)
		}
	default:
		return fmt.Errorf("unknown event type %d", ev.Type)
	}
	c.dv.Inject(inj, ev.ErrorCode)
	return nil
}

// TranslateVirtual implements backend.VCPU.TranslateVirtual. Secure spaces
// identity-map the enclave linear range, so only the untrusted world walks
// guest page tables.
func (c *vCPU) TranslateVirtual(gva hostarch.GuestVirt) (hostarch.GuestPhys, error) {
	if c.space != backend.NormalSpace {
		return hostarch.GuestPhys(gva), nil
	}
	return backend.WalkGuestTable(c.m.ReadGuest, c.regs.CR3, gva)
}

// translateExit maps the VMCB exit readout onto the vendor-neutral exit
// surface.
func translateExit(raw RawExit, regs *backend.Registers) backend.ExitInfo {
	instrLen := uint8(0)
	if raw.NextRIP > regs.RIP && raw.NextRIP-regs.RIP <= 15 {
		instrLen = uint8(raw.NextRIP - regs.RIP)
	}
	switch {
	case raw.Code >= exitExceptionBase && raw.Code <= exitExceptionTop:
		vector := uint8(raw.Code - exitExceptionBase)
		info := backend.ExitInfo{
			Reason:    backend.ExitException,
			Vector:    vector,
			ErrorCode: uint32(raw.Info1),
		}
		if vector == backend.VectorPageFault {
			info.FaultAddr = hostarch.GuestVirt(raw.Info2)
		}
		return info
	case raw.Code == exitINTR:
		// The vector is delivered through the host IDT, not the VMCB.
		return backend.ExitInfo{Reason: backend.ExitInterrupt}
	case raw.Code == exitNMI:
		return backend.ExitInfo{Reason: backend.ExitInterrupt, Vector: backend.VectorNMI}
	case raw.Code == exitHLT:
		return backend.ExitInfo{Reason: backend.ExitHalt, InstrLen: instrLen}
	case raw.Code == exitVMMCALL:
		info := backend.ClassifyCall(regs.RAX)
		info.InstrLen = instrLen
		return info
	case raw.Code == exitNPF:
		// Nested paging faults carry a page-fault style error code in
		// Info1 and the guest-physical address in Info2, possibly with
		// the encryption bit set.
		return backend.ExitInfo{
			Reason:     backend.ExitException,
			Vector:     backend.VectorPageFault,
			ErrorCode:  uint32(raw.Info1),
			NestedAddr: hostarch.GuestPhys(raw.Info2 &^ uint64(hostarch.EncryptBit)),
		}
	case raw.Code == exitCPUID:
		return backend.ExitInfo{Reason: backend.ExitOther, InstrLen: instrLen}
	default:
		return backend.ExitInfo{Reason: backend.ExitOther, InstrLen: instrLen}
	}
}
