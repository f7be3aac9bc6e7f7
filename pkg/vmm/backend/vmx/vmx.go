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

// Package vmx translates Intel virtualization onto the backend surface.
//
// The package owns the vendor encodings only: basic exit reasons, the
// interruption-information format and extended page table semantics. Actual
// VMCS and VMLAUNCH access goes through the Driver installed by the
// embedding runtime.
package vmx

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
const Name = "vmx"

var log = tlog.Logger("vmx")

func init() {
	backend.Register(Name, New)
}

// Basic exit reasons the translation layer understands.
const (
	exitExceptionNMI      = 0
	exitExternalInterrupt = 1
	exitCPUID             = 10
	exitHLT               = 12
	exitVmcall            = 18
	exitEPTViolation      = 48
)

// Interruption-information encoding, shared by exit readout and entry
// injection.
const (
	intrVectorMask      = 0xff
	intrTypeNMI         = 2 << 8
	intrTypeHWException = 3 << 8
	intrTypeMask        = 0x7 << 8
	intrErrCodeValid    = 1 << 11
	intrValid           = 1 << 31
)

// Exit qualification bits for EPT violations.
const (
	eptQualWrite = 1 << 1
	eptQualFetch = 1 << 2
)

// VMX is the Intel backend.
type VMX struct {
	driver Driver
	caps   backend.Capabilities

	mu       sync.Mutex
	spaces   map[backend.Space]*npt.PageTables
	vcpus    map[int]*vCPU
	shutdown atomic.Bool
}

// New constructs the Intel backend on the current host. It fails when the
// host is not a VMX-capable Intel machine or when no hardware driver is
// linked.
func New(opts backend.Options) (backend.Backend, error) {
	d := currentDriver()
	if d == nil {
		return nil, fmt.Errorf("vmx: no hardware driver linked into this runtime")
	}
	return newBackend(d, cpuid.HostFeatureSet(), opts)
}

func newBackend(d Driver, fs *cpuid.FeatureSet, opts backend.Options) (backend.Backend, error) {
	if fs.Vendor != cpuid.VendorIntel {
		return nil, fmt.Errorf("vmx: host vendor is %s, need intel", fs.Vendor)
	}
	if !fs.HasVMX {
		return nil, fmt.Errorf("vmx: virtualization extensions not present on %q", fs.Brand)
	}
	if opts.MemEncrypt {
		return nil, fmt.Errorf("vmx: memory encryption is not available on this vendor")
	}
	v := &VMX{
		driver: d,
		caps: backend.Capabilities{
			Vendor:   cpuid.VendorIntel,
			XFRM:     sgx.XFRMLegal | sgx.XFRMAVX,
			MaxVCPUs: fs.LogicalCores,
		},
		spaces: map[backend.Space]*npt.PageTables{
			backend.NormalSpace: npt.New(),
		},
		vcpus: make(map[int]*vCPU),
	}
	log.Infof("initialized on %q, %d vcpus", fs.Brand, v.caps.MaxVCPUs)
	return v, nil
}

// Name implements backend.Backend.Name.
func (v *VMX) Name() string { return Name }

// Capabilities implements backend.Backend.Capabilities.
func (v *VMX) Capabilities() backend.Capabilities { return v.caps }

// InitVCPU implements backend.Backend.InitVCPU.
func (v *VMX) InitVCPU(id int) (backend.VCPU, error) {
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
func (v *VMX) tables(s backend.Space) *npt.PageTables {
	v.mu.Lock()
	defer v.mu.Unlock()
	pt, ok := v.spaces[s]
	if !ok {
		pt = npt.New()
		v.spaces[s] = pt
	}
	return pt
}

// MapGuestPhysical implements backend.Backend.MapGuestPhysical.
func (v *VMX) MapGuestPhysical(s backend.Space, gpa hostarch.GuestPhys, hpa hostarch.PhysAddr, length uint64, opts npt.MapOpts) {
	// No memory encryption on this vendor.
	opts.Encrypt = false
	v.tables(s).Map(gpa, hpa, length, opts)
}

// UnmapGuestPhysical implements backend.Backend.UnmapGuestPhysical.
func (v *VMX) UnmapGuestPhysical(s backend.Space, gpa hostarch.GuestPhys, length uint64) {
	pt := v.tables(s)
	pt.Unmap(gpa, length)
	v.driver.Invalidate(pt)
}

// InvalidateTranslation implements backend.Backend.InvalidateTranslation.
func (v *VMX) InvalidateTranslation(s backend.Space) {
	pt := v.tables(s)
	pt.InvalidateAll()
	v.driver.Invalidate(pt)
}

// physFor resolves one guest-physical address in a space.
func (v *VMX) physFor(s backend.Space, gpa hostarch.GuestPhys) (hostarch.PhysAddr, bool) {
	hpa, _, ok := v.tables(s).Translate(gpa)
	return hpa, ok
}

// guestCopy moves bytes between untrusted guest-physical memory and a host
// buffer, one page at a time.
func (v *VMX) guestCopy(gpa hostarch.GuestPhys, b []byte, write bool) error {
	for len(b) > 0 {
		hpa, ok := v.physFor(backend.NormalSpace, gpa)
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
func (v *VMX) ReadGuest(gpa hostarch.GuestPhys, b []byte) error {
	return v.guestCopy(gpa, b, false)
}

// WriteGuest implements backend.Backend.WriteGuest.
func (v *VMX) WriteGuest(gpa hostarch.GuestPhys, b []byte) error {
	return v.guestCopy(gpa, b, true)
}

// Shutdown implements backend.Backend.Shutdown.
func (v *VMX) Shutdown() {
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

// vCPU is one virtual processor of the Intel backend.
type vCPU struct {
	id    int
	m     *VMX
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
		return fmt.Errorf("vmx entry on vcpu %d: %v", c.id, err)
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
	info := uint32(ev.Vector) | intrValid
	switch ev.Type {
	case backend.EventInterrupt:
		if ev.Vector == backend.VectorNMI {
			info |= intrTypeNMI
		}
	case backend.EventException:
		info |= intrTypeHWException
		if ev.HasErrorCode {
			info |= intrErrCodeValid
		}
		if ev.Vector == backend.VectorPageFault {
			c.regs.CR2 = uint64(ev.FaultAddr)
		}
	default:
		return fmt.Errorf("unknown event type %d", ev.Type)
	}
	c.dv.Inject(info, ev.ErrorCode)
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

// translateExit maps the VMCS exit readout onto the vendor-neutral exit
// surface.
func translateExit(raw RawExit, regs *backend.Registers) backend.ExitInfo {
	switch raw.Reason {
	case exitExceptionNMI:
		vector := uint8(raw.IntrInfo & intrVectorMask)
		if raw.IntrInfo&intrTypeMask == intrTypeNMI {
			return backend.ExitInfo{Reason: backend.ExitInterrupt, Vector: vector}
		}
		info := backend.ExitInfo{
			Reason:    backend.ExitException,
			Vector:    vector,
			FaultAddr: hostarch.GuestVirt(raw.Qualification),
		}
		if raw.IntrInfo&intrErrCodeValid != 0 {
			info.ErrorCode = raw.IntrErr
		}
		return info
	case exitExternalInterrupt:
		return backend.ExitInfo{Reason: backend.ExitInterrupt, Vector: uint8(raw.IntrInfo & intrVectorMask)}
	case exitHLT:
		return backend.ExitInfo{Reason: backend.ExitHalt, InstrLen: raw.InstrLen}
	case exitVmcall:
		info := backend.ClassifyCall(regs.RAX)
		info.InstrLen = raw.InstrLen
		return info
	case exitEPTViolation:
		// Nested paging faults are presented as page faults against the
		// guest-linear address, with the guest-physical address alongside.
		var ec uint32
		if raw.Qualification&eptQualWrite != 0 {
			ec |= sgx.PFErrWrite
		}
		if raw.Qualification&eptQualFetch != 0 {
			ec |= sgx.PFErrFetch
		}
		return backend.ExitInfo{
			Reason:     backend.ExitException,
			Vector:     backend.VectorPageFault,
			ErrorCode:  ec,
			FaultAddr:  hostarch.GuestVirt(raw.GuestLinear),
			NestedAddr: hostarch.GuestPhys(raw.GuestPhys),
		}
	case exitCPUID:
		return backend.ExitInfo{Reason: backend.ExitOther, InstrLen: raw.InstrLen}
	default:
		return backend.ExitInfo{Reason: backend.ExitOther, InstrLen: raw.InstrLen}
	}
}
