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

package vmm

import (
	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/enclave"
	"tevisor.dev/tevisor/pkg/hostarch"
	"tevisor.dev/tevisor/pkg/teerr"
	"tevisor.dev/tevisor/pkg/vmm/backend"
	"tevisor.dev/tevisor/pkg/vmm/npt"
)

// Enclave instruction register contract. The leaf number arrives in RAX and
// the result code replaces it; parameters use RBX, RCX and RDX.
//
//	ECREATE  in  RBX=PAGEINFO address, SRCPGE is the control structure image
//	         out RBX=enclave token
//	EADD     in  RCX=token, RBX=PAGEINFO address
//	EINIT    in  RCX=token
//	EENTER   in  RBX=thread-control address, RCX=async exit pointer
//	         out RAX=current save-state slot, RCX=return address
//	ERESUME  in  RBX=thread-control address, RCX=async exit pointer
//	EEXIT    in  RBX=target address
//	         out RCX=async exit pointer
//	EREMOVE  in  RCX=token, RBX=page address, zero names the control
//	         structure
//
// The entry, resume and exit leaves jump; every other leaf falls through to
// the next instruction with a result code in RAX.

// emulate executes one enclave instruction and completes the trapping
// instruction: result code in RAX and the instruction skipped, except for
// the leaves that jump.
func (m *Machine) emulate(c *CPU, info backend.ExitInfo) {
	encluTotal.WithLabelValues(info.Leaf.String()).Inc()

	var err error
	jumped := false
	switch info.Leaf {
	case sgx.LeafECreate:
		err = m.ecreate(c)
	case sgx.LeafEAdd:
		err = m.eadd(c)
	case sgx.LeafEInit:
		err = m.einit(c)
	case sgx.LeafEEnter:
		err = m.eenter(c, info)
		jumped = err == nil
	case sgx.LeafEResume:
		err = m.eresume(c, info)
		jumped = err == nil
	case sgx.LeafEExit:
		err = m.eexit(c)
		jumped = err == nil
	case sgx.LeafERemove:
		err = m.eremove(c)
	default:
		err = teerr.InvalidLeaf
	}

	regs := c.Registers()
	if err != nil {
		code := guestCode(err)
		if code == sgx.ErrInternalFailure {
			log.Warningf("virtual cpu %d: %v at %#x: %v", c.ID(), info.Leaf, regs.RIP, err)
		} else {
			log.Debugf("virtual cpu %d: %v at %#x: %v", c.ID(), info.Leaf, regs.RIP, err)
		}
		regs.RAX = uint64(code)
		regs.RIP += uint64(info.InstrLen)
		return
	}
	if !jumped {
		regs.RAX = uint64(sgx.Success)
		regs.RIP += uint64(info.InstrLen)
	}
}

// ecreate builds a new enclave from the control-structure image named by
// the PAGEINFO and returns its token in RBX.
func (m *Machine) ecreate(c *CPU) error {
	regs := c.Registers()
	pi, err := m.readPageInfo(c, regs.RBX)
	if err != nil {
		return err
	}
	img, err := m.readSourcePage(c, pi.SrcPage)
	if err != nil {
		return err
	}
	e, err := m.enclaves.Create(img)
	if err != nil {
		return err
	}
	regs.RBX = e.Ref().Token()
	return nil
}

// eadd copies one source page into the enclave and, for regular pages,
// maps it into the enclave's secure address space. Control pages stay
// unmapped, so any guest touch of one faults as a page-cache conflict.
func (m *Machine) eadd(c *CPU) error {
	regs := c.Registers()
	e, err := m.lookupToken(regs.RCX)
	if err != nil {
		return err
	}
	pi, err := m.readPageInfo(c, regs.RBX)
	if err != nil {
		return err
	}
	flags, err := m.readSECINFO(c, pi.SecInfo)
	if err != nil {
		return err
	}
	src, err := m.readSourcePage(c, pi.SrcPage)
	if err != nil {
		return err
	}

	vaddr := hostarch.GuestVirt(pi.LinAddr)
	frame, err := e.AddPage(vaddr, src, flags)
	if err != nil {
		return err
	}
	if flags.PageType() == sgx.PageTypeRegular {
		m.backend.MapGuestPhysical(secureSpace(e.Ref()),
			hostarch.GuestPhys(vaddr), m.pool.FramePhys(frame), sgx.PageSize,
			npt.MapOpts{
				Access: hostarch.AccessType{
					Read:    flags.Read(),
					Write:   flags.Write(),
					Execute: flags.Execute(),
				},
				Encrypt: m.backend.Capabilities().MemEncrypt,
			})
	}
	return nil
}

// einit seals the enclave's measurement and makes it enterable. The
// requested extended-state mask must fit the backend; an internal failure
// while promoting frames is a breach of the build and destroys the enclave.
func (m *Machine) einit(c *CPU) error {
	e, err := m.lookupToken(c.Registers().RCX)
	if err != nil {
		return err
	}
	if !m.backend.Capabilities().SupportsXFRM(e.SECS().XFRM) {
		return teerr.InvalidArgument
	}
	if _, err := e.Initialize(); err != nil {
		if !teerr.IsManagement(err) {
			log.Warningf("enclave %v: sealing failed, destroying: %v", e.Ref(), err)
			m.destroyEnclave(e, true)
		}
		return err
	}
	return nil
}

// eenter performs the synchronous world switch into an enclave: claim the
// thread-control structure, bank the untrusted context and land on the
// enclave's entry point with its designated segment bases and extended
// state.
func (m *Machine) eenter(c *CPU, info backend.ExitInfo) error {
	regs := c.Registers()
	tcsVaddr := hostarch.GuestVirt(regs.RBX)
	e, ok := m.enclaves.FindByAddr(tcsVaddr)
	if !ok {
		return teerr.StaleRef
	}
	th, err := e.AcquireThread(tcsVaddr)
	if err != nil {
		return err
	}

	tcsb := m.pool.FrameBytes(th.Frame)
	th.AEP = regs.RCX
	sgx.WriteAEP(tcsb, regs.RCX)
	th.Untrusted = enclave.ThreadState{
		RFLAGS: regs.RFLAGS,
		RSP:    regs.RSP,
		RBP:    regs.RBP,
		FSBase: regs.FSBase,
		GSBase: regs.GSBase,
		XCR0:   regs.XCR0,
		EFER:   regs.EFER,
		Space:  uint64(c.Space()),
	}

	secs := e.SECS()
	base := uint64(e.Base())
	regs.RAX = uint64(sgx.ReadCSSA(tcsb))
	regs.RCX = regs.RIP + uint64(info.InstrLen)
	regs.RIP = base + th.OEntry
	regs.FSBase = base + th.OFSBase
	regs.GSBase = base + th.OGSBase
	regs.XCR0 = secs.XFRM
	regs.EFER &^= backend.EFERSCE
	if !m.opts.EnclaveInterrupt {
		regs.RFLAGS &^= backend.RFlagsIF
	}

	c.SetSpace(secureSpace(e.Ref()))
	c.enclave, c.thread = e, th
	return nil
}

// eresume reenters an interrupted thread, popping the save-state slot the
// asynchronous exit filled. Exactly one resumer wins a racing pair.
func (m *Machine) eresume(c *CPU, info backend.ExitInfo) error {
	regs := c.Registers()
	tcsVaddr := hostarch.GuestVirt(regs.RBX)
	e, ok := m.enclaves.FindByAddr(tcsVaddr)
	if !ok {
		return teerr.StaleRef
	}
	th, ok := e.ThreadAt(tcsVaddr)
	if !ok {
		return teerr.InvalidArgument
	}
	if !th.TryResume() {
		return teerr.InvalidArgument
	}

	tcsb := m.pool.FrameBytes(th.Frame)
	cssa := sgx.ReadCSSA(tcsb)
	if cssa == 0 {
		th.MarkInterrupted()
		return teerr.InvalidArgument
	}
	area, err := m.ssaGPRArea(e, th, cssa-1)
	if err != nil {
		th.MarkInterrupted()
		return err
	}

	th.AEP = regs.RCX
	sgx.WriteAEP(tcsb, regs.RCX)
	th.Untrusted = enclave.ThreadState{
		RFLAGS: regs.RFLAGS,
		RSP:    regs.RSP,
		RBP:    regs.RBP,
		FSBase: regs.FSBase,
		GSBase: regs.GSBase,
		XCR0:   regs.XCR0,
		EFER:   regs.EFER,
		Space:  uint64(c.Space()),
	}

	var gpr sgx.GPRSGX
	gpr.Unmarshal(area)
	regs.RAX, regs.RBX, regs.RCX, regs.RDX = gpr.RAX, gpr.RBX, gpr.RCX, gpr.RDX
	regs.RSI, regs.RDI = gpr.RSI, gpr.RDI
	regs.RSP, regs.RBP = gpr.RSP, gpr.RBP
	regs.R8, regs.R9, regs.R10, regs.R11 = gpr.R8, gpr.R9, gpr.R10, gpr.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = gpr.R12, gpr.R13, gpr.R14, gpr.R15
	regs.RFLAGS = gpr.RFLAGS
	regs.RIP = gpr.RIP
	regs.FSBase = gpr.FSBase
	regs.GSBase = gpr.GSBase
	regs.XCR0 = e.SECS().XFRM
	regs.EFER &^= backend.EFERSCE
	sgx.WriteCSSA(tcsb, cssa-1)

	c.SetSpace(secureSpace(e.Ref()))
	c.enclave, c.thread = e, th
	return nil
}

// eexit performs the synchronous world switch out of the enclave. The
// enclave chose the landing address; scrubbing registers above the exit
// protocol is the enclave software's job.
func (m *Machine) eexit(c *CPU) error {
	if c.thread == nil {
		return teerr.NotInEnclave
	}
	th := c.thread
	regs := c.Registers()
	regs.RIP = regs.RBX
	regs.RCX = th.AEP
	regs.RFLAGS = th.Untrusted.RFLAGS
	regs.FSBase = th.Untrusted.FSBase
	regs.GSBase = th.Untrusted.GSBase
	regs.XCR0 = th.Untrusted.XCR0
	regs.EFER = th.Untrusted.EFER

	c.SetSpace(backend.Space(th.Untrusted.Space))
	c.enclave.ReleaseThread(th)
	c.enclave, c.thread = nil, nil
	return nil
}

// eremove releases one page, or the whole enclave when the address names
// the control structure. A control structure with pages still present is a
// page conflict.
func (m *Machine) eremove(c *CPU) error {
	regs := c.Registers()
	e, err := m.lookupToken(regs.RCX)
	if err != nil {
		return err
	}
	if regs.RBX == 0 {
		if e.PageCount() > 0 {
			return teerr.IllegalFree
		}
		return m.destroyEnclave(e, false)
	}

	vaddr := hostarch.GuestVirt(regs.RBX)
	p, mapped := e.PageAt(vaddr)
	if err := e.RemovePage(vaddr); err != nil {
		return err
	}
	if mapped && p.Type == sgx.PageTypeRegular {
		s := secureSpace(e.Ref())
		m.backend.UnmapGuestPhysical(s, hostarch.GuestPhys(vaddr), sgx.PageSize)
		m.backend.InvalidateTranslation(s)
	}
	return nil
}

// lookupToken resolves a guest-supplied enclave token.
func (m *Machine) lookupToken(token uint64) (*enclave.Enclave, error) {
	return m.enclaves.Lookup(enclave.RefFromToken(token))
}

// readGuestVirt copies from untrusted guest memory through the guest's own
// page tables, page by page.
func (m *Machine) readGuestVirt(c *CPU, gva hostarch.GuestVirt, b []byte) error {
	for len(b) > 0 {
		gpa, err := c.TranslateVirtual(gva)
		if err != nil {
			return err
		}
		n := hostarch.PageSize - int(uint64(gva)&hostarch.PageMask)
		if n > len(b) {
			n = len(b)
		}
		if err := m.backend.ReadGuest(gpa, b[:n]); err != nil {
			return err
		}
		gva += hostarch.GuestVirt(n)
		b = b[n:]
	}
	return nil
}

// readPageInfo fetches a PAGEINFO block. The required alignment keeps the
// block within one page.
func (m *Machine) readPageInfo(c *CPU, addr uint64) (sgx.PageInfo, error) {
	if addr == 0 || addr&(sgx.PageInfoSize-1) != 0 {
		return sgx.PageInfo{}, teerr.InvalidArgument
	}
	var b [sgx.PageInfoSize]byte
	if err := m.readGuestVirt(c, hostarch.GuestVirt(addr), b[:]); err != nil {
		log.Debugf("reading PAGEINFO at %#x: %v", addr, err)
		return sgx.PageInfo{}, teerr.InvalidArgument
	}
	pi, err := sgx.ParsePageInfo(b[:])
	if err != nil {
		return sgx.PageInfo{}, teerr.InvalidArgument
	}
	return pi, nil
}

// readSECINFO fetches the flags word of a SECINFO block.
func (m *Machine) readSECINFO(c *CPU, addr uint64) (sgx.SECINFOFlags, error) {
	if addr == 0 || addr&(sgx.SECINFOSize-1) != 0 {
		return 0, teerr.InvalidArgument
	}
	var b [sgx.SECINFOSize]byte
	if err := m.readGuestVirt(c, hostarch.GuestVirt(addr), b[:]); err != nil {
		log.Debugf("reading SECINFO at %#x: %v", addr, err)
		return 0, teerr.InvalidArgument
	}
	flags, err := sgx.ParseSECINFO(b[:])
	if err != nil {
		return 0, teerr.InvalidArgument
	}
	return flags, nil
}

// readSourcePage fetches one page-aligned source page from untrusted
// memory.
func (m *Machine) readSourcePage(c *CPU, addr uint64) ([]byte, error) {
	if addr == 0 || !hostarch.GuestVirt(addr).PageAligned() {
		return nil, teerr.InvalidArgument
	}
	b := make([]byte, sgx.PageSize)
	if err := m.readGuestVirt(c, hostarch.GuestVirt(addr), b); err != nil {
		log.Debugf("reading source page at %#x: %v", addr, err)
		return nil, teerr.InvalidArgument
	}
	return b, nil
}

// guestCode maps a management error onto the guest-visible result space.
// Errors that did not come from the management layer are internal failures.
func guestCode(err error) sgx.ErrorCode {
	switch teerr.CodeOf(err) {
	case teerr.ErrExhausted:
		return sgx.ErrOutOfEPC
	case teerr.ErrInvalidRange:
		return sgx.ErrInvalidValue
	case teerr.ErrNotBuilding:
		return sgx.ErrNotBuilding
	case teerr.ErrAlreadyInitialized:
		return sgx.ErrAlreadyInit
	case teerr.ErrNoIdleThread:
		return sgx.ErrNoIdleThread
	case teerr.ErrNotInEnclave:
		return sgx.ErrNotInEnclave
	case teerr.ErrIllegalFree:
		return sgx.ErrPageConflict
	case teerr.ErrStaleRef:
		return sgx.ErrEnclaveLost
	case teerr.ErrBusy:
		return sgx.ErrEnclaveBusy
	case teerr.ErrSealed:
		return sgx.ErrNotBuilding
	case teerr.ErrInvalidLeaf:
		return sgx.ErrInvalidLeaf
	case teerr.ErrInvalidArgument:
		return sgx.ErrInvalidValue
	case teerr.ErrNotInitialized:
		return sgx.ErrNotInitialized
	default:
		return sgx.ErrInternalFailure
	}
}
