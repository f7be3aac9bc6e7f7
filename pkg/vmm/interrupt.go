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
	"fmt"
	"time"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/enclave"
	"tevisor.dev/tevisor/pkg/hostarch"
	tlog "tevisor.dev/tevisor/pkg/log"
	"tevisor.dev/tevisor/pkg/vmm/backend"
)

// faultLog throttles fault reflection logging so a faulting guest loop
// cannot flood the journal.
var faultLog = tlog.RateLimited(log, 100*time.Millisecond, 8)

// redirect handles an interrupt or exception trap. A processor in enclave
// mode always leaves first through the asynchronous exit protocol, whatever
// the event; the enclave never observes the event itself. Exceptions are
// then reflected to the untrusted handler. Interrupts belong to the host
// and are not replayed into the guest.
func (m *Machine) redirect(c *CPU, info backend.ExitInfo) error {
	e := c.enclave
	if c.thread != nil {
		if err := m.asyncExit(c, info); err != nil {
			return err
		}
	}
	if info.Reason == backend.ExitInterrupt {
		return nil
	}

	code := m.classifyFault(info, e)
	faultLog.Infof("virtual cpu %d: reflecting vector %d code %#x addr %v", c.ID(), info.Vector, code, info.FaultAddr)
	guestFaults.Inc()
	return c.InjectEvent(backend.Event{
		Type:         backend.EventException,
		Vector:       info.Vector,
		HasErrorCode: vectorHasErrorCode(info.Vector),
		ErrorCode:    code,
		FaultAddr:    info.FaultAddr,
	})
}

// classifyFault rewrites a page-fault error code with the enclave-specific
// cause bits. A fault on the enclave's own range means the page cache
// mapping disagreed with the access; an instruction fetch that left the
// range is an attempt to execute shared memory in enclave mode. In the
// normal world, a nested fault on page cache physical space is a protection
// trip, not a paging miss.
func (m *Machine) classifyFault(info backend.ExitInfo, e *enclave.Enclave) uint32 {
	code := info.ErrorCode
	if info.Vector != backend.VectorPageFault {
		return code
	}
	if e != nil {
		if e.Contains(info.FaultAddr) {
			code |= sgx.PFErrEPCMMismatch
		} else if code&sgx.PFErrFetch != 0 {
			code |= sgx.PFErrSharedFetch
		}
	} else if info.NestedAddr != 0 && m.pool.Contains(hostarch.PhysAddr(info.NestedAddr)) {
		code |= sgx.PFErrEPCMMismatch
	}
	return code
}

// vectorHasErrorCode reports whether the vector pushes an architectural
// error code.
func vectorHasErrorCode(vector uint8) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17:
		return true
	}
	return false
}

// asyncExit banks the enclave context into the thread's next save-state
// slot and replaces the register file with the synthetic resume protocol:
// the untrusted world lands on the exit pointer with the thread parked for
// resume. If the save protocol cannot complete, the enclave is destroyed.
func (m *Machine) asyncExit(c *CPU, info backend.ExitInfo) error {
	e, th := c.enclave, c.thread
	regs := c.Registers()

	tcsb := m.pool.FrameBytes(th.Frame)
	cssa := sgx.ReadCSSA(tcsb)
	if cssa >= th.NSSA {
		return m.breach(c, fmt.Errorf("thread %v is out of save-state slots (%d of %d)", th.Vaddr, cssa, th.NSSA))
	}
	area, err := m.ssaGPRArea(e, th, cssa)
	if err != nil {
		return m.breach(c, err)
	}

	var exitInfo uint32
	if info.Reason == backend.ExitException {
		exitInfo = sgx.MakeExitInfo(info.Vector, false)
	}
	gpr := sgx.GPRSGX{
		RAX:      regs.RAX,
		RCX:      regs.RCX,
		RDX:      regs.RDX,
		RBX:      regs.RBX,
		RSP:      regs.RSP,
		RBP:      regs.RBP,
		RSI:      regs.RSI,
		RDI:      regs.RDI,
		R8:       regs.R8,
		R9:       regs.R9,
		R10:      regs.R10,
		R11:      regs.R11,
		R12:      regs.R12,
		R13:      regs.R13,
		R14:      regs.R14,
		R15:      regs.R15,
		RFLAGS:   regs.RFLAGS,
		RIP:      regs.RIP,
		URSP:     th.Untrusted.RSP,
		URBP:     th.Untrusted.RBP,
		ExitInfo: exitInfo,
		FSBase:   regs.FSBase,
		GSBase:   regs.GSBase,
	}
	gpr.Marshal(area)
	sgx.WriteCSSA(tcsb, cssa+1)

	th.MarkInterrupted()
	c.stageAsyncReturn(th)
	aexTotal.Inc()
	return nil
}

// breach is the unrecoverable arm of the asynchronous exit: the save
// protocol cannot proceed, so the enclave is destroyed and the untrusted
// world lands on the exit pointer with nothing parked. The resume attempted
// there reports the enclave lost.
func (m *Machine) breach(c *CPU, cause error) error {
	e, th := c.enclave, c.thread
	log.Warningf("enclave %v: asynchronous exit cannot save, destroying: %v", e.Ref(), cause)
	if err := m.destroyEnclave(e, true); err != nil {
		log.Warningf("enclave %v: breach teardown: %v", e.Ref(), err)
	}
	c.stageAsyncReturn(th)
	return nil
}

// stageAsyncReturn scrubs the enclave's register values and builds the
// asynchronous landing state: a resume already set up in the registers,
// executing at the exit pointer on the untrusted stack.
func (c *CPU) stageAsyncReturn(th *enclave.Thread) {
	regs := c.Registers()
	*regs = backend.Registers{
		RAX:    uint64(sgx.LeafEResume),
		RBX:    uint64(th.Vaddr),
		RCX:    th.AEP,
		RIP:    th.AEP,
		RSP:    th.Untrusted.RSP,
		RBP:    th.Untrusted.RBP,
		RFLAGS: th.Untrusted.RFLAGS,
		FSBase: th.Untrusted.FSBase,
		GSBase: th.Untrusted.GSBase,
		XCR0:   th.Untrusted.XCR0,
		EFER:   th.Untrusted.EFER,
		CR2:    regs.CR2,
		CR3:    regs.CR3,
	}
	c.SetSpace(backend.Space(th.Untrusted.Space))
	c.enclave, c.thread = nil, nil
}

// ssaGPRArea resolves one save-state slot's register area to its backing
// frame bytes. The area occupies the tail of the slot's last page, which
// must be a present regular page.
func (m *Machine) ssaGPRArea(e *enclave.Enclave, th *enclave.Thread, slot uint32) ([]byte, error) {
	ssaBytes := uint64(e.SECS().SSAFrameSize) * sgx.PageSize
	end := uint64(e.Base()) + th.OSSA + uint64(slot+1)*ssaBytes
	gva := hostarch.GuestVirt(end - sgx.GPRSGXSize)
	page, ok := e.PageAt(gva.RoundDown())
	if !ok || page.Type != sgx.PageTypeRegular {
		return nil, fmt.Errorf("save-state slot %d of thread %v is not backed at %v", slot, th.Vaddr, gva.RoundDown())
	}
	off := uint64(gva) & hostarch.PageMask
	return m.pool.FrameBytes(page.Frame)[off : off+sgx.GPRSGXSize], nil
}
