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
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/hostarch"
	"tevisor.dev/tevisor/pkg/vmm/backend"
	"tevisor.dev/tevisor/pkg/vmm/backend/sim"
)

// Guest layout shared by the tests. The enclave range sits in low guest
// memory; the build parameter blocks live outside it, in untrusted memory.
const (
	encBase uint64 = 0x400000
	encSize uint64 = 0x8000

	pageCode  = encBase
	pageData1 = encBase + 0x1000
	pageData2 = encBase + 0x2000
	pageTCS   = encBase + 0x3000
	pageSSA0  = encBase + 0x4000
	pageSSA1  = encBase + 0x5000

	offSSA    uint64 = 0x4000
	offEntry  uint64 = 0
	offFSBase uint64 = 0x1000
	offGSBase uint64 = 0x2000

	addrPageInfo uint64 = 0x10000
	addrSECINFO  uint64 = 0x10040
	addrSource   uint64 = 0x20000
	addrSECS     uint64 = 0x30000

	// testAEP is the untrusted landing address handed to EENTER.
	testAEP uint64 = 0x9000
)

type testMachine struct {
	t   *testing.T
	m   *Machine
	sim *sim.Backend
	c   *CPU
}

// newTestMachine builds a machine on the software backend and borrows one
// virtual CPU for the calling test.
func newTestMachine(t *testing.T) *testMachine {
	t.Helper()
	m, err := NewMachine(Options{Backend: sim.Name, EPCSizeMiB: 48})
	if err != nil {
		t.Fatalf("NewMachine() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	c, err := m.Get()
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	t.Cleanup(func() { m.Put(c) })
	return &testMachine{t: t, m: m, sim: m.Backend().(*sim.Backend), c: c}
}

// script queues guest actions on the test CPU.
func (tm *testMachine) script(steps ...sim.Step) {
	tm.t.Helper()
	if err := tm.sim.Script(tm.c.ID(), steps...); err != nil {
		tm.t.Fatalf("Script() failed: %v", err)
	}
}

// run drives the CPU until the scripted guest halts in the normal world.
func (tm *testMachine) run() {
	tm.t.Helper()
	if err := tm.c.Run(context.Background()); err != nil {
		tm.t.Fatalf("Run() failed: %v", err)
	}
}

// call performs one trapping call from the normal world and returns the
// register file after the guest halts.
func (tm *testMachine) call(set func(regs *backend.Registers)) *backend.Registers {
	tm.t.Helper()
	tm.script(sim.Vmcall(set), sim.Halt())
	tm.run()
	return tm.c.Registers()
}

// enclu issues one enclave instruction and returns the result code left in
// RAX together with the register file.
func (tm *testMachine) enclu(leaf sgx.Leaf, set func(regs *backend.Registers)) (sgx.ErrorCode, *backend.Registers) {
	tm.t.Helper()
	regs := tm.call(func(r *backend.Registers) {
		r.RAX = uint64(leaf)
		if set != nil {
			set(r)
		}
	})
	return sgx.ErrorCode(uint32(regs.RAX)), regs
}

// hypercall issues one management call and returns the result code.
func (tm *testMachine) hypercall(no uint64, set func(regs *backend.Registers)) (sgx.ErrorCode, *backend.Registers) {
	tm.t.Helper()
	regs := tm.call(func(r *backend.Registers) {
		r.RAX = no
		if set != nil {
			set(r)
		}
	})
	return sgx.ErrorCode(uint32(regs.RAX)), regs
}

func (tm *testMachine) write(addr uint64, b []byte) {
	tm.t.Helper()
	if err := tm.m.Backend().WriteGuest(hostarch.GuestPhys(addr), b); err != nil {
		tm.t.Fatalf("WriteGuest(%#x) failed: %v", addr, err)
	}
}

func (tm *testMachine) writePageInfo(pi sgx.PageInfo) {
	tm.t.Helper()
	b := make([]byte, sgx.PageInfoSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], pi.LinAddr)
	le.PutUint64(b[8:], pi.SrcPage)
	le.PutUint64(b[16:], pi.SecInfo)
	le.PutUint64(b[24:], pi.SECS)
	tm.write(addrPageInfo, b)
}

func secsImage(base, size uint64, ssaFrames uint32, xfrm uint64) []byte {
	s := sgx.SECS{
		Size:         size,
		BaseAddr:     base,
		SSAFrameSize: ssaFrames,
		Attributes:   sgx.AttrMode64,
		XFRM:         xfrm,
	}
	b := make([]byte, sgx.PageSize)
	s.Marshal(b)
	return b
}

func tcsImage(ossa uint64, nssa uint32, oentry, ofsbase, ogsbase uint64) []byte {
	b := make([]byte, sgx.PageSize)
	le := binary.LittleEndian
	le.PutUint64(b[0x10:], ossa)
	le.PutUint32(b[0x1c:], nssa)
	le.PutUint64(b[0x20:], oentry)
	le.PutUint64(b[0x30:], ofsbase)
	le.PutUint64(b[0x38:], ogsbase)
	return b
}

func fillPage(fill byte) []byte {
	b := make([]byte, sgx.PageSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

// createEnclave issues ECREATE for the standard test range and returns the
// enclave token.
func (tm *testMachine) createEnclave() uint64 {
	tm.t.Helper()
	tm.write(addrSECS, secsImage(encBase, encSize, 1, sgx.XFRMLegal))
	tm.writePageInfo(sgx.PageInfo{SrcPage: addrSECS})
	code, regs := tm.enclu(sgx.LeafECreate, func(r *backend.Registers) { r.RBX = addrPageInfo })
	if code != sgx.Success {
		tm.t.Fatalf("ECREATE = %d, want success", code)
	}
	return regs.RBX
}

// addPage issues EADD for one page and returns the result code.
func (tm *testMachine) addPage(token, vaddr uint64, src []byte, flags sgx.SECINFOFlags) sgx.ErrorCode {
	tm.t.Helper()
	tm.write(addrSource, src)
	secinfo := make([]byte, sgx.SECINFOSize)
	binary.LittleEndian.PutUint64(secinfo, uint64(flags))
	tm.write(addrSECINFO, secinfo)
	tm.writePageInfo(sgx.PageInfo{LinAddr: vaddr, SrcPage: addrSource, SecInfo: addrSECINFO})
	code, _ := tm.enclu(sgx.LeafEAdd, func(r *backend.Registers) {
		r.RCX = token
		r.RBX = addrPageInfo
	})
	return code
}

func (tm *testMachine) mustAdd(token, vaddr uint64, src []byte, flags sgx.SECINFOFlags) {
	tm.t.Helper()
	if code := tm.addPage(token, vaddr, src, flags); code != sgx.Success {
		tm.t.Fatalf("EADD at %#x = %d, want success", vaddr, code)
	}
}

// buildEnclave drives a complete build through the emulated instructions:
// one code page, two data pages and a thread-control page with nssa
// save-state pages, sealed by EINIT.
func (tm *testMachine) buildEnclave(nssa uint32) uint64 {
	tm.t.Helper()
	token := tm.createEnclave()
	rwx := (sgx.SecinfoR | sgx.SecinfoW | sgx.SecinfoX | sgx.SecinfoMeasure).WithPageType(sgx.PageTypeRegular)
	rw := (sgx.SecinfoR | sgx.SecinfoW | sgx.SecinfoMeasure).WithPageType(sgx.PageTypeRegular)
	tm.mustAdd(token, pageCode, fillPage(0xAA), rwx)
	tm.mustAdd(token, pageData1, fillPage(0xBB), rw)
	tm.mustAdd(token, pageData2, fillPage(0xCC), rw)
	tm.mustAdd(token, pageTCS, tcsImage(offSSA, nssa, offEntry, offFSBase, offGSBase),
		sgx.SecinfoMeasure.WithPageType(sgx.PageTypeTCS))
	for i := uint32(0); i < nssa; i++ {
		tm.mustAdd(token, pageSSA0+uint64(i)*sgx.PageSize, make([]byte, sgx.PageSize), rw)
	}
	if code, _ := tm.enclu(sgx.LeafEInit, func(r *backend.Registers) { r.RCX = token }); code != sgx.Success {
		tm.t.Fatalf("EINIT = %d, want success", code)
	}
	return token
}

// entry returns a scripted EENTER through the standard thread-control page.
func entry(aep uint64) sim.Step {
	return sim.Vmcall(func(r *backend.Registers) {
		r.RAX = uint64(sgx.LeafEEnter)
		r.RBX = pageTCS
		r.RCX = aep
	})
}

// exit returns a scripted EEXIT to the given untrusted address.
func exit(target uint64) sim.Step {
	return sim.Vmcall(func(r *backend.Registers) {
		r.RAX = uint64(sgx.LeafEExit)
		r.RBX = target
	})
}

func TestNewMachineBadOptions(t *testing.T) {
	if _, err := NewMachine(Options{Backend: "nonesuch"}); err == nil {
		t.Error("NewMachine with an unknown backend succeeded")
	}
	if _, err := NewMachine(Options{Backend: sim.Name, EPCSizeMiB: 17}); err == nil {
		t.Error("NewMachine with an invalid page cache size succeeded")
	}
}

func TestMachineLifecycle(t *testing.T) {
	m, err := NewMachine(Options{Backend: sim.Name, EPCSizeMiB: 48})
	if err != nil {
		t.Fatalf("NewMachine() failed: %v", err)
	}

	c, err := m.Get()
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if c.ID() != 0 {
		t.Errorf("first CPU has id %d, want 0", c.ID())
	}
	m.Put(c)

	// The same host thread gets its processor back.
	c2, err := m.Get()
	if err != nil {
		t.Fatalf("second Get() failed: %v", err)
	}
	if c2 != c {
		t.Errorf("Get() after Put() returned a different CPU (%d, was %d)", c2.ID(), c.ID())
	}
	m.Put(c2)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := m.Get(); !errors.Is(err, ErrMachineClosed) {
		t.Errorf("Get() after Close() = %v, want %v", err, ErrMachineClosed)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestCloseUnblocksRun(t *testing.T) {
	tm := newTestMachine(t)

	// Nothing is scripted, so Run blocks inside the guest entry until the
	// shutdown reaches it.
	done := make(chan error, 1)
	go func() { done <- tm.c.Run(context.Background()) }()

	if err := tm.m.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Run() after Close() = %v, want nil", err)
	}
}

func TestRunContextCanceled(t *testing.T) {
	tm := newTestMachine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tm.c.Run(ctx) }()

	// Cancellation alone does not wake a blocked entry; the kick does.
	cancel()
	tm.c.Kick()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want %v", err, context.Canceled)
	}
}

func TestRunNormalWorldHalt(t *testing.T) {
	tm := newTestMachine(t)
	regs := tm.call(func(r *backend.Registers) {
		r.RAX = uint64(sgx.LeafECreate)
		r.RBX = 0 // Null PAGEINFO is rejected, not fatal.
		r.RIP = 0x1000
	})
	if got := sgx.ErrorCode(uint32(regs.RAX)); got != sgx.ErrInvalidValue {
		t.Errorf("ECREATE with null PAGEINFO = %d, want %d", got, sgx.ErrInvalidValue)
	}
	if regs.RIP != 0x1003 {
		t.Errorf("RIP = %#x, want %#x", regs.RIP, 0x1003)
	}
}
