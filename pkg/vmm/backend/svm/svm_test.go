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

package svm

import (
	"sync"
	"testing"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/cpuid"
	"tevisor.dev/tevisor/pkg/hostarch"
	"tevisor.dev/tevisor/pkg/vmm/backend"
	"tevisor.dev/tevisor/pkg/vmm/npt"
)

type fakeVCPU struct {
	id   int
	wake chan struct{}

	mu      sync.Mutex
	exits   []RawExit
	injWord []uint32
	injErr  []uint32
}

func (f *fakeVCPU) Run(regs *backend.Registers, pt *npt.PageTables) (RawExit, error) {
	f.mu.Lock()
	if len(f.exits) > 0 {
		raw := f.exits[0]
		f.exits = f.exits[1:]
		f.mu.Unlock()
		return raw, nil
	}
	f.mu.Unlock()
	<-f.wake
	return RawExit{}, ErrWakeup
}

func (f *fakeVCPU) Inject(eventinj uint32, errCode uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injWord = append(f.injWord, eventinj)
	f.injErr = append(f.injErr, errCode)
}

func (f *fakeVCPU) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fakeVCPU) script(exits ...RawExit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits = append(f.exits, exits...)
}

type fakeDriver struct {
	mu          sync.Mutex
	phys        map[hostarch.PhysAddr][]byte
	vcpus       map[int]*fakeVCPU
	invalidated int
	down        bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		phys:  make(map[hostarch.PhysAddr][]byte),
		vcpus: make(map[int]*fakeVCPU),
	}
}

func (d *fakeDriver) InitVCPU(id int) (DriverVCPU, error) {
	f := &fakeVCPU{id: id, wake: make(chan struct{}, 1)}
	d.mu.Lock()
	d.vcpus[id] = f
	d.mu.Unlock()
	return f, nil
}

func (d *fakeDriver) frame(pa hostarch.PhysAddr) []byte {
	base := pa.RoundDown()
	f, ok := d.phys[base]
	if !ok {
		f = make([]byte, hostarch.PageSize)
		d.phys[base] = f
	}
	return f[pa.PageOffset():]
}

func (d *fakeDriver) ReadPhys(pa hostarch.PhysAddr, b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(b, d.frame(pa))
	return nil
}

func (d *fakeDriver) WritePhys(pa hostarch.PhysAddr, b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.frame(pa), b)
	return nil
}

func (d *fakeDriver) Invalidate(pt *npt.PageTables) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated++
}

func (d *fakeDriver) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = true
}

func amdFeatures() *cpuid.FeatureSet {
	return &cpuid.FeatureSet{
		Vendor:       cpuid.VendorAMD,
		Brand:        "test cpu",
		HasSVM:       true,
		HasSME:       true,
		LogicalCores: 4,
	}
}

func newTestBackend(t *testing.T, opts backend.Options) (*fakeDriver, backend.Backend) {
	t.Helper()
	d := newFakeDriver()
	b, err := newBackend(d, amdFeatures(), opts)
	if err != nil {
		t.Fatalf("newBackend failed: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return d, b
}

func TestHostChecks(t *testing.T) {
	d := newFakeDriver()
	fs := amdFeatures()
	fs.Vendor = cpuid.VendorIntel
	if _, err := newBackend(d, fs, backend.Options{}); err == nil {
		t.Errorf("Intel host accepted")
	}
	fs = amdFeatures()
	fs.HasSVM = false
	if _, err := newBackend(d, fs, backend.Options{}); err == nil {
		t.Errorf("host without virtualization extensions accepted")
	}
	fs = amdFeatures()
	fs.HasSME = false
	if _, err := newBackend(d, fs, backend.Options{MemEncrypt: true}); err == nil {
		t.Errorf("memory encryption accepted without hardware support")
	}
	b, err := newBackend(d, amdFeatures(), backend.Options{MemEncrypt: true})
	if err != nil {
		t.Fatalf("memory encryption rejected on capable hardware: %v", err)
	}
	if !b.Capabilities().MemEncrypt {
		t.Errorf("capabilities do not report memory encryption")
	}
	b.Shutdown()
}

func TestExitTranslation(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  RawExit
		rax  uint64
		rip  uint64
		want backend.ExitInfo
	}{
		{
			name: "external interrupt",
			raw:  RawExit{Code: exitINTR},
			want: backend.ExitInfo{Reason: backend.ExitInterrupt},
		},
		{
			name: "nmi",
			raw:  RawExit{Code: exitNMI},
			want: backend.ExitInfo{Reason: backend.ExitInterrupt, Vector: 2},
		},
		{
			name: "page fault",
			raw: RawExit{
				Code:  exitExceptionBase + 14,
				Info1: uint64(sgx.PFErrPresent | sgx.PFErrWrite),
				Info2: 0xdead000,
			},
			want: backend.ExitInfo{
				Reason:    backend.ExitException,
				Vector:    14,
				ErrorCode: sgx.PFErrPresent | sgx.PFErrWrite,
				FaultAddr: 0xdead000,
			},
		},
		{
			name: "invalid opcode",
			raw:  RawExit{Code: exitExceptionBase + 6},
			want: backend.ExitInfo{Reason: backend.ExitException, Vector: 6},
		},
		{
			name: "halt",
			raw:  RawExit{Code: exitHLT, NextRIP: 0x1001},
			rip:  0x1000,
			want: backend.ExitInfo{Reason: backend.ExitHalt, InstrLen: 1},
		},
		{
			name: "vmmcall leaf",
			raw:  RawExit{Code: exitVMMCALL, NextRIP: 0x1003},
			rax:  uint64(sgx.LeafECreate),
			rip:  0x1000,
			want: backend.ExitInfo{
				Reason:      backend.ExitEnclave,
				Leaf:        sgx.LeafECreate,
				HypercallNo: uint64(sgx.LeafECreate),
				InstrLen:    3,
			},
		},
		{
			name: "nested page fault",
			raw: RawExit{
				Code:  exitNPF,
				Info1: uint64(sgx.PFErrWrite),
				Info2: 0x9000_1000 | uint64(hostarch.EncryptBit),
			},
			want: backend.ExitInfo{
				Reason:     backend.ExitException,
				Vector:     backend.VectorPageFault,
				ErrorCode:  sgx.PFErrWrite,
				NestedAddr: 0x9000_1000,
			},
		},
		{
			name: "cpuid",
			raw:  RawExit{Code: exitCPUID, NextRIP: 0x1002},
			rip:  0x1000,
			want: backend.ExitInfo{Reason: backend.ExitOther, InstrLen: 2},
		},
		{
			name: "unknown code",
			raw:  RawExit{Code: 0x7f},
			want: backend.ExitInfo{Reason: backend.ExitOther},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, b := newTestBackend(t, backend.Options{})
			c, err := b.InitVCPU(0)
			if err != nil {
				t.Fatalf("InitVCPU failed: %v", err)
			}
			c.Registers().RAX = tc.rax
			c.Registers().RIP = tc.rip
			d.vcpus[0].script(tc.raw)
			if err := c.Enter(); err != nil {
				t.Fatalf("Enter failed: %v", err)
			}
			if got := c.ExitInfo(); got != tc.want {
				t.Errorf("ExitInfo = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestInjectEncoding(t *testing.T) {
	d, b := newTestBackend(t, backend.Options{})
	c, err := b.InitVCPU(0)
	if err != nil {
		t.Fatalf("InitVCPU failed: %v", err)
	}

	if err := c.InjectEvent(backend.Event{Type: backend.EventInterrupt, Vector: 0x30}); err != nil {
		t.Fatalf("InjectEvent failed: %v", err)
	}
	if err := c.InjectEvent(backend.Event{
		Type:         backend.EventException,
		Vector:       backend.VectorPageFault,
		HasErrorCode: true,
		ErrorCode:    sgx.PFErrWrite,
		FaultAddr:    0xf000_0000,
	}); err != nil {
		t.Fatalf("InjectEvent failed: %v", err)
	}

	f := d.vcpus[0]
	f.mu.Lock()
	defer f.mu.Unlock()
	if want := uint32(0x30 | injTypeExternal | injValid); f.injWord[0] != want {
		t.Errorf("interrupt eventinj = %#x, want %#x", f.injWord[0], want)
	}
	if want := uint32(14 | injTypeException | injErrCodeValid | injValid); f.injWord[1] != want {
		t.Errorf("exception eventinj = %#x, want %#x", f.injWord[1], want)
	}
	if f.injErr[1] != sgx.PFErrWrite {
		t.Errorf("exception error code = %#x", f.injErr[1])
	}
	if c.Registers().CR2 != 0xf000_0000 {
		t.Errorf("CR2 = %#x, want the fault address", c.Registers().CR2)
	}
}

func TestSecureMappingsEncrypted(t *testing.T) {
	_, b := newTestBackend(t, backend.Options{MemEncrypt: true})
	secure := backend.Space(0x1_0000_0001)

	b.MapGuestPhysical(backend.NormalSpace, 0x10000, 0x5000, hostarch.PageSize, npt.MapOpts{
		Access: hostarch.ReadWrite,
	})
	b.MapGuestPhysical(secure, 0x20000, 0x6000, hostarch.PageSize, npt.MapOpts{
		Access: hostarch.ReadWrite,
	})

	v := b.(*SVM)
	if _, opts, ok := v.tables(backend.NormalSpace).Translate(0x10000); !ok || opts.Encrypt {
		t.Errorf("normal mapping encrypted or missing (ok=%v opts=%+v)", ok, opts)
	}
	hpa, opts, ok := v.tables(secure).Translate(0x20000)
	if !ok || !opts.Encrypt {
		t.Errorf("secure mapping unencrypted or missing (ok=%v opts=%+v)", ok, opts)
	}
	if hpa != 0x6000 {
		t.Errorf("secure mapping hpa = %v, want 0x6000", hpa)
	}
}

func TestGuestMemoryAndKick(t *testing.T) {
	d, b := newTestBackend(t, backend.Options{})
	c, err := b.InitVCPU(0)
	if err != nil {
		t.Fatalf("InitVCPU failed: %v", err)
	}

	b.MapGuestPhysical(backend.NormalSpace, 0x10000, 0x5000, hostarch.PageSize, npt.MapOpts{
		Access: hostarch.ReadWrite,
	})
	data := []byte("svm guest payload")
	if err := b.WriteGuest(0x10100, data); err != nil {
		t.Fatalf("WriteGuest failed: %v", err)
	}
	got := make([]byte, len(data))
	if err := b.ReadGuest(0x10100, got); err != nil {
		t.Fatalf("ReadGuest failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("guest memory did not round-trip: %q", got)
	}

	result := make(chan error, 1)
	go func() {
		result <- c.Enter()
	}()
	c.Kick()
	if err := <-result; err != backend.ErrKicked {
		t.Errorf("kicked Enter = %v, want ErrKicked", err)
	}

	b.Shutdown()
	if err := c.Enter(); err != backend.ErrShutdown {
		t.Errorf("Enter after shutdown = %v, want ErrShutdown", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.down {
		t.Errorf("driver was not shut down")
	}
}
