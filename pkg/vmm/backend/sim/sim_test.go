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

package sim

import (
	"testing"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/hostarch"
	"tevisor.dev/tevisor/pkg/vmm/backend"
	"tevisor.dev/tevisor/pkg/vmm/npt"
)

func newTestBackend(t *testing.T, opts backend.Options) (*Backend, backend.VCPU) {
	t.Helper()
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Shutdown)
	c, err := b.InitVCPU(0)
	if err != nil {
		t.Fatalf("InitVCPU failed: %v", err)
	}
	return b.(*Backend), c
}

func TestScriptedExits(t *testing.T) {
	b, c := newTestBackend(t, backend.Options{})

	err := b.Script(0,
		Vmcall(func(regs *backend.Registers) {
			regs.RAX = uint64(sgx.LeafECreate)
			regs.RBX = 0x8000
		}),
		Vmcall(func(regs *backend.Registers) {
			regs.RAX = sgx.HypercallBase + 2
		}),
		Interrupt(0x20),
		Exception(backend.VectorPageFault, sgx.PFErrWrite, 0xdead000),
		Halt(),
	)
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}

	want := []backend.ExitInfo{
		{Reason: backend.ExitEnclave, Leaf: sgx.LeafECreate, HypercallNo: uint64(sgx.LeafECreate), InstrLen: 3},
		{Reason: backend.ExitHypercall, HypercallNo: sgx.HypercallBase + 2, InstrLen: 3},
		{Reason: backend.ExitInterrupt, Vector: 0x20},
		{Reason: backend.ExitException, Vector: backend.VectorPageFault, ErrorCode: sgx.PFErrWrite, FaultAddr: 0xdead000, NestedAddr: 0xdead000},
		{Reason: backend.ExitHalt, InstrLen: 1},
	}
	for i, w := range want {
		if err := c.Enter(); err != nil {
			t.Fatalf("Enter %d failed: %v", i, err)
		}
		if got := c.ExitInfo(); got != w {
			t.Errorf("exit %d = %+v, want %+v", i, got, w)
		}
	}
	if c.Registers().RBX != 0x8000 {
		t.Errorf("register edits did not persist, RBX = %#x", c.Registers().RBX)
	}
}

func TestEnterBlocksUntilScripted(t *testing.T) {
	b, c := newTestBackend(t, backend.Options{})

	result := make(chan error, 1)
	go func() {
		result <- c.Enter()
	}()
	if err := b.Script(0, Halt()); err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if err := <-result; err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	if c.ExitInfo().Reason != backend.ExitHalt {
		t.Errorf("exit = %v, want halt", c.ExitInfo().Reason)
	}
}

func TestKickAndShutdown(t *testing.T) {
	b, c := newTestBackend(t, backend.Options{})

	result := make(chan error, 1)
	go func() {
		result <- c.Enter()
	}()
	c.Kick()
	if err := <-result; err != backend.ErrKicked {
		t.Errorf("kicked Enter = %v, want ErrKicked", err)
	}

	go func() {
		result <- c.Enter()
	}()
	b.Shutdown()
	if err := <-result; err != backend.ErrShutdown {
		t.Errorf("Enter across shutdown = %v, want ErrShutdown", err)
	}
	if err := c.Enter(); err != backend.ErrShutdown {
		t.Errorf("Enter on a dead backend = %v, want ErrShutdown", err)
	}
}

func TestGuestMemoryBounds(t *testing.T) {
	b, _ := newTestBackend(t, backend.Options{GuestMemMiB: 1})

	data := []byte("untrusted world")
	if err := b.WriteGuest(0x1000, data); err != nil {
		t.Fatalf("WriteGuest failed: %v", err)
	}
	got := make([]byte, len(data))
	if err := b.ReadGuest(0x1000, got); err != nil {
		t.Fatalf("ReadGuest failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("guest memory did not round-trip: %q", got)
	}

	// The enclave page cache lives far above guest memory; reaching for
	// it through the untrusted window fails.
	if err := b.ReadGuest(4<<30, got); err == nil {
		t.Errorf("read beyond guest memory succeeded")
	}
	if err := b.WriteGuest(hostarch.GuestPhys(1<<20-4), data); err == nil {
		t.Errorf("write across the end of guest memory succeeded")
	}
}

func TestSpacesAndEncryption(t *testing.T) {
	b, c := newTestBackend(t, backend.Options{MemEncrypt: true})
	secure := backend.Space(0x1_0000_0001)

	b.MapGuestPhysical(secure, 0x20000, 0x1_0000_5000, hostarch.PageSize, npt.MapOpts{
		Access: hostarch.ReadWrite,
	})
	hpa, opts, ok := b.Tables(secure).Translate(0x20000)
	if !ok {
		t.Fatalf("secure mapping missing")
	}
	if hpa != 0x1_0000_5000 || !opts.Encrypt {
		t.Errorf("secure mapping = %v encrypt=%v, want 0x100005000 encrypted", hpa, opts.Encrypt)
	}

	// The normal space is identity mapped over the whole of guest memory
	// and never encrypted.
	hpa, opts, ok = b.Tables(backend.NormalSpace).Translate(0x30000)
	if !ok || hpa != 0x30000 || opts.Encrypt {
		t.Errorf("normal mapping = %v,%v encrypt=%v, want identity unencrypted", hpa, ok, opts.Encrypt)
	}

	epoch := b.Tables(secure).Epoch()
	b.InvalidateTranslation(secure)
	if b.Tables(secure).Epoch() == epoch {
		t.Errorf("invalidation did not advance the epoch")
	}

	c.SetSpace(secure)
	if c.Space() != secure {
		t.Errorf("Space = %v, want %v", c.Space(), secure)
	}
	gpa, err := c.TranslateVirtual(0x4567_8000)
	if err != nil || gpa != 0x4567_8000 {
		t.Errorf("TranslateVirtual = %v, %v, want identity", gpa, err)
	}
}

func TestInjectedEvents(t *testing.T) {
	b, c := newTestBackend(t, backend.Options{})

	ev := backend.Event{
		Type:         backend.EventException,
		Vector:       backend.VectorPageFault,
		HasErrorCode: true,
		ErrorCode:    sgx.PFErrSharedFetch,
		FaultAddr:    0x7000,
	}
	if err := c.InjectEvent(ev); err != nil {
		t.Fatalf("InjectEvent failed: %v", err)
	}
	got := b.Injected(0)
	if len(got) != 1 || got[0] != ev {
		t.Errorf("Injected = %+v, want [%+v]", got, ev)
	}
	if b.Injected(7) != nil {
		t.Errorf("Injected on an unknown vcpu returned events")
	}
}

func TestRegistry(t *testing.T) {
	b, err := backend.New(Name, backend.Options{GuestMemMiB: 1})
	if err != nil {
		t.Fatalf("registry construction failed: %v", err)
	}
	defer b.Shutdown()
	if b.Name() != Name {
		t.Errorf("Name = %q, want %q", b.Name(), Name)
	}
	if b.Capabilities().MaxVCPUs < 1 {
		t.Errorf("MaxVCPUs = %d", b.Capabilities().MaxVCPUs)
	}
}
