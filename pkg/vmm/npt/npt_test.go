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

package npt

import (
	"testing"

	"tevisor.dev/tevisor/pkg/hostarch"
)

func TestMapTranslate(t *testing.T) {
	p := New()
	p.Map(0x10000, 0x1_0000_0000, 2*hostarch.PageSize, MapOpts{
		Access: hostarch.ReadWrite,
	})

	hpa, opts, ok := p.Translate(0x10000)
	if !ok || hpa != 0x1_0000_0000 {
		t.Fatalf("Translate(0x10000) = %v, %v", hpa, ok)
	}
	if !opts.Access.Write || opts.Access.Execute {
		t.Errorf("opts = %+v, want rw-", opts)
	}

	// Page offsets carry through; the second page maps contiguously.
	hpa, _, ok = p.Translate(0x11234)
	if !ok || hpa != 0x1_0000_1234 {
		t.Errorf("Translate(0x11234) = %v, %v; want 0x100001234", hpa, ok)
	}

	// Unmapped addresses miss.
	if _, _, ok := p.Translate(0x12000); ok {
		t.Errorf("Translate(0x12000) hit, want miss")
	}
	if _, _, ok := p.Translate(0x7f_0000_0000); ok {
		t.Errorf("Translate far miss hit")
	}

	if p.Mappings() != 2 {
		t.Errorf("Mappings = %d, want 2", p.Mappings())
	}
}

func TestRemapAndUnmap(t *testing.T) {
	p := New()
	p.Map(0x4000, 0x8000, hostarch.PageSize, MapOpts{Access: hostarch.Read})

	// Remap replaces the translation without growing the count.
	p.Map(0x4000, 0xc000, hostarch.PageSize, MapOpts{Access: hostarch.ReadExecute})
	hpa, opts, ok := p.Translate(0x4000)
	if !ok || hpa != 0xc000 || !opts.Access.Execute {
		t.Errorf("after remap: %v, %+v, %v", hpa, opts, ok)
	}
	if p.Mappings() != 1 {
		t.Errorf("Mappings = %d after remap, want 1", p.Mappings())
	}

	p.Unmap(0x4000, hostarch.PageSize)
	if _, _, ok := p.Translate(0x4000); ok {
		t.Errorf("Translate after Unmap hit")
	}
	if p.Mappings() != 0 {
		t.Errorf("Mappings = %d after unmap, want 0", p.Mappings())
	}

	// Unmapping an absent range is a no-op.
	p.Unmap(0x40_0000_0000, hostarch.PageSize)
}

func TestEncryptBit(t *testing.T) {
	p := New()
	p.Map(0x2000, 0x6000, hostarch.PageSize, MapOpts{
		Access:  hostarch.ReadWrite,
		Encrypt: true,
	})

	// The encryption bit is visible in opts but never in the address.
	hpa, opts, ok := p.Translate(0x2000)
	if !ok {
		t.Fatalf("Translate missed")
	}
	if !opts.Encrypt {
		t.Errorf("mapping lost its encryption attribute")
	}
	if hpa != 0x6000 {
		t.Errorf("Translate = %v, want 0x6000 with the encryption bit stripped", hpa)
	}
}

func TestInvalidationEpoch(t *testing.T) {
	p := New()
	e0 := p.Epoch()
	p.InvalidateAll()
	p.InvalidateAll()
	if got := p.Epoch(); got != e0+2 {
		t.Errorf("Epoch = %d, want %d", got, e0+2)
	}
}

func TestSparseSpaces(t *testing.T) {
	// Addresses spread across distinct subtrees at every level stay
	// independent, up through the high canonical half of the guest space.
	p := New()
	addrs := []hostarch.GuestPhys{
		0x0,
		0x1000,
		0x8000_0000,
		0x40_0000_0000,
		0x7f80_0000_0000,
	}
	for i, gpa := range addrs {
		p.Map(gpa, hostarch.PhysAddr(0x10000+i*hostarch.PageSize), hostarch.PageSize, MapOpts{Access: hostarch.Read})
	}
	for i, gpa := range addrs {
		hpa, _, ok := p.Translate(gpa)
		if !ok || hpa != hostarch.PhysAddr(0x10000+i*hostarch.PageSize) {
			t.Errorf("Translate(%v) = %v, %v", gpa, hpa, ok)
		}
	}
	if p.Mappings() != len(addrs) {
		t.Errorf("Mappings = %d, want %d", p.Mappings(), len(addrs))
	}
}

func TestUnalignedPanics(t *testing.T) {
	p := New()
	defer func() {
		if recover() == nil {
			t.Errorf("unaligned Map did not panic")
		}
	}()
	p.Map(0x123, 0x4000, hostarch.PageSize, MapOpts{})
}
