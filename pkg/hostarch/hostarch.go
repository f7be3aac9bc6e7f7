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

// Package hostarch holds the address arithmetic shared by the hypervisor:
// page geometry, guest address types, access permissions and the memory
// encryption bit layout.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the only page granule the enclave core deals in.
	PageSize = 1 << PageShift

	// PageMask masks the in-page offset bits.
	PageMask = PageSize - 1
)

// GuestVirt is a guest-linear address.
type GuestVirt uint64

// GuestPhys is a guest-physical address, the input space of the nested page
// tables.
type GuestPhys uint64

// PhysAddr is a host-physical address, the output space of the nested page
// tables. EPC frames have fixed PhysAddr identities for their lifetime.
type PhysAddr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v GuestVirt) RoundDown() GuestVirt {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// false iff rounding up wrapped around.
func (v GuestVirt) RoundUp() (addr GuestVirt, ok bool) {
	addr = (v + PageMask).RoundDown()
	return addr, addr >= v
}

// PageAligned reports whether the address is page aligned.
func (v GuestVirt) PageAligned() bool {
	return v&PageMask == 0
}

// AddLength adds a byte length to the address. ok is false iff the end of the
// range wrapped around.
func (v GuestVirt) AddLength(length uint64) (end GuestVirt, ok bool) {
	end = v + GuestVirt(length)
	return end, end >= v
}

// String implements fmt.Stringer.String.
func (v GuestVirt) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p GuestPhys) RoundDown() GuestPhys {
	return p &^ PageMask
}

// PageAligned reports whether the address is page aligned.
func (p GuestPhys) PageAligned() bool {
	return p&PageMask == 0
}

// PageOffset returns the in-page offset bits.
func (p GuestPhys) PageOffset() uint64 {
	return uint64(p & PageMask)
}

// String implements fmt.Stringer.String.
func (p GuestPhys) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ PageMask
}

// PageAligned reports whether the address is page aligned.
func (p PhysAddr) PageAligned() bool {
	return p&PageMask == 0
}

// PageOffset returns the in-page offset bits.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & PageMask)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}
