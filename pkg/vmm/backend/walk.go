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

package backend

import (
	"encoding/binary"
	"fmt"

	"tevisor.dev/tevisor/pkg/hostarch"
)

// Guest PTE bits the walk interprets.
const (
	gptePresent uint64 = 1 << 0
	gpteLarge   uint64 = 1 << 7

	gpteAddrMask uint64 = 0x000f_ffff_ffff_f000
)

// WalkGuestTable resolves a guest-linear address through the guest's own
// four-level page tables, reading table entries with the supplied
// guest-physical reader. 1 GiB and 2 MiB leaf entries are honored. The
// memory encryption bit is stripped from table addresses, so encrypted
// guests walk the same way.
func WalkGuestTable(read func(hostarch.GuestPhys, []byte) error, cr3 uint64, gva hostarch.GuestVirt) (hostarch.GuestPhys, error) {
	table := cr3 & gpteAddrMask &^ uint64(hostarch.EncryptBit)
	var buf [8]byte

	shifts := []uint{39, 30, 21, 12}
	for i, shift := range shifts {
		idx := (uint64(gva) >> shift) & 0x1ff
		if err := read(hostarch.GuestPhys(table+idx*8), buf[:]); err != nil {
			return 0, fmt.Errorf("reading level %d entry: %v", len(shifts)-i, err)
		}
		pte := binary.LittleEndian.Uint64(buf[:])
		if pte&gptePresent == 0 {
			return 0, fmt.Errorf("not present at level %d", len(shifts)-i)
		}
		addr := pte & gpteAddrMask &^ uint64(hostarch.EncryptBit)

		// 1 GiB and 2 MiB leaves terminate the walk early.
		if pte&gpteLarge != 0 && (shift == 30 || shift == 21) {
			pageMask := uint64(1)<<shift - 1
			return hostarch.GuestPhys((addr &^ pageMask) | (uint64(gva) & pageMask)), nil
		}
		if shift == 12 {
			return hostarch.GuestPhys(addr | (uint64(gva) & hostarch.PageMask)), nil
		}
		table = addr
	}
	panic("unreachable")
}
