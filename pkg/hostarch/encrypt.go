// Copyright 2024 The Tevisor Authors.
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

package hostarch

// EncryptBitShift is the position of the memory-encryption bit ("C-bit")
// inside a physical address as it appears in a page-table entry. Secure
// mappings carry this bit when memory encryption is enabled; it is never
// part of the frame's identity.
const EncryptBitShift = 47

// EncryptBit is the memory-encryption bit mask.
const EncryptBit PhysAddr = 1 << EncryptBitShift

// WithEncryptBit returns the address with the encryption bit set.
func (p PhysAddr) WithEncryptBit() PhysAddr {
	return p | EncryptBit
}

// StripEncryptBit returns the address with the encryption bit cleared.
func (p PhysAddr) StripEncryptBit() PhysAddr {
	return p &^ EncryptBit
}

// Encrypted reports whether the encryption bit is set.
func (p PhysAddr) Encrypted() bool {
	return p&EncryptBit != 0
}
