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

package sgx

import (
	"encoding/binary"
	"fmt"
)

// TCS field offsets within the thread-control page.
const (
	tcsState   = 0x00
	tcsFlags   = 0x08
	tcsOSSA    = 0x10
	tcsCSSA    = 0x18
	tcsNSSA    = 0x1c
	tcsOEntry  = 0x20
	tcsAEP     = 0x28
	tcsOFSBase = 0x30
	tcsOGSBase = 0x38
)

// TCSDbgOptIn permits debugger attachment to the thread.
const TCSDbgOptIn uint64 = 1 << 0

// TCS is the parsed thread control structure. OSSA, OEntry, OFSBase and
// OGSBase are offsets relative to the enclave base.
type TCS struct {
	Flags   uint64
	OSSA    uint64
	CSSA    uint32
	NSSA    uint32
	OEntry  uint64
	AEP     uint64
	OFSBase uint64
	OGSBase uint64
}

// ParseTCS decodes a thread-control page image.
func ParseTCS(b []byte) (TCS, error) {
	if len(b) < PageSize {
		return TCS{}, fmt.Errorf("TCS image is %d bytes, need %d", len(b), PageSize)
	}
	return TCS{
		Flags:   binary.LittleEndian.Uint64(b[tcsFlags:]),
		OSSA:    binary.LittleEndian.Uint64(b[tcsOSSA:]),
		CSSA:    binary.LittleEndian.Uint32(b[tcsCSSA:]),
		NSSA:    binary.LittleEndian.Uint32(b[tcsNSSA:]),
		OEntry:  binary.LittleEndian.Uint64(b[tcsOEntry:]),
		AEP:     binary.LittleEndian.Uint64(b[tcsAEP:]),
		OFSBase: binary.LittleEndian.Uint64(b[tcsOFSBase:]),
		OGSBase: binary.LittleEndian.Uint64(b[tcsOGSBase:]),
	}, nil
}

// Validate checks the TCS against its enclave's SECS. A TCS added with a
// nonzero CSSA, no SSA headroom, or offsets outside the enclave range cannot
// host a thread and is rejected at add time rather than at first entry.
func (t *TCS) Validate(s *SECS) error {
	if t.CSSA != 0 {
		return fmt.Errorf("TCS added with nonzero CSSA %d", t.CSSA)
	}
	if t.NSSA == 0 {
		return fmt.Errorf("TCS has no SSA frames")
	}
	ssaBytes := uint64(t.NSSA) * uint64(s.SSAFrameSize) * PageSize
	if t.OSSA%PageSize != 0 || t.OSSA+ssaBytes > s.Size {
		return fmt.Errorf("SSA range [%#x, %#x) exceeds enclave size %#x", t.OSSA, t.OSSA+ssaBytes, s.Size)
	}
	if t.OEntry >= s.Size {
		return fmt.Errorf("entry offset %#x exceeds enclave size %#x", t.OEntry, s.Size)
	}
	if t.OFSBase >= s.Size || t.OGSBase >= s.Size {
		return fmt.Errorf("segment base offsets %#x/%#x exceed enclave size %#x", t.OFSBase, t.OGSBase, s.Size)
	}
	return nil
}

// ReadCSSA returns the current SSA index stored in a thread-control page.
func ReadCSSA(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[tcsCSSA:])
}

// WriteCSSA updates the current SSA index in a thread-control page.
func WriteCSSA(b []byte, cssa uint32) {
	binary.LittleEndian.PutUint32(b[tcsCSSA:], cssa)
}

// WriteAEP records the asynchronous exit pointer supplied at entry.
func WriteAEP(b []byte, aep uint64) {
	binary.LittleEndian.PutUint64(b[tcsAEP:], aep)
}
