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

// SECS field offsets within the control-structure page.
const (
	secsSize         = 0x00
	secsBaseAddr     = 0x08
	secsSSAFrameSize = 0x10
	secsAttributes   = 0x30
	secsXFRM         = 0x38
	secsMREnclave    = 0x40
)

// SECS is the parsed secure enclave control structure. Only the fields the
// hypervisor interprets are represented; the containing page is still a full
// PageSize bytes and the remainder is reserved.
type SECS struct {
	// Size is the byte length of the enclave's linear range. Must be a
	// power of two and at least one page.
	Size uint64

	// BaseAddr is the guest-linear base of the enclave range, naturally
	// aligned to Size.
	BaseAddr uint64

	// SSAFrameSize is the state-save frame size in pages.
	SSAFrameSize uint32

	// Attributes holds the enclave attribute flags (AttrInit et al).
	Attributes uint64

	// XFRM is the extended-feature request mask committed at creation.
	XFRM uint64

	// MREnclave is the sealed measurement, written at initialization.
	MREnclave [MeasurementSize]byte
}

// ParseSECS decodes a guest-supplied SECS image.
func ParseSECS(b []byte) (SECS, error) {
	if len(b) < PageSize {
		return SECS{}, fmt.Errorf("SECS image is %d bytes, need %d", len(b), PageSize)
	}
	var s SECS
	s.Size = binary.LittleEndian.Uint64(b[secsSize:])
	s.BaseAddr = binary.LittleEndian.Uint64(b[secsBaseAddr:])
	s.SSAFrameSize = binary.LittleEndian.Uint32(b[secsSSAFrameSize:])
	s.Attributes = binary.LittleEndian.Uint64(b[secsAttributes:])
	s.XFRM = binary.LittleEndian.Uint64(b[secsXFRM:])
	copy(s.MREnclave[:], b[secsMREnclave:secsMREnclave+MeasurementSize])
	return s, nil
}

// Marshal writes the interpreted fields back into a control-structure page.
// Reserved bytes are left untouched.
func (s *SECS) Marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[secsSize:], s.Size)
	binary.LittleEndian.PutUint64(b[secsBaseAddr:], s.BaseAddr)
	binary.LittleEndian.PutUint32(b[secsSSAFrameSize:], s.SSAFrameSize)
	binary.LittleEndian.PutUint64(b[secsAttributes:], s.Attributes)
	binary.LittleEndian.PutUint64(b[secsXFRM:], s.XFRM)
	copy(b[secsMREnclave:secsMREnclave+MeasurementSize], s.MREnclave[:])
}

// Validate reports whether the SECS describes a well-formed enclave range.
func (s *SECS) Validate() error {
	if s.Size < PageSize || s.Size&(s.Size-1) != 0 {
		return fmt.Errorf("enclave size %#x is not a power-of-two number of pages", s.Size)
	}
	if s.BaseAddr&(s.Size-1) != 0 {
		return fmt.Errorf("enclave base %#x is not aligned to size %#x", s.BaseAddr, s.Size)
	}
	if s.SSAFrameSize == 0 {
		return fmt.Errorf("SSA frame size is zero")
	}
	if s.XFRM&XFRMLegal != XFRMLegal {
		return fmt.Errorf("XFRM %#x lacks the mandatory x87|SSE bits", s.XFRM)
	}
	return nil
}

// Contains reports whether the page at vaddr lies inside the enclave range.
func (s *SECS) Contains(vaddr uint64) bool {
	return vaddr >= s.BaseAddr && vaddr < s.BaseAddr+s.Size
}

// PageInfo is the parameter block passed by the guest to ECREATE and EADD.
type PageInfo struct {
	// LinAddr is the destination guest-linear address (EADD).
	LinAddr uint64

	// SrcPage is the guest-linear address of the source page image.
	SrcPage uint64

	// SecInfo is the guest-linear address of the SECINFO block, or zero.
	SecInfo uint64

	// SECS is the enclave token, where the leaf takes one via PAGEINFO.
	SECS uint64
}

// PageInfoSize is the byte length of a PAGEINFO block.
const PageInfoSize = 32

// ParsePageInfo decodes a guest PAGEINFO block.
func ParsePageInfo(b []byte) (PageInfo, error) {
	if len(b) < PageInfoSize {
		return PageInfo{}, fmt.Errorf("PAGEINFO is %d bytes, need %d", len(b), PageInfoSize)
	}
	return PageInfo{
		LinAddr: binary.LittleEndian.Uint64(b[0:]),
		SrcPage: binary.LittleEndian.Uint64(b[8:]),
		SecInfo: binary.LittleEndian.Uint64(b[16:]),
		SECS:    binary.LittleEndian.Uint64(b[24:]),
	}, nil
}

// SECINFOSize is the byte length of a SECINFO block. Only the leading flags
// word is interpreted; the rest is reserved and must hash as zeroes.
const SECINFOSize = 64

// ParseSECINFO decodes the flags word of a SECINFO block.
func ParseSECINFO(b []byte) (SECINFOFlags, error) {
	if len(b) < SECINFOSize {
		return 0, fmt.Errorf("SECINFO is %d bytes, need %d", len(b), SECINFOSize)
	}
	return SECINFOFlags(binary.LittleEndian.Uint64(b)), nil
}
