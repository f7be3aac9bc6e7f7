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
)

// GPRSGXSize is the byte length of the register block stored at the end of
// each state-save frame.
const GPRSGXSize = 184

// GPRSGX is the register image saved on asynchronous exit and restored on
// resume. Field order matches the architectural layout (x86 register
// encoding order), so offsets are fixed.
type GPRSGX struct {
	RAX      uint64
	RCX      uint64
	RDX      uint64
	RBX      uint64
	RSP      uint64
	RBP      uint64
	RSI      uint64
	RDI      uint64
	R8       uint64
	R9       uint64
	R10      uint64
	R11      uint64
	R12      uint64
	R13      uint64
	R14      uint64
	R15      uint64
	RFLAGS   uint64
	RIP      uint64
	URSP     uint64
	URBP     uint64
	ExitInfo uint32
	FSBase   uint64
	GSBase   uint64
}

// Marshal writes the register image into a state-save area slot. The slot
// must be at least GPRSGXSize bytes.
func (g *GPRSGX) Marshal(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], g.RAX)
	le.PutUint64(b[8:], g.RCX)
	le.PutUint64(b[16:], g.RDX)
	le.PutUint64(b[24:], g.RBX)
	le.PutUint64(b[32:], g.RSP)
	le.PutUint64(b[40:], g.RBP)
	le.PutUint64(b[48:], g.RSI)
	le.PutUint64(b[56:], g.RDI)
	le.PutUint64(b[64:], g.R8)
	le.PutUint64(b[72:], g.R9)
	le.PutUint64(b[80:], g.R10)
	le.PutUint64(b[88:], g.R11)
	le.PutUint64(b[96:], g.R12)
	le.PutUint64(b[104:], g.R13)
	le.PutUint64(b[112:], g.R14)
	le.PutUint64(b[120:], g.R15)
	le.PutUint64(b[128:], g.RFLAGS)
	le.PutUint64(b[136:], g.RIP)
	le.PutUint64(b[144:], g.URSP)
	le.PutUint64(b[152:], g.URBP)
	le.PutUint32(b[160:], g.ExitInfo)
	le.PutUint32(b[164:], 0)
	le.PutUint64(b[168:], g.FSBase)
	le.PutUint64(b[176:], g.GSBase)
}

// Unmarshal reads the register image back from a state-save area slot.
func (g *GPRSGX) Unmarshal(b []byte) {
	le := binary.LittleEndian
	g.RAX = le.Uint64(b[0:])
	g.RCX = le.Uint64(b[8:])
	g.RDX = le.Uint64(b[16:])
	g.RBX = le.Uint64(b[24:])
	g.RSP = le.Uint64(b[32:])
	g.RBP = le.Uint64(b[40:])
	g.RSI = le.Uint64(b[48:])
	g.RDI = le.Uint64(b[56:])
	g.R8 = le.Uint64(b[64:])
	g.R9 = le.Uint64(b[72:])
	g.R10 = le.Uint64(b[80:])
	g.R11 = le.Uint64(b[88:])
	g.R12 = le.Uint64(b[96:])
	g.R13 = le.Uint64(b[104:])
	g.R14 = le.Uint64(b[112:])
	g.R15 = le.Uint64(b[120:])
	g.RFLAGS = le.Uint64(b[128:])
	g.RIP = le.Uint64(b[136:])
	g.URSP = le.Uint64(b[144:])
	g.URBP = le.Uint64(b[152:])
	g.ExitInfo = le.Uint32(b[160:])
	g.FSBase = le.Uint64(b[168:])
	g.GSBase = le.Uint64(b[176:])
}

// SSA exit-info vector types.
const (
	ExitInfoHardware uint32 = 3 << 8
	ExitInfoSoftware uint32 = 6 << 8
	ExitInfoValid    uint32 = 1 << 31
)

// MakeExitInfo encodes the vector/type word stored alongside a saved frame.
func MakeExitInfo(vector uint8, software bool) uint32 {
	info := uint32(vector) | ExitInfoValid
	if software {
		return info | ExitInfoSoftware
	}
	return info | ExitInfoHardware
}
