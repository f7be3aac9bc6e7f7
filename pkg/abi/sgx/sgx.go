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

// Package sgx describes the guest-visible enclave ABI.
//
// The hypervisor emulates an SGX-shaped instruction set on hardware that has
// no native enclave support: the guest traps into the hypervisor with a leaf
// number and the hypervisor performs the operation. Structure layouts and
// numbering follow the SGX conventions so existing enclave runtimes can
// target the emulated surface without modification.
package sgx

// Leaf identifies an emulated enclave instruction. The guest places the leaf
// in RAX before trapping.
type Leaf uint64

// Emulated leaves.
const (
	LeafECreate Leaf = 0
	LeafEAdd    Leaf = 1
	LeafEEnter  Leaf = 2
	LeafEResume Leaf = 3
	LeafEExit   Leaf = 4
	LeafEInit   Leaf = 5
	LeafERemove Leaf = 6

	// LeafLimit bounds the enclave instruction space. RAX values at or
	// above HypercallBase are management hypercalls; values in between
	// are invalid leaves and fault back to the guest.
	LeafLimit Leaf = 16
)

// HypercallBase is the first RAX value interpreted as a management hypercall
// rather than an enclave instruction.
const HypercallBase uint64 = 0x70000000

// Management hypercall numbers.
const (
	// HypercallEnclaveCount returns the number of live enclaves in RBX.
	HypercallEnclaveCount = HypercallBase + 0

	// HypercallPoolStats returns free frames in RBX and pool capacity in
	// RCX.
	HypercallPoolStats = HypercallBase + 1

	// HypercallSuspendEnclave raises the entry barrier of the enclave
	// referenced by the token in RBX.
	HypercallSuspendEnclave = HypercallBase + 2

	// HypercallResumeEnclave lowers the entry barrier.
	HypercallResumeEnclave = HypercallBase + 3

	// HypercallDestroyEnclave tears down a quiescent enclave.
	HypercallDestroyEnclave = HypercallBase + 4
)

// String implements fmt.Stringer.String.
func (l Leaf) String() string {
	switch l {
	case LeafECreate:
		return "ECREATE"
	case LeafEAdd:
		return "EADD"
	case LeafEEnter:
		return "EENTER"
	case LeafEResume:
		return "ERESUME"
	case LeafEExit:
		return "EEXIT"
	case LeafEInit:
		return "EINIT"
	case LeafERemove:
		return "EREMOVE"
	default:
		return "INVALID"
	}
}

// PageType describes the role of an enclave page.
type PageType uint8

// Page types, encoded in SECINFO bits 8-15.
const (
	PageTypeSECS    PageType = 0
	PageTypeTCS     PageType = 1
	PageTypeRegular PageType = 2
)

// String implements fmt.Stringer.String.
func (t PageType) String() string {
	switch t {
	case PageTypeSECS:
		return "SECS"
	case PageTypeTCS:
		return "TCS"
	case PageTypeRegular:
		return "REG"
	default:
		return "UNKNOWN"
	}
}

// SECINFOFlags is the flags word of a SECINFO structure.
type SECINFOFlags uint64

// SECINFO permission and type bits.
const (
	SecinfoR SECINFOFlags = 1 << 0
	SecinfoW SECINFOFlags = 1 << 1
	SecinfoX SECINFOFlags = 1 << 2

	// SecinfoMeasure requests that the page contents be folded into the
	// enclave measurement as the page is added.
	SecinfoMeasure SECINFOFlags = 1 << 3

	secinfoTypeShift = 8
	secinfoTypeMask  = 0xff
)

// PageType extracts the page type field.
func (f SECINFOFlags) PageType() PageType {
	return PageType((f >> secinfoTypeShift) & secinfoTypeMask)
}

// WithPageType returns f with the page type field set to t.
func (f SECINFOFlags) WithPageType(t PageType) SECINFOFlags {
	f &^= SECINFOFlags(secinfoTypeMask) << secinfoTypeShift
	return f | SECINFOFlags(t)<<secinfoTypeShift
}

// Read returns true if the page is readable.
func (f SECINFOFlags) Read() bool { return f&SecinfoR != 0 }

// Write returns true if the page is writable.
func (f SECINFOFlags) Write() bool { return f&SecinfoW != 0 }

// Execute returns true if the page is executable.
func (f SECINFOFlags) Execute() bool { return f&SecinfoX != 0 }

// Measure returns true if the page contents are measured.
func (f SECINFOFlags) Measure() bool { return f&SecinfoMeasure != 0 }

// SECS attribute bits.
const (
	AttrInit   uint64 = 1 << 0
	AttrDebug  uint64 = 1 << 1
	AttrMode64 uint64 = 1 << 2
)

// XFRM bits. X87 and SSE are architecturally mandatory for any enclave.
const (
	XFRMX87 uint64 = 1 << 0
	XFRMSSE uint64 = 1 << 1
	XFRMAVX uint64 = 1 << 2

	XFRMLegal = XFRMX87 | XFRMSSE
)

// Page-fault error-code bits delivered to the guest. The low bits follow the
// architectural #PF encoding; the high bits are the hypervisor extensions
// used to describe enclave-specific faults.
const (
	PFErrPresent uint32 = 1 << 0
	PFErrWrite   uint32 = 1 << 1
	PFErrUser    uint32 = 1 << 2
	PFErrFetch   uint32 = 1 << 4

	// PFErrEPCMMismatch reports an access whose permissions or page type
	// disagree with the enclave page's recorded attributes.
	PFErrEPCMMismatch uint32 = 1 << 15

	// PFErrSharedFetch reports an instruction fetch from shared (non
	// enclave) memory while executing inside an enclave.
	PFErrSharedFetch uint32 = 1 << 31
)

// ErrorCode is the guest-visible result of an emulated enclave instruction,
// returned in RAX.
type ErrorCode uint32

// Guest error codes.
const (
	Success            ErrorCode = 0
	ErrInvalidValue    ErrorCode = 1
	ErrOutOfEPC        ErrorCode = 2
	ErrNotBuilding     ErrorCode = 3
	ErrAlreadyInit     ErrorCode = 4
	ErrNoIdleThread    ErrorCode = 5
	ErrNotInEnclave    ErrorCode = 6
	ErrPageConflict    ErrorCode = 7
	ErrNotTracked      ErrorCode = 8
	ErrEnclaveLost     ErrorCode = 9
	ErrEnclaveBusy     ErrorCode = 10
	ErrInvalidLeaf     ErrorCode = 11
	ErrNotInitialized  ErrorCode = 12
	ErrInternalFailure ErrorCode = 0xffffffff
)

// PageSize is the enclave page granule. The EPC is carved and measured in
// units of this size.
const PageSize = 4096

// MeasurementSize is the byte length of a finalized enclave measurement.
const MeasurementSize = 32
