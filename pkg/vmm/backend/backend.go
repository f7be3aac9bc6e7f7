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

// Package backend defines the vendor virtualization interface.
//
// The dispatcher and the emulation layer are vendor-blind: they run guests,
// read classified exits and edit translations exclusively through the types
// here. The vmx and svm subpackages translate the two hardware encodings
// onto this surface; the sim subpackage implements it entirely in software.
package backend

import (
	"errors"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/cpuid"
	"tevisor.dev/tevisor/pkg/hostarch"
	"tevisor.dev/tevisor/pkg/vmm/npt"
)

// Space names one guest-physical address space. NormalSpace is the
// untrusted world; each enclave gets a secure space keyed by its reference
// token.
type Space uint64

// NormalSpace is the untrusted world's address space.
const NormalSpace Space = 0

// Enter return values that are not guest traps.
var (
	// ErrShutdown reports that the backend was shut down while the guest
	// was resident or about to run.
	ErrShutdown = errors.New("backend shut down")

	// ErrKicked reports that a Kick preempted the entry before a guest
	// trap occurred.
	ErrKicked = errors.New("guest entry preempted")
)

// Capabilities describes what a backend variant can do.
type Capabilities struct {
	// Vendor is the hardware vendor the variant drives.
	Vendor cpuid.Vendor

	// XFRM is the extended-state feature mask enclaves may request.
	XFRM uint64

	// MemEncrypt reports whether secure mappings can be memory encrypted.
	MemEncrypt bool

	// MaxVCPUs bounds InitVCPU ids.
	MaxVCPUs int
}

// SupportsXFRM reports whether every requested feature bit is available.
func (c Capabilities) SupportsXFRM(xfrm uint64) bool {
	return xfrm&^c.XFRM == 0
}

// Registers is the guest register file, refreshed on every exit and applied
// on every entry.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RBP, RSP           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP    uint64
	RFLAGS uint64

	FSBase uint64
	GSBase uint64

	XCR0 uint64
	EFER uint64
	CR2  uint64
	CR3  uint64
}

// Architectural register bits the world switch manipulates.
const (
	// RFlagsIF is the interrupt enable flag.
	RFlagsIF uint64 = 1 << 9

	// RFlagsFixed is always set in RFLAGS.
	RFlagsFixed uint64 = 1 << 1

	// EFERSCE enables SYSCALL/SYSRET; cleared inside enclaves.
	EFERSCE uint64 = 1 << 0

	// EFERLME is long mode enable.
	EFERLME uint64 = 1 << 8
)

// ExitReason classifies a guest trap.
type ExitReason uint8

// Exit classifications, vendor encoding already resolved.
const (
	// ExitEnclave is a trap in the enclave instruction space; Leaf holds
	// the requested operation.
	ExitEnclave ExitReason = iota

	// ExitInterrupt is an external interrupt or NMI.
	ExitInterrupt

	// ExitException is a guest exception, including nested paging faults
	// presented as page faults.
	ExitException

	// ExitHypercall is a management call (RAX at or above
	// sgx.HypercallBase).
	ExitHypercall

	// ExitHalt is a guest HLT.
	ExitHalt

	// ExitOther is any other privileged trap. The dispatcher treats it as
	// an unsupported guest action.
	ExitOther
)

// String implements fmt.Stringer.String.
func (r ExitReason) String() string {
	switch r {
	case ExitEnclave:
		return "enclave"
	case ExitInterrupt:
		return "interrupt"
	case ExitException:
		return "exception"
	case ExitHypercall:
		return "hypercall"
	case ExitHalt:
		return "halt"
	default:
		return "other"
	}
}

// ExitInfo is the classified description of one guest trap.
type ExitInfo struct {
	Reason ExitReason

	// Vector is the interrupt or exception vector.
	Vector uint8

	// ErrorCode is the architectural exception error code, page-fault
	// style for nested paging faults.
	ErrorCode uint32

	// FaultAddr is the faulting guest-linear address, when known.
	FaultAddr hostarch.GuestVirt

	// NestedAddr is the faulting guest-physical address for nested paging
	// faults.
	NestedAddr hostarch.GuestPhys

	// Leaf is the enclave instruction, valid for ExitEnclave.
	Leaf sgx.Leaf

	// HypercallNo is the raw RAX of a trapping call.
	HypercallNo uint64

	// InstrLen is the trapping instruction's length, for RIP advance on
	// emulated completion.
	InstrLen uint8
}

// ClassifyCall maps the RAX of a trapping call instruction onto the exit
// surface: small values are enclave leaves, the high window is management
// hypercalls, anything between is an invalid leaf that the emulation layer
// faults back to the guest.
func ClassifyCall(rax uint64) ExitInfo {
	info := ExitInfo{HypercallNo: rax}
	switch {
	case rax >= sgx.HypercallBase:
		info.Reason = ExitHypercall
	default:
		info.Reason = ExitEnclave
		info.Leaf = sgx.Leaf(rax)
	}
	return info
}

// Architectural exception vectors the hypervisor handles specially.
const (
	// VectorNMI is the non-maskable interrupt.
	VectorNMI uint8 = 2

	// VectorUD is the invalid-opcode exception.
	VectorUD uint8 = 6

	// VectorGP is the general-protection exception.
	VectorGP uint8 = 13

	// VectorPageFault is the page-fault exception.
	VectorPageFault uint8 = 14
)

// EventType distinguishes injected events.
type EventType uint8

// Injectable event types.
const (
	EventInterrupt EventType = iota
	EventException
)

// Event is an interrupt or exception to deliver to the guest on the next
// entry.
type Event struct {
	Type   EventType
	Vector uint8

	// HasErrorCode selects whether ErrorCode is pushed.
	HasErrorCode bool
	ErrorCode    uint32

	// FaultAddr loads CR2 for page faults.
	FaultAddr hostarch.GuestVirt
}

// VCPU is one virtual processor. Enter blocks the calling goroutine until
// the guest traps; everything else operates on saved state between entries.
// A VCPU is not safe for concurrent use; the machine hands each one to a
// single host thread at a time.
type VCPU interface {
	// ID returns the processor id, dense from zero.
	ID() int

	// Enter runs the guest until it traps. Returns ErrShutdown or
	// ErrKicked when no trap occurred.
	Enter() error

	// ExitInfo describes the last trap.
	ExitInfo() ExitInfo

	// Registers exposes the live register file.
	Registers() *Registers

	// SetSpace switches the address space translations are served from.
	SetSpace(s Space)

	// Space returns the current address space.
	Space() Space

	// TranslateVirtual resolves a guest-linear address through the
	// guest's own page tables in the current space.
	TranslateVirtual(gva hostarch.GuestVirt) (hostarch.GuestPhys, error)

	// InjectEvent queues an interrupt or exception for the next entry.
	InjectEvent(ev Event) error

	// Kick forces a blocked Enter to return ErrKicked.
	Kick()
}

// Backend is one vendor virtualization variant.
type Backend interface {
	// Name returns the registry name.
	Name() string

	// Capabilities describes the variant.
	Capabilities() Capabilities

	// InitVCPU creates or returns the virtual processor with the given
	// id. Initialization failure is a fatal configuration error.
	InitVCPU(id int) (VCPU, error)

	// MapGuestPhysical establishes nested translations in a space.
	MapGuestPhysical(s Space, gpa hostarch.GuestPhys, hpa hostarch.PhysAddr, length uint64, opts npt.MapOpts)

	// UnmapGuestPhysical removes nested translations.
	UnmapGuestPhysical(s Space, gpa hostarch.GuestPhys, length uint64)

	// InvalidateTranslation discards cached translations for a space.
	InvalidateTranslation(s Space)

	// ReadGuest copies from untrusted guest-physical memory.
	ReadGuest(gpa hostarch.GuestPhys, b []byte) error

	// WriteGuest copies into untrusted guest-physical memory.
	WriteGuest(gpa hostarch.GuestPhys, b []byte) error

	// Shutdown tears the backend down and unblocks every resident Enter.
	Shutdown()
}
