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

package vmx

import (
	"errors"
	"sync"

	"tevisor.dev/tevisor/pkg/hostarch"
	"tevisor.dev/tevisor/pkg/vmm/backend"
	"tevisor.dev/tevisor/pkg/vmm/npt"
)

// ErrWakeup is returned by DriverVCPU.Run when Wake preempted the entry
// before the guest trapped.
var ErrWakeup = errors.New("vcpu wakeup")

// RawExit is the unprocessed trap state read back from the VMCS exit
// fields. The translation layer turns it into a backend.ExitInfo.
type RawExit struct {
	// Reason is the basic exit reason (VMCS exit reason, low 16 bits).
	Reason uint32

	// Qualification is the exit qualification field.
	Qualification uint64

	// GuestPhys is the guest-physical address field, valid for nested
	// paging exits.
	GuestPhys uint64

	// GuestLinear is the guest-linear address field, when the hardware
	// reports one.
	GuestLinear uint64

	// IntrInfo and IntrErr are the exit interruption information and
	// error code fields.
	IntrInfo uint32
	IntrErr  uint32

	// InstrLen is the exit instruction length field.
	InstrLen uint8
}

// DriverVCPU is one hardware virtual processor context.
type DriverVCPU interface {
	// Run enters the guest with the given register file, serving nested
	// translations from pt, and blocks until the guest traps. The
	// register file is updated in place with the exit state. Returns
	// ErrWakeup if Wake preempted the entry.
	Run(regs *backend.Registers, pt *npt.PageTables) (RawExit, error)

	// Inject stages a VM-entry interruption-information event for the
	// next Run.
	Inject(info uint32, errCode uint32)

	// Wake forces a resident or imminent Run to return ErrWakeup.
	Wake()
}

// Driver is the hardware access layer under the translation layer: VMCS
// ownership, VMLAUNCH/VMRESUME sequencing and physical memory access. The
// embedding runtime links exactly one and installs it with SetDriver before
// backend construction.
type Driver interface {
	// InitVCPU readies the hardware context for one virtual processor.
	InitVCPU(id int) (DriverVCPU, error)

	// ReadPhys copies from host-physical memory.
	ReadPhys(pa hostarch.PhysAddr, b []byte) error

	// WritePhys copies into host-physical memory.
	WritePhys(pa hostarch.PhysAddr, b []byte) error

	// Invalidate discards hardware translation caches derived from the
	// given tables on every processor.
	Invalidate(pt *npt.PageTables)

	// Shutdown releases the hardware contexts.
	Shutdown()
}

var (
	driverMu sync.Mutex
	driver   Driver
)

// SetDriver installs the hardware access layer. It must be called before
// the backend is constructed; calling it twice panics.
func SetDriver(d Driver) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if driver != nil {
		panic("vmx driver installed twice")
	}
	driver = d
}

func currentDriver() Driver {
	driverMu.Lock()
	defer driverMu.Unlock()
	return driver
}
