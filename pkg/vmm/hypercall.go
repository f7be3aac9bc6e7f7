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

package vmm

import (
	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/enclave"
	"tevisor.dev/tevisor/pkg/teerr"
	"tevisor.dev/tevisor/pkg/vmm/backend"
)

// hypercall executes one management call from the untrusted world. The call
// number arrives in RAX and the result code replaces it; an enclave token,
// where one is taken, arrives in RBX. Outputs use RBX and RCX.
//
// Suspension is cooperative and does not block the calling processor: the
// first call raises the entry barrier, and the call reports the enclave
// busy until the resident threads have drained. The barrier stays up across
// retries.
func (m *Machine) hypercall(c *CPU, info backend.ExitInfo) {
	regs := c.Registers()

	var err error
	switch info.HypercallNo {
	case sgx.HypercallEnclaveCount:
		regs.RBX = uint64(m.enclaves.Count())

	case sgx.HypercallPoolStats:
		regs.RBX = uint64(m.pool.FreeFrames())
		regs.RCX = uint64(m.pool.Capacity())

	case sgx.HypercallSuspendEnclave:
		err = m.suspendEnclave(regs.RBX)

	case sgx.HypercallResumeEnclave:
		err = m.resumeEnclave(regs.RBX)

	case sgx.HypercallDestroyEnclave:
		err = m.destroyByToken(regs.RBX)

	default:
		log.Debugf("virtual cpu %d: unknown hypercall %#x", c.ID(), info.HypercallNo)
		err = teerr.InvalidArgument
	}

	code := sgx.Success
	if err != nil {
		code = hypercallCode(err)
	}
	regs.RAX = uint64(code)
	regs.RIP += uint64(info.InstrLen)
}

func (m *Machine) suspendEnclave(token uint64) error {
	e, err := m.enclaves.Lookup(enclave.RefFromToken(token))
	if err != nil {
		return err
	}
	if err := e.SetBarrier(true); err != nil {
		return err
	}
	if e.BusyThreads() > 0 {
		return teerr.Busy
	}
	log.Infof("enclave %v suspended", e.Ref())
	return nil
}

func (m *Machine) resumeEnclave(token uint64) error {
	e, err := m.enclaves.Lookup(enclave.RefFromToken(token))
	if err != nil {
		return err
	}
	if err := e.SetBarrier(false); err != nil {
		return err
	}
	log.Infof("enclave %v resumed", e.Ref())
	return nil
}

func (m *Machine) destroyByToken(token uint64) error {
	e, err := m.enclaves.Lookup(enclave.RefFromToken(token))
	if err != nil {
		return err
	}
	return m.destroyEnclave(e, false)
}

// hypercallCode maps a management error onto the guest-visible result
// space. Management calls name enclaves by token, so a dead reference is
// reported as untracked rather than lost.
func hypercallCode(err error) sgx.ErrorCode {
	if teerr.CodeOf(err) == teerr.ErrStaleRef {
		return sgx.ErrNotTracked
	}
	return guestCode(err)
}
