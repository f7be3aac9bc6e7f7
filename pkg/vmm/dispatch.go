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
	"context"
	"errors"
	"fmt"
	"time"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/vmm/backend"
)

// Run drives the guest on this CPU until it halts in the normal world, the
// machine shuts down, or the context is canceled.
func (c *CPU) Run(ctx context.Context) error {
	defer c.bail()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Atomic bitwise set/clear of cpuGuest; written as CAS loops
		// because atomic.Uint32.Or/And require Go 1.23.
		for {
			s := c.state.Load()
			if c.state.CompareAndSwap(s, s|cpuGuest) {
				break
			}
		}
		stop, err := c.step()
		for {
			s := c.state.Load()
			if c.state.CompareAndSwap(s, s&^cpuGuest) {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("virtual cpu %d: %w", c.ID(), err)
		}
		if stop {
			return nil
		}
	}
}

// step performs one guest entry and routes the resulting trap. stop
// reports that the guest is done: a normal-world halt or a machine
// shutdown.
//
// Enclave mode narrows what the guest may do: the only legal trapping
// instruction there is a synchronous exit. Any other trap in enclave mode
// is treated as an invalid opcode, which forces an asynchronous exit and
// then delivers the fault to the untrusted handler.
func (c *CPU) step() (stop bool, err error) {
	m := c.machine

	start := time.Now()
	err = c.Enter()
	guestRunSeconds.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrShutdown):
		return true, nil
	case errors.Is(err, backend.ErrKicked):
		return false, nil
	default:
		return true, fmt.Errorf("entering guest: %w", err)
	}

	info := c.ExitInfo()
	vmExits.WithLabelValues(info.Reason.String()).Inc()

	inEnclave := c.thread != nil
	switch info.Reason {
	case backend.ExitEnclave:
		if inEnclave && info.Leaf != sgx.LeafEExit {
			err = m.reflectIllegal(c)
		} else {
			m.emulate(c, info)
		}

	case backend.ExitHypercall:
		if inEnclave {
			err = m.reflectIllegal(c)
		} else {
			m.hypercall(c, info)
		}

	case backend.ExitInterrupt, backend.ExitException:
		err = m.redirect(c, info)

	case backend.ExitHalt:
		if inEnclave {
			err = m.reflectIllegal(c)
		} else {
			log.Infof("virtual cpu %d: guest halted at %#x", c.ID(), c.Registers().RIP)
			return true, nil
		}

	default:
		if inEnclave {
			err = m.reflectIllegal(c)
		} else {
			return true, fmt.Errorf("unsupported guest trap at %#x", c.Registers().RIP)
		}
	}
	if err != nil {
		return true, err
	}

	m.updateGauges()
	return false, nil
}

// reflectIllegal handles a trap the guest had no business causing in
// enclave mode. The enclave leaves through the asynchronous exit protocol
// and the untrusted world receives an invalid-opcode exception.
func (m *Machine) reflectIllegal(c *CPU) error {
	log.Debugf("virtual cpu %d: illegal operation in enclave %v at %#x", c.ID(), c.enclave.Ref(), c.Registers().RIP)
	return m.redirect(c, backend.ExitInfo{
		Reason: backend.ExitException,
		Vector: backend.VectorUD,
	})
}
