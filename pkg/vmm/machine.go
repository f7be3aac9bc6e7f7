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

// Package vmm assembles the hypervisor: the vendor backend, the enclave
// page cache and the enclave table, joined by the per-processor trap loop.
//
// A Machine is created once at boot. Host threads borrow virtual CPUs with
// Get, drive them with CPU.Run until the guest halts or the machine shuts
// down, and return them with Put. The trap loop classifies guest exits and
// hands them to the emulation layer (enclave instructions), the hypercall
// layer (management calls) or the redirector (interrupts and exceptions).
package vmm

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"tevisor.dev/tevisor/pkg/enclave"
	"tevisor.dev/tevisor/pkg/epc"
	"tevisor.dev/tevisor/pkg/hostarch"
	tlog "tevisor.dev/tevisor/pkg/log"
	"tevisor.dev/tevisor/pkg/vmm/backend"
)

var log = tlog.Logger("vmm")

// Defaults applied by NewMachine for zero Options fields.
const (
	DefaultEPCSizeMiB  = 96
	DefaultMaxEnclaves = 64
)

// ErrMachineClosed is returned by Get after Close.
var ErrMachineClosed = errors.New("machine is closed")

// Options configures a Machine.
type Options struct {
	// Backend selects the vendor variant by registry name. Empty selects
	// the build's default vendor.
	Backend string

	// EPCSizeMiB sizes the enclave page cache. Zero selects
	// DefaultEPCSizeMiB; the valid sizes are epc.ValidSizesMiB.
	EPCSizeMiB int

	// EPCBase overrides the physical base of the page cache. Zero
	// selects epc.DefaultBase.
	EPCBase hostarch.PhysAddr

	// Mlock pins the page cache backing store so enclave contents never
	// reach swap.
	Mlock bool

	// MaxEnclaves caps concurrent live enclaves. Zero selects
	// DefaultMaxEnclaves.
	MaxEnclaves int

	// MemEncrypt asks the backend for memory-encrypted secure mappings.
	// Construction fails if the vendor variant cannot honor it.
	MemEncrypt bool

	// GuestMemMiB sizes untrusted guest memory for backends that model
	// it.
	GuestMemMiB int

	// EnclaveInterrupt leaves external interrupts unmasked in enclave
	// mode. The default masks them, so an enclave only leaves on a
	// physical interrupt or fault.
	EnclaveInterrupt bool
}

// Machine is the assembled hypervisor.
type Machine struct {
	backend  backend.Backend
	pool     *epc.Pool
	enclaves *enclave.Manager
	opts     Options

	// mu guards the virtual CPU pool below. available is signaled when a
	// CPU returns to the pool or the machine shuts down.
	mu        sync.Mutex
	available sync.Cond

	// byTID caches the CPU a host thread ran last, so a thread that
	// alternates between user and guest work keeps its processor.
	byTID map[uint64]*CPU
	byID  []*CPU

	shutdown atomic.Bool
}

// CPU execution states, held in CPU.state.
const (
	// cpuReady means the CPU is in the pool, available to any thread.
	cpuReady uint32 = 0

	// cpuUser means a host thread holds the CPU between entries.
	cpuUser uint32 = 1 << 0

	// cpuGuest is set, in addition to cpuUser, while the CPU is resident
	// in the guest and must be kicked to come back.
	cpuGuest uint32 = 1 << 1
)

// CPU is one virtual processor together with its world-switch bookkeeping.
// A CPU is held by at most one host thread at a time; the enclave residency
// fields are owned by that thread.
type CPU struct {
	backend.VCPU

	machine *Machine

	// tid is the host thread the CPU is bound to, for pool lookups.
	tid atomic.Uint64

	// state is the execution state, some combination of the cpu* bits.
	state atomic.Uint32

	// enclave and thread are set while the processor executes in enclave
	// mode and nil otherwise.
	enclave *enclave.Enclave
	thread  *enclave.Thread
}

// NewMachine constructs the backend, carves out the enclave page cache and
// assembles an empty machine. Construction performs the hardware capability
// checks; an unsupported host is a fatal configuration error.
func NewMachine(opts Options) (*Machine, error) {
	if opts.EPCSizeMiB == 0 {
		opts.EPCSizeMiB = DefaultEPCSizeMiB
	}
	if opts.MaxEnclaves == 0 {
		opts.MaxEnclaves = DefaultMaxEnclaves
	}

	b, err := backend.New(opts.Backend, backend.Options{
		MemEncrypt:  opts.MemEncrypt,
		GuestMemMiB: opts.GuestMemMiB,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing backend: %w", err)
	}
	pool, err := epc.NewPool(epc.Options{
		SizeMiB: opts.EPCSizeMiB,
		Base:    opts.EPCBase,
		Mlock:   opts.Mlock,
	})
	if err != nil {
		b.Shutdown()
		return nil, fmt.Errorf("carving enclave page cache: %w", err)
	}

	m := &Machine{
		backend:  b,
		pool:     pool,
		enclaves: enclave.NewManager(pool, opts.MaxEnclaves),
		opts:     opts,
		byTID:    make(map[uint64]*CPU),
	}
	m.available.L = &m.mu
	registerMetrics()

	caps := b.Capabilities()
	log.Infof("machine up: backend %s (%v, %d cpus), page cache %d MiB at %v, max %d enclaves",
		b.Name(), caps.Vendor, caps.MaxVCPUs, opts.EPCSizeMiB, pool.FramePhys(0), opts.MaxEnclaves)
	return m, nil
}

// Backend returns the vendor backend.
func (m *Machine) Backend() backend.Backend {
	return m.backend
}

// Pool returns the enclave page cache.
func (m *Machine) Pool() *epc.Pool {
	return m.pool
}

// Enclaves returns the enclave manager.
func (m *Machine) Enclaves() *enclave.Manager {
	return m.enclaves
}

// Get borrows a virtual CPU and binds it to the calling host thread. The
// thread stays locked to its OS thread until Put. When every processor is
// busy and the backend limit is reached, Get blocks until one is returned.
func (m *Machine) Get() (*CPU, error) {
	m.mu.Lock()
	runtime.LockOSThread()
	tid := uint64(unix.Gettid())

	// Fast path: this thread ran a CPU before and nobody stole it.
	if c := m.byTID[tid]; c != nil {
		if !c.state.CompareAndSwap(cpuReady, cpuUser) {
			panic(fmt.Sprintf("virtual cpu %d held by tid %d is not idle", c.ID(), tid))
		}
		m.mu.Unlock()
		return c, nil
	}

	for {
		if m.shutdown.Load() {
			m.mu.Unlock()
			runtime.UnlockOSThread()
			return nil, ErrMachineClosed
		}

		// Claim any pooled CPU and rebind it to this thread.
		for _, c := range m.byID {
			if c.state.CompareAndSwap(cpuReady, cpuUser) {
				delete(m.byTID, c.tid.Load())
				c.tid.Store(tid)
				m.byTID[tid] = c
				m.mu.Unlock()
				return c, nil
			}
		}

		// Grow the pool up to the backend limit. An initialization
		// failure here is a fatal configuration error for the caller.
		if n := len(m.byID); n < m.backend.Capabilities().MaxVCPUs {
			v, err := m.backend.InitVCPU(n)
			if err != nil {
				m.mu.Unlock()
				runtime.UnlockOSThread()
				return nil, fmt.Errorf("initializing virtual cpu %d: %w", n, err)
			}
			c := &CPU{VCPU: v, machine: m}
			c.state.Store(cpuUser)
			c.tid.Store(tid)
			m.byID = append(m.byID, c)
			m.byTID[tid] = c
			log.Debugf("virtual cpu %d created for tid %d", n, tid)
			m.mu.Unlock()
			return c, nil
		}

		m.available.Wait()
	}
}

// Put returns a CPU to the pool. The CPU must not be resident in an
// enclave.
func (m *Machine) Put(c *CPU) {
	if c.thread != nil {
		panic(fmt.Sprintf("virtual cpu %d returned while resident in enclave %v", c.ID(), c.enclave.Ref()))
	}
	if old := c.state.Swap(cpuReady); old&cpuUser == 0 {
		panic(fmt.Sprintf("virtual cpu %d returned while idle", c.ID()))
	}
	m.mu.Lock()
	m.available.Broadcast()
	m.mu.Unlock()
	runtime.UnlockOSThread()
}

// bail abandons enclave residency without an exit protocol. Shutdown and
// cancellation path; the enclave may already be gone.
func (c *CPU) bail() {
	if c.thread == nil {
		return
	}
	log.Debugf("virtual cpu %d abandoning enclave %v", c.ID(), c.enclave.Ref())
	c.SetSpace(backend.Space(c.thread.Untrusted.Space))
	c.enclave.ReleaseThread(c.thread)
	c.enclave, c.thread = nil, nil
}

// secureSpace is the backend address space of an enclave. Reference
// generations start at one, so a token never collides with NormalSpace.
func secureSpace(ref enclave.Ref) backend.Space {
	return backend.Space(ref.Token())
}

// destroyEnclave tears an enclave down and drops its secure address space
// from the backend.
func (m *Machine) destroyEnclave(e *enclave.Enclave, force bool) error {
	ref := e.Ref()
	base, size := e.Base(), e.Size()
	if err := m.enclaves.Destroy(ref, force); err != nil {
		return err
	}
	s := secureSpace(ref)
	m.backend.UnmapGuestPhysical(s, hostarch.GuestPhys(base), size)
	m.backend.InvalidateTranslation(s)
	return nil
}

// Close shuts the machine down: unblock every resident entry, wait for the
// trap loops to drain, then destroy all enclaves and release the page
// cache. Close is idempotent.
func (m *Machine) Close() error {
	if m.shutdown.Swap(true) {
		return nil
	}
	m.backend.Shutdown()
	m.mu.Lock()
	m.available.Broadcast()
	m.mu.Unlock()

	// The trap loops observe the shutdown and leave the guest; wait for
	// any in-flight iteration before tearing down shared state. A CPU
	// merely held between entries is safe to leave alone.
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = time.Millisecond
	wait.MaxInterval = 50 * time.Millisecond
	wait.MaxElapsedTime = 3 * time.Second
	err := backoff.Retry(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, c := range m.byID {
			if c.state.Load()&cpuGuest != 0 {
				return fmt.Errorf("virtual cpu %d still in guest", c.ID())
			}
		}
		return nil
	}, wait)
	if err != nil {
		log.Warningf("closing with active virtual cpus: %v", err)
	}

	m.enclaves.DestroyAll()
	log.Infof("machine down")
	return m.pool.Close()
}
