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

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/google/uuid"
	"github.com/moby/sys/capability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/vmm"
	"tevisor.dev/tevisor/pkg/vmm/backend"
	"tevisor.dev/tevisor/pkg/vmm/backend/sim"
	"tevisor.dev/tevisor/runtee/cmd/util"
	"tevisor.dev/tevisor/runtee/config"
	"tevisor.dev/tevisor/runtee/flag"
	"tevisor.dev/tevisor/runtee/specutils"

	// Link in the hardware variants so the registry can select them.
	_ "tevisor.dev/tevisor/pkg/vmm/backend/svm"
	_ "tevisor.dev/tevisor/pkg/vmm/backend/vmx"
)

// lockTimeout bounds how long boot waits for another instance to release
// the root directory.
const lockTimeout = 2 * time.Second

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	vcpus int
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "bring up the machine and serve until signaled"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - bring up the machine and serve until signaled.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.vcpus, "vcpus", 0, "virtual cpus to run; zero selects the host processor count.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	bootID := uuid.New().String()

	// The software backend needs no privileges; the hardware variants
	// program the MMU and pin the page cache.
	if conf.Backend != sim.Name {
		caps := []capability.Cap{capability.CAP_SYS_ADMIN}
		if conf.Mlock {
			caps = append(caps, capability.CAP_IPC_LOCK)
		}
		if !specutils.HasCapabilities(caps...) {
			return util.Errorf("boot requires %v with backend %q", caps, conf.Backend)
		}
	}

	if err := os.MkdirAll(conf.RootDir, 0711); err != nil {
		return util.Errorf("creating root dir %q: %v", conf.RootDir, err)
	}
	lockPath := filepath.Join(conf.RootDir, "runtee.lock")
	lock := flock.New(lockPath)
	if err := specutils.Retry(lockTimeout, func() error {
		ok, err := lock.TryLock()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("held by another instance")
		}
		return nil
	}); err != nil {
		return util.Errorf("acquiring %q: %v", lockPath, err)
	}
	defer lock.Unlock()

	m, err := vmm.NewMachine(vmm.Options{
		Backend:          conf.Backend,
		EPCSizeMiB:       conf.EPCSizeMiB,
		Mlock:            conf.Mlock,
		MaxEnclaves:      conf.MaxEnclaves,
		MemEncrypt:       conf.MemEncrypt,
		GuestMemMiB:      conf.GuestMemMiB,
		EnclaveInterrupt: conf.EnclaveInterrupt,
	})
	if err != nil {
		return util.Errorf("creating machine: %v", err)
	}

	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: conf.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
		log.Infof("boot %s: serving metrics on %q", bootID, conf.MetricsAddr)
	}

	n := b.vcpus
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if limit := m.Backend().Capabilities().MaxVCPUs; n > limit {
		log.Warningf("boot %s: capping vcpus at backend limit %d", bootID, limit)
		n = limit
	}
	log.Infof("boot %s: machine up, backend %q, %d vcpus", bootID, m.Backend().Name(), n)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sig)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			c, err := m.Get()
			if err != nil {
				if errors.Is(err, vmm.ErrMachineClosed) {
					return nil
				}
				return err
			}
			defer m.Put(c)
			if sb, ok := m.Backend().(*sim.Backend); ok {
				// The software backend has no hardware to trap on
				// its own; hand each vcpu a short management script
				// so the boot exercises the dispatch path, then
				// halts.
				if err := sb.Script(c.ID(), demoSteps()...); err != nil {
					return err
				}
			}
			if err := c.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	go func() {
		select {
		case s := <-sig:
			log.Infof("boot %s: caught %v, shutting down", bootID, s)
			cancel()
			if err := m.Close(); err != nil {
				log.Errorf("closing machine: %v", err)
			}
		case <-gctx.Done():
		}
	}()

	if err := g.Wait(); err != nil {
		log.Errorf("boot %s: virtual cpu failed: %v", bootID, err)
		m.Close()
		return subcommands.ExitFailure
	}
	if err := m.Close(); err != nil {
		return util.Errorf("closing machine: %v", err)
	}
	log.Infof("boot %s: down", bootID)
	return subcommands.ExitSuccess
}

// demoSteps is the scripted guest run for the software backend: read the
// pool statistics, count enclaves, halt.
func demoSteps() []sim.Step {
	return []sim.Step{
		sim.Vmcall(func(regs *backend.Registers) { regs.RAX = uint64(sgx.HypercallPoolStats) }),
		sim.Vmcall(func(regs *backend.Registers) { regs.RAX = uint64(sgx.HypercallEnclaveCount) }),
		sim.Halt(),
	}
}
