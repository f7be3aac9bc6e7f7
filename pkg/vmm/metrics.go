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
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tevisor.dev/tevisor/pkg/enclave"
	"tevisor.dev/tevisor/pkg/epc"
)

const metricsNamespace = "tevisor"

var (
	vmExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "vm_exits_total",
		Help:      "Guest traps handled, by classified reason.",
	}, []string{"reason"})

	encluTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "enclave_instructions_total",
		Help:      "Enclave instructions emulated, by leaf.",
	}, []string{"leaf"})

	aexTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "async_exits_total",
		Help:      "Asynchronous enclave exits performed.",
	})

	guestFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "guest_faults_total",
		Help:      "Exceptions reflected into the untrusted world.",
	})

	guestRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "guest_run_seconds",
		Help:      "Time spent resident in the guest per entry.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
	})

	epcFreeFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "epc_free_frames",
		Help:      "Allocatable enclave page cache frames.",
	})

	epcFrames = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "epc_frames",
		Help:      "Enclave page cache frames, by secure state.",
	}, []string{"state"})

	enclaveGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "enclaves",
		Help:      "Live enclaves, by lifecycle state.",
	}, []string{"state"})
)

var metricsOnce sync.Once

// registerMetrics publishes the collectors on the default registry. Tests
// construct many machines in one process, so registration happens once.
func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			vmExits,
			encluTotal,
			aexTotal,
			guestFaults,
			guestRunSeconds,
			epcFreeFrames,
			epcFrames,
			enclaveGauge,
		)
	})
}

// updateGauges refreshes the page cache and enclave population gauges.
func (m *Machine) updateGauges() {
	epcFreeFrames.Set(float64(m.pool.FreeFrames()))
	counts := m.pool.StateCounts()
	for _, st := range []epc.State{epc.StateFree, epc.StatePending, epc.StateValid, epc.StateBlocked, epc.StateReclaimed} {
		epcFrames.WithLabelValues(st.String()).Set(float64(counts[st]))
	}

	states := make(map[enclave.State]int)
	m.enclaves.ForEach(func(e *enclave.Enclave) bool {
		states[e.State()]++
		return true
	})
	for _, st := range []enclave.State{enclave.StateBuilding, enclave.StateInitialized, enclave.StateRunning, enclave.StateSuspended} {
		enclaveGauge.WithLabelValues(st.String()).Set(float64(states[st]))
	}
}
