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
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"tevisor.dev/tevisor/pkg/cpuid"
	"tevisor.dev/tevisor/pkg/epc"
	"tevisor.dev/tevisor/pkg/vmm/backend"
	"tevisor.dev/tevisor/runtee/cmd/util"
	"tevisor.dev/tevisor/runtee/flag"
)

// Probe implements subcommands.Command for the "probe" command.
type Probe struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Probe) Synopsis() string {
	return "report host virtualization features and available backends"
}

// Usage implements subcommands.Command.Usage.
func (*Probe) Usage() string {
	return `probe [flags] - report host virtualization features and available backends.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Probe) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.json, "json", false, "write the report as JSON.")
}

// probeReport is the machine-readable form of the probe output.
type probeReport struct {
	Vendor         string   `json:"vendor"`
	Brand          string   `json:"brand"`
	LogicalCores   int      `json:"logical_cores"`
	VMX            bool     `json:"vmx"`
	SVM            bool     `json:"svm"`
	SME            bool     `json:"sme"`
	Backends       []string `json:"backends"`
	DefaultBackend string   `json:"default_backend"`
	EPCSizesMiB    []int    `json:"epc_sizes_mib"`
}

// Execute implements subcommands.Command.Execute.
func (p *Probe) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fs := cpuid.HostFeatureSet()
	report := probeReport{
		Vendor:         fs.Vendor.String(),
		Brand:          fs.Brand,
		LogicalCores:   fs.LogicalCores,
		VMX:            fs.HasVMX,
		SVM:            fs.HasSVM,
		SME:            fs.HasSME,
		Backends:       backend.Registered(),
		DefaultBackend: backend.DefaultName,
		EPCSizesMiB:    epc.ValidSizesMiB,
	}

	if p.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(&report); err != nil {
			return util.Errorf("writing report: %v", err)
		}
		return subcommands.ExitSuccess
	}

	fmt.Printf("vendor:          %s\n", report.Vendor)
	fmt.Printf("brand:           %s\n", report.Brand)
	fmt.Printf("logical cores:   %d\n", report.LogicalCores)
	fmt.Printf("vmx:             %t\n", report.VMX)
	fmt.Printf("svm:             %t\n", report.SVM)
	fmt.Printf("sme:             %t\n", report.SME)
	fmt.Printf("backends:        %v\n", report.Backends)
	fmt.Printf("default backend: %s\n", report.DefaultBackend)
	fmt.Printf("epc sizes (MiB): %v\n", report.EPCSizesMiB)
	return subcommands.ExitSuccess
}
