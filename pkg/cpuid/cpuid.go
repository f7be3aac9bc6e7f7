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

// Package cpuid discovers the host's virtualization features.
//
// Backends consult a FeatureSet once at startup to decide whether the host
// can run them at all; a missing feature bit is a fatal configuration error,
// not a runtime condition.
package cpuid

import (
	"github.com/klauspost/cpuid/v2"
)

// Vendor identifies the CPU manufacturer.
type Vendor int

// Known vendors.
const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

// String implements fmt.Stringer.String.
func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "intel"
	case VendorAMD:
		return "amd"
	default:
		return "unknown"
	}
}

// FeatureSet is a snapshot of the host CPU properties the hypervisor cares
// about. A zero FeatureSet reports nothing supported, which is the correct
// answer for non-x86 hosts.
type FeatureSet struct {
	// Vendor is the CPU manufacturer.
	Vendor Vendor

	// VendorString is the raw 12-byte vendor identification string.
	VendorString string

	// Brand is the processor brand string.
	Brand string

	// HasVMX reports Intel virtualization extensions.
	HasVMX bool

	// HasSVM reports AMD virtualization extensions.
	HasSVM bool

	// HasSME reports AMD secure memory encryption.
	HasSME bool

	// LogicalCores is the number of logical processors.
	LogicalCores int
}

// HostFeatureSet reads the features of the CPU this process runs on.
func HostFeatureSet() *FeatureSet {
	fs := &FeatureSet{
		VendorString: cpuid.CPU.VendorString,
		Brand:        cpuid.CPU.BrandName,
		HasVMX:       cpuid.CPU.Supports(cpuid.VMX),
		HasSVM:       cpuid.CPU.Supports(cpuid.SVM),
		HasSME:       cpuid.CPU.Supports(cpuid.SME),
		LogicalCores: cpuid.CPU.LogicalCores,
	}
	switch cpuid.CPU.VendorID {
	case cpuid.Intel:
		fs.Vendor = VendorIntel
	case cpuid.AMD:
		fs.Vendor = VendorAMD
	}
	return fs
}

// HasVirtualization reports whether either vendor's virtualization
// extensions are present.
func (fs *FeatureSet) HasVirtualization() bool {
	return fs.HasVMX || fs.HasSVM
}
