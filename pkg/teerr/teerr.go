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

// Package teerr holds the canonical error space for enclave management
// operations.
//
// Errors in this package are immutable sentinel values compared by identity.
// Emulation handlers return them to report guest-recoverable conditions; the
// dispatcher translates them into guest-visible fault codes. Anything that is
// not a sentinel from this package is an internal hypervisor failure.
package teerr

// ErrCode enumerates the management error conditions.
type ErrCode uint32

// Error conditions.
const (
	errInternal ErrCode = iota
	ErrExhausted
	ErrInvalidRange
	ErrNotBuilding
	ErrAlreadyInitialized
	ErrNoIdleThread
	ErrNotInEnclave
	ErrIllegalFree
	ErrStaleRef
	ErrBusy
	ErrSealed
	ErrInvalidLeaf
	ErrInvalidArgument
	ErrNotInitialized
)

// Error is an immutable management error.
type Error struct {
	code    ErrCode
	message string
}

// New creates a new Error.
func New(code ErrCode, message string) *Error {
	return &Error{code: code, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the condition this error reports.
func (e *Error) Code() ErrCode { return e.code }

// CodeOf extracts the condition from an arbitrary error. Errors that did not
// originate in this package report errInternal (zero).
func CodeOf(err error) ErrCode {
	if e, ok := err.(*Error); ok {
		return e.code
	}
	return errInternal
}

// IsManagement reports whether err is a guest-recoverable management error,
// as opposed to an internal hypervisor failure.
func IsManagement(err error) bool {
	_, ok := err.(*Error)
	return ok
}

// The management error sentinels. Operations return these values directly;
// callers compare by identity.
var (
	// Exhausted is returned when the enclave page cache has no free frame
	// or a fixed-capacity table is full.
	Exhausted = New(ErrExhausted, "enclave page cache exhausted")

	// InvalidRange is returned when a requested address range is
	// misaligned, out of bounds, or overlaps an existing mapping.
	InvalidRange = New(ErrInvalidRange, "address range is misaligned, out of bounds, or overlaps an existing mapping")

	// NotBuilding is returned when a build-phase operation arrives after
	// the enclave's measurement has been sealed.
	NotBuilding = New(ErrNotBuilding, "enclave is not in the building state")

	// AlreadyInitialized is returned when initialization is requested a
	// second time.
	AlreadyInitialized = New(ErrAlreadyInitialized, "enclave is already initialized")

	// NoIdleThread is returned when entry is requested and the selected
	// thread control structure is busy.
	NoIdleThread = New(ErrNoIdleThread, "no idle thread control structure")

	// NotInEnclave is returned when an enclave-mode-only operation is
	// issued from normal mode.
	NotInEnclave = New(ErrNotInEnclave, "processor is not executing inside an enclave")

	// IllegalFree is returned when a page release violates the secure
	// state machine, for example freeing a valid page or a page owned by
	// a different enclave.
	IllegalFree = New(ErrIllegalFree, "page release violates the secure state machine")

	// StaleRef is returned when a weak enclave or frame reference no
	// longer identifies a live object.
	StaleRef = New(ErrStaleRef, "reference does not identify a live object")

	// Busy is returned when an operation requires quiescence and threads
	// are still resident in the enclave.
	Busy = New(ErrBusy, "enclave has resident threads")

	// Sealed is returned when a measurement extension arrives after the
	// digest has been finalized.
	Sealed = New(ErrSealed, "measurement is sealed")

	// InvalidLeaf is returned for a trap in the enclave instruction space
	// with no defined semantics.
	InvalidLeaf = New(ErrInvalidLeaf, "invalid enclave instruction leaf")

	// InvalidArgument is returned when a structurally malformed argument
	// reaches an otherwise legal operation.
	InvalidArgument = New(ErrInvalidArgument, "invalid argument")

	// NotInitialized is returned when entry is requested before the
	// enclave's measurement has been sealed.
	NotInitialized = New(ErrNotInitialized, "enclave is not initialized")
)
