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

// Package measure builds enclave measurements.
//
// The measurement is a SHA-256 over a record stream that mirrors the build
// sequence: one record for enclave creation, one per added page, and one per
// 256-byte chunk of measured page content. Two enclaves share a digest iff
// they were built from the same pages, with the same layout and permissions,
// in the same order.
package measure

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"tevisor.dev/tevisor/pkg/abi/sgx"
	"tevisor.dev/tevisor/pkg/teerr"
)

// Digest is a finalized enclave measurement.
type Digest [sgx.MeasurementSize]byte

// String implements fmt.Stringer.String.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

const (
	recordSize    = 64
	chunkSize     = 256
	chunksPerPage = sgx.PageSize / chunkSize
)

// Record tags occupy the first eight bytes of each record.
var (
	tagECreate = [8]byte{'E', 'C', 'R', 'E', 'A', 'T', 'E', 0}
	tagEAdd    = [8]byte{'E', 'A', 'D', 'D', 0, 0, 0, 0}
	tagEExtend = [8]byte{'E', 'E', 'X', 'T', 'E', 'N', 'D', 0}
)

// Accumulator folds build records into a running measurement. It is not
// safe for concurrent use; the owning enclave's lock serializes callers.
type Accumulator struct {
	h      hash.Hash
	sealed bool
	digest Digest
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{h: sha256.New()}
}

func (a *Accumulator) record(tag [8]byte, fill func(b []byte)) {
	var b [recordSize]byte
	copy(b[:], tag[:])
	fill(b[8:])
	a.h.Write(b[:])
}

// ECreate folds the creation record: the SSA frame size and the address
// range size, as fixed at build start.
func (a *Accumulator) ECreate(ssaFrameSize uint32, size uint64) error {
	if a.sealed {
		return teerr.Sealed
	}
	a.record(tagECreate, func(b []byte) {
		binary.LittleEndian.PutUint32(b[0:], ssaFrameSize)
		binary.LittleEndian.PutUint64(b[4:], size)
	})
	return nil
}

// AddPage folds one added page: its offset within the enclave range and its
// canonicalized attributes, then, when measured, the page contents in
// 256-byte chunks. data must be exactly one page.
func (a *Accumulator) AddPage(offset uint64, flags sgx.SECINFOFlags, data []byte, measured bool) error {
	if a.sealed {
		return teerr.Sealed
	}
	if len(data) != sgx.PageSize {
		panic(fmt.Sprintf("measuring %d bytes, want one page", len(data)))
	}
	a.record(tagEAdd, func(b []byte) {
		binary.LittleEndian.PutUint64(b[0:], offset)
		binary.LittleEndian.PutUint64(b[8:], uint64(flags))
	})
	if !measured {
		return nil
	}
	for i := 0; i < chunksPerPage; i++ {
		chunkOff := offset + uint64(i*chunkSize)
		a.record(tagEExtend, func(b []byte) {
			binary.LittleEndian.PutUint64(b[0:], chunkOff)
		})
		a.h.Write(data[i*chunkSize : (i+1)*chunkSize])
	}
	return nil
}

// Finalize seals the accumulator and returns the measurement. Further build
// records are refused; repeated calls return the same digest.
func (a *Accumulator) Finalize() Digest {
	if !a.sealed {
		a.h.Sum(a.digest[:0])
		a.sealed = true
	}
	return a.digest
}

// Sealed reports whether the measurement has been finalized.
func (a *Accumulator) Sealed() bool {
	return a.sealed
}
