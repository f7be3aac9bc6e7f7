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

// Package memutil provides the backing-store mappings for the enclave page
// cache.
package memutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapAnonymous maps size bytes of zeroed, private anonymous memory.
func MapAnonymous(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes failed: %v", size, err)
	}
	return b, nil
}

// Unmap releases a mapping returned by MapAnonymous.
func Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Lock pins a mapping into memory so its contents never reach swap. The
// enclave page cache uses this to keep secret-bearing frames resident.
func Lock(b []byte) error {
	if err := unix.Mlock(b); err != nil {
		return fmt.Errorf("mlock of %d bytes failed: %v", len(b), err)
	}
	return nil
}

// Unlock releases a Lock.
func Unlock(b []byte) error {
	return unix.Munlock(b)
}
