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

// Package bitmap provides a fixed-size bitmap with first-fit scanning, used
// to track frame occupancy in the enclave page cache.
package bitmap

import (
	"math/bits"
)

// Bitmap tracks set membership for a fixed range [0, size).
type Bitmap struct {
	// numOnes is the number of set bits.
	numOnes uint32

	// size is the number of addressable bits. Bits at or beyond size stay
	// zero.
	size uint32

	// words holds the bits, 64 per entry.
	words []uint64
}

// New creates an empty bitmap addressing [0, size).
func New(size uint32) Bitmap {
	return Bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of addressable bits.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Ones returns the number of set bits.
func (b *Bitmap) Ones() uint32 {
	return b.numOnes
}

// IsSet reports whether bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	w := &b.words[i/64]
	mask := uint64(1) << (i % 64)
	if *w&mask == 0 {
		*w |= mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	w := &b.words[i/64]
	mask := uint64(1) << (i % 64)
	if *w&mask != 0 {
		*w &^= mask
		b.numOnes--
	}
}

// FirstZero returns the first clear bit at or after start. ok is false if
// every bit in [start, size) is set or start is out of range.
func (b *Bitmap) FirstZero(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	w := b.words[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i*64)
			if r >= b.size {
				return 0, false
			}
			return r, true
		}
		i++
		if i == len(b.words) {
			return 0, false
		}
		w = b.words[i]
	}
}

// FirstOne returns the first set bit at or after start. ok is false if every
// bit in [start, size) is clear or start is out of range.
func (b *Bitmap) FirstOne(start uint32) (bit uint32, ok bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	w := b.words[i] &^ ((1 << nbit) - 1)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w)) + uint32(i*64), true
		}
		i++
		if i == len(b.words) {
			return 0, false
		}
		w = b.words[i]
	}
}
