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

package bitmap

import (
	"testing"
)

func TestAddRemove(t *testing.T) {
	b := New(200)
	for _, i := range []uint32{0, 63, 64, 127, 199} {
		b.Add(i)
		if !b.IsSet(i) {
			t.Errorf("bit %d not set after Add", i)
		}
	}
	if got := b.Ones(); got != 5 {
		t.Errorf("Ones() = %d, want 5", got)
	}

	// Adding a set bit must not double count.
	b.Add(63)
	if got := b.Ones(); got != 5 {
		t.Errorf("Ones() after duplicate Add = %d, want 5", got)
	}

	b.Remove(63)
	if b.IsSet(63) {
		t.Error("bit 63 still set after Remove")
	}
	b.Remove(63)
	if got := b.Ones(); got != 4 {
		t.Errorf("Ones() after duplicate Remove = %d, want 4", got)
	}
}

func TestFirstZero(t *testing.T) {
	b := New(130)
	for i := uint32(0); i < 66; i++ {
		b.Add(i)
	}
	if bit, ok := b.FirstZero(0); !ok || bit != 66 {
		t.Errorf("FirstZero(0) = %d, %v, want 66, true", bit, ok)
	}
	if bit, ok := b.FirstZero(100); !ok || bit != 100 {
		t.Errorf("FirstZero(100) = %d, %v, want 100, true", bit, ok)
	}
	if _, ok := b.FirstZero(130); ok {
		t.Error("FirstZero past the end reported a bit")
	}

	for i := uint32(66); i < 130; i++ {
		b.Add(i)
	}
	if _, ok := b.FirstZero(0); ok {
		t.Error("FirstZero on a full bitmap reported a bit")
	}
}

func TestFirstZeroDoesNotLeaveRange(t *testing.T) {
	// 70 bits occupy two words; the tail of the second word is unaddressable
	// and must never be reported as free.
	b := New(70)
	for i := uint32(0); i < 70; i++ {
		b.Add(i)
	}
	if bit, ok := b.FirstZero(0); ok {
		t.Errorf("FirstZero on a full bitmap reported out-of-range bit %d", bit)
	}
}

func TestFirstOne(t *testing.T) {
	b := New(256)
	b.Add(3)
	b.Add(128)
	if bit, ok := b.FirstOne(0); !ok || bit != 3 {
		t.Errorf("FirstOne(0) = %d, %v, want 3, true", bit, ok)
	}
	if bit, ok := b.FirstOne(4); !ok || bit != 128 {
		t.Errorf("FirstOne(4) = %d, %v, want 128, true", bit, ok)
	}
	if _, ok := b.FirstOne(129); ok {
		t.Error("FirstOne past the last set bit reported a bit")
	}
}

func TestFirstFitReuse(t *testing.T) {
	// The allocation pattern the page cache relies on: the lowest freed
	// bit is handed out first.
	b := New(32)
	for i := uint32(0); i < 32; i++ {
		b.Add(i)
	}
	b.Remove(17)
	b.Remove(5)
	if bit, ok := b.FirstZero(0); !ok || bit != 5 {
		t.Errorf("FirstZero(0) = %d, %v, want 5, true", bit, ok)
	}
	b.Add(5)
	if bit, ok := b.FirstZero(0); !ok || bit != 17 {
		t.Errorf("FirstZero(0) = %d, %v, want 17, true", bit, ok)
	}
}
