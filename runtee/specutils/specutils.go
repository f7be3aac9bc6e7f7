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

// Package specutils provides host-facing helpers shared by the runtee
// commands.
package specutils

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/moby/sys/capability"
)

// HasCapabilities reports whether the process holds every given effective
// capability.
func HasCapabilities(cs ...capability.Cap) bool {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false
	}
	if err := caps.Load(); err != nil {
		return false
	}
	for _, c := range cs {
		if !caps.Get(capability.EFFECTIVE, c) {
			return false
		}
	}
	return true
}

// Retry runs fn until it succeeds, backing off exponentially, for at most
// the given total wait.
func Retry(timeout time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = timeout
	return backoff.Retry(fn, b)
}
