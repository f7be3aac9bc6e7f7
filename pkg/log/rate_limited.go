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

package log

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimitedEntry wraps a logger entry so that it emits no more than once
// per interval. Interrupt storms inside enclaves can otherwise flood the
// log with one line per asynchronous exit.
type RateLimitedEntry struct {
	entry *logrus.Entry
	limit *rate.Limiter
}

// RateLimited returns an entry that logs at most burst lines per every.
func RateLimited(entry *logrus.Entry, every time.Duration, burst int) *RateLimitedEntry {
	return &RateLimitedEntry{
		entry: entry,
		limit: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Debugf logs at debug level, subject to the rate limit.
func (rl *RateLimitedEntry) Debugf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.entry.Debugf(format, v...)
	}
}

// Infof logs at info level, subject to the rate limit.
func (rl *RateLimitedEntry) Infof(format string, v ...any) {
	if rl.limit.Allow() {
		rl.entry.Infof(format, v...)
	}
}

// Warningf logs at warning level, subject to the rate limit.
func (rl *RateLimitedEntry) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.entry.Warningf(format, v...)
	}
}
