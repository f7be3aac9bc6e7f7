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

// Package flag wraps the stdlib flag package so every runtee package sees a
// single flag surface.
package flag

import (
	"flag"
)

// FlagSet is an alias for flag.FlagSet.
type FlagSet = flag.FlagSet

// Flag is an alias for flag.Flag.
type Flag = flag.Flag

// Value is an alias for flag.Value.
type Value = flag.Value

// Stdlib helpers operating on the process flag set.
var (
	CommandLine = flag.CommandLine
	NewFlagSet  = flag.NewFlagSet
	Bool        = flag.Bool
	Int         = flag.Int
	String      = flag.String
)

// ContinueOnError is an alias for flag.ContinueOnError.
const ContinueOnError = flag.ContinueOnError

// Parse parses the process flags.
func Parse() {
	flag.Parse()
}

// Lookup finds the named process flag.
func Lookup(name string) *Flag {
	return flag.Lookup(name)
}

// Get returns the value held by a flag, or nil if it does not implement
// flag.Getter.
func Get(v Value) any {
	if g, ok := v.(flag.Getter); ok {
		return g.Get()
	}
	return nil
}
