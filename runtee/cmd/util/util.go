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

// Package util holds helpers shared by the runtee commands.
package util

import (
	"fmt"
	"os"

	"github.com/google/subcommands"

	tlog "tevisor.dev/tevisor/pkg/log"
)

var log = tlog.Logger("cli")

// Errorf reports an error to the log and to stderr, and returns a failing
// exit status for the calling command.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

// Fatalf reports an error like Errorf and exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Exit with a status unlikely to be used by guest workloads.
	os.Exit(128)
}
