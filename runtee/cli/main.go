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

// Package cli is the main entrypoint for runtee.
package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"

	tlog "tevisor.dev/tevisor/pkg/log"
	"tevisor.dev/tevisor/runtee/cmd"
	"tevisor.dev/tevisor/runtee/cmd/util"
	"tevisor.dev/tevisor/runtee/config"
	"tevisor.dev/tevisor/runtee/flag"
	"tevisor.dev/tevisor/runtee/version"
)

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

var log = tlog.Logger("cli")

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// Register version flag if it is not already defined.
	if flag.Lookup(versionFlagName) == nil {
		flag.Bool(versionFlagName, false, "show version and exit.")
	}

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Are we showing the version?
	if flag.Get(flag.Lookup(versionFlagName).Value).(bool) {
		fmt.Fprintf(os.Stdout, "runtee version %s\n", version.Version())
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	// Set up logging.
	tlog.SetDebug(conf.Debug)
	if err := tlog.SetFormat(conf.LogFormat); err != nil {
		util.Fatalf("%v", err)
	}
	if err := tlog.OpenLog(conf.LogFilename); err != nil {
		util.Fatalf("%v", err)
	}

	const delimString = `**************** runtee ****************`
	log.Infof(delimString)
	log.Infof("version %s, %s, %s, %d CPUs, PID %d", version.Version(), runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// forEachCmd invokes the passed callback for each command supported by
// runtee.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Probe), "")
	cb(new(cmd.Version), "")
}
