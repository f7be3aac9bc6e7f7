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

// Package log wires the process-wide structured logger.
//
// Every subsystem obtains its entry once at file scope:
//
//	var log = tlog.Logger("epc")
//
// and logs through it. Root configuration (level, format, target) is applied
// by the management binary before any machine is built.
package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var root = logrus.New()

// Logger returns the shared logger tagged with a subsystem field.
func Logger(subsystem string) *logrus.Entry {
	return root.WithField("subsystem", subsystem)
}

// SetDebug toggles debug-level logging.
func SetDebug(debug bool) {
	if debug {
		root.SetLevel(logrus.DebugLevel)
	} else {
		root.SetLevel(logrus.InfoLevel)
	}
}

// SetFormat selects the output format, "text" or "json".
func SetFormat(format string) error {
	switch format {
	case "text":
		root.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

// OpenLog redirects output to the named file, created append-only if needed.
// An empty path keeps the current target.
func OpenLog(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file %q: %v", path, err)
	}
	root.SetOutput(f)
	return nil
}
