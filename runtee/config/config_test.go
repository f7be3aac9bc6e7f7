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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"tevisor.dev/tevisor/runtee/flag"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := 96; c.EPCSizeMiB != want {
		t.Errorf("EPCSizeMiB=%v, want: %v", c.EPCSizeMiB, want)
	}
	if !c.Mlock {
		t.Error("Mlock=false, want: true")
	}
	if !c.EnclaveInterrupt {
		t.Error("EnclaveInterrupt=false, want: true")
	}

	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Lookup("root").Value.Set("some-path"); err != nil {
		t.Errorf("Flag set: %v", err)
	}
	if err := testFlags.Lookup("debug").Value.Set("true"); err != nil {
		t.Errorf("Flag set: %v", err)
	}
	if err := testFlags.Lookup("epc-size").Value.Set("192"); err != nil {
		t.Errorf("Flag set: %v", err)
	}
	if err := testFlags.Lookup("backend").Value.Set("sim"); err != nil {
		t.Errorf("Flag set: %v", err)
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := "some-path"; c.RootDir != want {
		t.Errorf("RootDir=%v, want: %v", c.RootDir, want)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 192; c.EPCSizeMiB != want {
		t.Errorf("EPCSizeMiB=%v, want: %v", c.EPCSizeMiB, want)
	}
	if want := "sim"; c.Backend != want {
		t.Errorf("Backend=%v, want: %v", c.Backend, want)
	}
}

func TestToFlagsRoundTrip(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("debug", "true")
	testFlags.Set("epc-size", "384")
	testFlags.Set("metrics-addr", "localhost:9090")
	testFlags.Set("mlock", "false")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	// Flags come out in field declaration order.
	flags := c.ToFlags()
	want := []string{
		"--debug=true",
		"--epc-size=384",
		"--metrics-addr=localhost:9090",
		"--mlock=false",
	}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Fatalf("ToFlags() mismatch (-want +got):\n%s", diff)
	}

	// Feeding the flags back must reproduce the same configuration.
	testFlags2 := flag.NewFlagSet("test2", flag.ContinueOnError)
	RegisterFlags(testFlags2)
	for _, f := range flags {
		kv := strings.SplitN(strings.TrimPrefix(f, "--"), "=", 2)
		if err := testFlags2.Set(kv[0], kv[1]); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
	}
	c2, err := NewFromFlags(testFlags2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "epc-size",
			flags: map[string]string{"epc-size": "17"},
			error: "invalid EPC size",
		},
		{
			name:  "max-enclaves",
			flags: map[string]string{"max-enclaves": "0"},
			error: "max-enclaves must be positive",
		},
		{
			name:  "guest-mem",
			flags: map[string]string{"guest-mem": "-1"},
			error: "guest-mem cannot be negative",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			for name, val := range tc.flags {
				if err := testFlags.Lookup(name).Value.Set(val); err != nil {
					t.Errorf("%s=%q: %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %v", err)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtee.toml")
	content := `epc-size = 192
debug = true
metrics-addr = "localhost:9200"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Set("config-file", path); err != nil {
		t.Fatalf("Flag set: %v", err)
	}
	// Explicitly set flags win over the file, even at the default value.
	if err := testFlags.Set("debug", "false"); err != nil {
		t.Fatalf("Flag set: %v", err)
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := 192; c.EPCSizeMiB != want {
		t.Errorf("EPCSizeMiB=%v, want: %v", c.EPCSizeMiB, want)
	}
	if want := "localhost:9200"; c.MetricsAddr != want {
		t.Errorf("MetricsAddr=%v, want: %v", c.MetricsAddr, want)
	}
	if c.Debug {
		t.Error("Debug=true, explicit flag should win over the file")
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		missing bool
		error   string
	}{
		{
			name:    "unknown key",
			content: "frobnicate = 1\n",
			error:   `unknown key "frobnicate"`,
		},
		{
			name:    "recursive file",
			content: "config-file = \"other.toml\"\n",
			error:   "cannot be set from the file",
		},
		{
			name:    "bad value",
			content: "epc-size = \"lots\"\n",
			error:   `key "epc-size"`,
		},
		{
			name:    "bad type",
			content: "backend = [\"vmx\", \"svm\"]\n",
			error:   "unsupported value type",
		},
		{
			name:    "bad syntax",
			content: "epc-size = = 96\n",
			error:   "reading config file",
		},
		{
			name:    "missing file",
			missing: true,
			error:   "reading config file",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "runtee.toml")
			if !tc.missing {
				if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
					t.Fatal(err)
				}
			}
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			if err := testFlags.Set("config-file", path); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %v", err)
			}
		})
	}
}
