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

// Package config declares the runtime configuration and its flag surface.
//
// Flags are registered on a FlagSet, parsed by the cli, and read back into a
// Config with NewFromFlags. A TOML file named by --config-file supplies
// values that replace flag defaults; flags given explicitly always win.
package config

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"

	"tevisor.dev/tevisor/pkg/epc"
	tlog "tevisor.dev/tevisor/pkg/log"
	"tevisor.dev/tevisor/runtee/flag"
)

var log = tlog.Logger("config")

// Config holds the runtime configuration. Fields map one-to-one onto the
// registered flags through their tags.
type Config struct {
	// RootDir is the directory for runtime state and the boot lock.
	RootDir string `flag:"root"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is the log target; empty keeps stderr.
	LogFilename string `flag:"log"`

	// LogFormat selects the log output format, text or json.
	LogFormat string `flag:"log-format"`

	// ConfigFile names a TOML file applied under explicit flags.
	ConfigFile string `flag:"config-file"`

	// EPCSizeMiB is the enclave page cache capacity.
	EPCSizeMiB int `flag:"epc-size"`

	// Backend selects the virtualization backend by name; empty selects
	// the build default.
	Backend string `flag:"backend"`

	// EnclaveInterrupt leaves external interrupts unmasked in enclave
	// mode.
	EnclaveInterrupt bool `flag:"enclave-interrupt"`

	// MemEncrypt asks for memory-encrypted secure mappings.
	MemEncrypt bool `flag:"mem-encrypt"`

	// MaxEnclaves caps concurrent live enclaves.
	MaxEnclaves int `flag:"max-enclaves"`

	// MetricsAddr serves prometheus metrics when set.
	MetricsAddr string `flag:"metrics-addr"`

	// Mlock pins the page cache backing into memory.
	Mlock bool `flag:"mlock"`

	// GuestMemMiB sizes untrusted guest memory for backends that model
	// it.
	GuestMemMiB int `flag:"guest-mem"`
}

const flagTag = "flag"

// RegisterFlags registers the flags Config is populated from.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("root", "/var/run/runtee", "directory for runtime state and the boot lock.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path for logs; empty keeps stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("config-file", "", "TOML file whose values apply under explicit flags.")
	flagSet.Int("epc-size", 96, "enclave page cache capacity in MiB: 48, 96, 192 or 384.")
	flagSet.String("backend", "", "virtualization backend: vmx, svm or sim; empty selects the build default.")
	flagSet.Bool("enclave-interrupt", true, "leave external interrupts unmasked in enclave mode.")
	flagSet.Bool("mem-encrypt", false, "encrypt secure mappings where the hardware supports it.")
	flagSet.Int("max-enclaves", 64, "maximum number of live enclaves.")
	flagSet.String("metrics-addr", "", "address to serve prometheus metrics on; empty disables the endpoint.")
	flagSet.Bool("mlock", true, "lock the page cache backing into memory.")
	flagSet.Int("guest-mem", 0, "untrusted guest memory in MiB for backends that model it; zero selects the backend default.")
}

// NewFromFlags builds a Config from the parsed flag set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := new(Config)
	conf.readFlags(flagSet)
	if conf.ConfigFile != "" {
		if err := applyFile(flagSet, conf.ConfigFile); err != nil {
			return nil, err
		}
		conf.readFlags(flagSet)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// readFlags copies every flag value into its tagged field.
func (c *Config) readFlags(flagSet *flag.FlagSet) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup(flagTag)
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("flag %q is not registered", name))
		}
		obj.Field(i).Set(reflect.ValueOf(flag.Get(fl.Value)))
	}
}

// applyFile merges a TOML file into the flag set. Keys mirror flag names;
// flags set explicitly on the command line keep their values.
func applyFile(flagSet *flag.FlagSet, path string) error {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	for key, v := range raw {
		if key == "config-file" {
			return fmt.Errorf("config file %q: %q cannot be set from the file", path, key)
		}
		if flagSet.Lookup(key) == nil {
			return fmt.Errorf("config file %q: unknown key %q", path, key)
		}
		if explicit[key] {
			continue
		}
		s, err := tomlValue(v)
		if err != nil {
			return fmt.Errorf("config file %q: key %q: %w", path, key, err)
		}
		if err := flagSet.Set(key, s); err != nil {
			return fmt.Errorf("config file %q: key %q: %w", path, key, err)
		}
	}
	return nil
}

// tomlValue renders a decoded TOML scalar in flag syntax.
func tomlValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// Validate checks the constraints flag parsing cannot.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", c.LogFormat)
	}
	valid := false
	for _, s := range epc.ValidSizesMiB {
		if c.EPCSizeMiB == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid EPC size %d MiB, must be one of %v", c.EPCSizeMiB, epc.ValidSizesMiB)
	}
	if c.MaxEnclaves < 1 {
		return fmt.Errorf("max-enclaves must be positive, got %d", c.MaxEnclaves)
	}
	if c.GuestMemMiB < 0 {
		return fmt.Errorf("guest-mem cannot be negative, got %d", c.GuestMemMiB)
	}
	return nil
}

// ToFlags returns the command-line form of the configuration, naming only
// values that differ from the registered defaults.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup(flagTag)
		if !ok {
			continue
		}
		val := fmt.Sprint(obj.Field(i).Interface())
		if val == flagSet.Lookup(name).DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

// Log records the effective configuration.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup(flagTag)
		if !ok {
			continue
		}
		log.Infof("config: %s = %v", name, obj.Field(i).Interface())
	}
}
