// Copyright 2020 The gVisor Authors.
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
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/rmm/pkg/rmm"
	"gvisor.dev/rmm/pkg/s2tt"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with configuration. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control the simulated platform.
	flagSet.Uint64("mem-base", 0x80000000, "physical address of the first managed granule.")
	flagSet.Int("granules", 256, "number of managed granules.")
	flagSet.Int("cpus", 4, "number of simulated cores.")
	flagSet.Int("max-ipa-bits", s2tt.MaxIPABits, "widest IPA space a realm may request.")
	flagSet.Int("rec-aux", 1, "number of auxiliary granules per REC.")
	flagSet.Int("attest-max-ops", rmm.DefaultAttestMaxOps, "signing work done per attestation token continue call. 0 or less is unbounded.")
	flagSet.Int("max-run-iterations", rmm.DefaultMaxRunIterations, "guest resumptions per REC entry before an IRQ exit.")
	flagSet.Bool("check-lock-order", true, "panic on granule lock order violations.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, the TOML file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		setField(obj.Field(i), flagSet, name)
	}

	if conf.File != "" {
		if _, err := toml.DecodeFile(conf.File, conf); err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", conf.File, err)
		}
		// Reapply the flags that were set explicitly.
		flagSet.Visit(func(fl *flag.Flag) {
			for i := 0; i < st.NumField(); i++ {
				if name, ok := st.Field(i).Tag.Lookup("flag"); ok && name == fl.Name {
					setField(obj.Field(i), flagSet, name)
				}
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func setField(field reflect.Value, flagSet *flag.FlagSet, name string) {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
	field.Set(x)
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
