// Copyright 2026 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for rmmsim. Each setting that can be changed from the command line must
// have a corresponding flag name, defined in the `flag` tag, and may also be
// read from a TOML file, using the name in the `toml` tag.
package config

import (
	"fmt"

	"github.com/mohae/deepcopy"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/log"
	"gvisor.dev/rmm/pkg/rmm"
	"gvisor.dev/rmm/pkg/s2tt"
)

// Config holds configuration that is not part of the simulated host's
// requests.
type Config struct {
	// File is the TOML file the configuration was read from, if any.
	File string `flag:"config" toml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %TIMESTAMP% and %COMMAND%.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug_log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// MemBase is the physical address of the first managed granule.
	MemBase uint64 `flag:"mem-base" toml:"mem_base"`

	// Granules is the number of managed granules.
	Granules int `flag:"granules" toml:"granules"`

	// CPUs is the number of simulated cores.
	CPUs int `flag:"cpus" toml:"cpus"`

	// MaxIPABits is the widest IPA space a realm may request.
	MaxIPABits int `flag:"max-ipa-bits" toml:"max_ipa_bits"`

	// RecAuxCount is the number of auxiliary granules per REC.
	RecAuxCount int `flag:"rec-aux" toml:"rec_aux"`

	// AttestMaxOps bounds the signing work done per token continue call.
	// Zero or less means unbounded.
	AttestMaxOps int `flag:"attest-max-ops" toml:"attest_max_ops"`

	// MaxRunIterations bounds the guest resumptions per REC entry.
	MaxRunIterations int `flag:"max-run-iterations" toml:"max_run_iterations"`

	// CheckLockOrder enables the granule lock order validator.
	CheckLockOrder bool `flag:"check-lock-order" toml:"check_lock_order"`
}

func (c *Config) validate() error {
	for _, f := range []string{c.LogFormat, c.DebugLogFormat} {
		if f != "text" && f != "json" {
			return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", f)
		}
	}
	if !hostarch.Addr(c.MemBase).IsGranuleAligned() {
		return fmt.Errorf("memory base %#x is not granule aligned", c.MemBase)
	}
	if c.Granules <= 0 {
		return fmt.Errorf("granule count must be positive, got %d", c.Granules)
	}
	if _, ok := hostarch.Addr(c.MemBase).AddLength(uint64(c.Granules) << hostarch.GranuleShift); !ok {
		return fmt.Errorf("%d granules at %#x overflow the address space", c.Granules, c.MemBase)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("CPU count must be positive, got %d", c.CPUs)
	}
	if c.MaxIPABits < s2tt.MinIPABits || c.MaxIPABits > s2tt.MaxIPABits {
		return fmt.Errorf("max IPA bits %d outside [%d, %d]", c.MaxIPABits, s2tt.MinIPABits, s2tt.MaxIPABits)
	}
	if c.RecAuxCount < 0 {
		return fmt.Errorf("negative REC aux count %d", c.RecAuxCount)
	}
	if c.MaxRunIterations <= 0 {
		return fmt.Errorf("run iterations must be positive, got %d", c.MaxRunIterations)
	}
	return nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Monitor returns the monitor configuration described by c. Fields that are
// not configurable take their defaults.
func (c *Config) Monitor() rmm.Config {
	return rmm.Config{
		CPUs:             c.CPUs,
		MaxIPABits:       c.MaxIPABits,
		RecAuxCount:      c.RecAuxCount,
		CheckLockOrder:   c.CheckLockOrder,
		MaxRunIterations: c.MaxRunIterations,
		AttestMaxOps:     c.AttestMaxOps,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	if c.File != "" {
		log.Infof("\t\tFile: %s", c.File)
	}
	log.Infof("\t\tMemory: %d granules at %#x", c.Granules, c.MemBase)
	log.Infof("\t\tCPUs: %d", c.CPUs)
	log.Infof("\t\tMaxIPABits: %d", c.MaxIPABits)
	log.Infof("\t\tRecAuxCount: %d", c.RecAuxCount)
	log.Infof("\t\tAttestMaxOps: %d", c.AttestMaxOps)
	log.Infof("\t\tMaxRunIterations: %d", c.MaxRunIterations)
	log.Infof("\t\tCheckLockOrder: %t", c.CheckLockOrder)
	log.Infof("\t\tDebug: %t", c.Debug)
}
