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


// Package cmd holds implementations of the rmmsim commands.
package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
	abiattest "gvisor.dev/rmm/pkg/abi/attestation"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/log"
	"gvisor.dev/rmm/pkg/physmem"
	"gvisor.dev/rmm/pkg/rmm"
	"gvisor.dev/rmm/rmmsim/config"
	"gvisor.dev/rmm/rmmsim/hostmodel"
)

// Realm layout shared by the commands. Realms use a 40 bit IPA space with
// the unprotected half starting at bit 39.
const (
	realmIPABits    = 40
	realmStartLevel = 1
	codeIPA         = hostarch.Addr(0x1000)
	tokenIPA        = hostarch.Addr(0x20000)
	consoleIPA      = hostarch.Addr(1<<(realmIPABits-1) + 0x100)
)

// env is a monitor on freshly mapped memory and the host driving it.
type env struct {
	mem  *physmem.Memory
	host *hostmodel.Host
}

func newEnv(conf *config.Config, mc rmm.Config) (*env, error) {
	mem, err := physmem.New(hostarch.Addr(conf.MemBase), conf.Granules)
	if err != nil {
		return nil, fmt.Errorf("mapping memory: %w", err)
	}
	m, err := rmm.New(mem, mc)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("creating monitor: %w", err)
	}
	return &env{mem: mem, host: hostmodel.New(m, mem)}, nil
}

// checkReturned fails if the host did not get all of its memory back.
func (e *env) checkReturned() error {
	if got, want := e.host.Available(), e.mem.Granules(); got != want {
		return fmt.Errorf("%d of %d granules were not returned to the host", want-got, want)
	}
	return nil
}

func (e *env) Close() {
	if err := e.mem.Close(); err != nil {
		log.Warningf("Unmapping memory: %v", err)
	}
}

// challengeFlag is an attestation challenge given in hex. Short values are
// zero padded.
type challengeFlag [abiattest.ChallengeSize]byte

// String implements flag.Value.
func (c *challengeFlag) String() string {
	return hex.EncodeToString(c[:])
}

// Get implements flag.Getter.
func (c *challengeFlag) Get() any {
	return c
}

// Set implements flag.Value.
func (c *challengeFlag) Set(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid challenge: %v", err)
	}
	if len(b) > len(c) {
		return fmt.Errorf("challenge of %d bytes exceeds %d", len(b), len(c))
	}
	*c = challengeFlag{}
	copy(c[:], b)
	return nil
}

// regs returns the challenge as passed in registers.
func (c *challengeFlag) regs() []uint64 {
	regs := make([]uint64, abiattest.ChallengeRegs)
	for i := range regs {
		regs[i] = binary.LittleEndian.Uint64(c[i*8:])
	}
	return regs
}

// writeConsole writes the console output of a realm to w. A terminal gets
// the raw output in green; anything else a quoted line.
func writeConsole(w io.Writer, out []byte) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(w, "console: %q\n", out)
		return
	}
	t := term.NewTerminal(f, "")
	t.Write(t.Escape.Green)
	t.Write(out)
	t.Write(t.Escape.Reset)
}
