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


package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	abiattest "gvisor.dev/rmm/pkg/abi/attestation"
	"gvisor.dev/rmm/pkg/abi/rsi"
	"gvisor.dev/rmm/pkg/attestation"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/cleanup"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/log"
	"gvisor.dev/rmm/pkg/measurement"
	"gvisor.dev/rmm/pkg/rmm"
	"gvisor.dev/rmm/rmmsim/cmd/util"
	"gvisor.dev/rmm/rmmsim/config"
	"gvisor.dev/rmm/rmmsim/hostmodel"
)

var hashAlgos = map[string]measurement.Algo{
	"sha256": measurement.SHA256,
	"sha512": measurement.SHA512,
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	entries   int
	challenge challengeFlag
	hashAlgo  string
	message   string
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "Build a realm, run it to completion and verify its attestation token."
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] - Build a realm, run it to completion and verify its attestation token.

The realm extends a measurement, fetches an attestation token for the given
challenge, reads its initial measurement and writes a message to a console.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.entries, "entries", 256, "maximum number of REC entries.")
	f.Var(&s.challenge, "challenge", "attestation challenge in hex, up to 64 bytes.")
	f.StringVar(&s.hashAlgo, "hash-algo", "sha256", "measurement algorithm of the realm: sha256 or sha512.")
	f.StringVar(&s.message, "message", "hello from the realm\n", "message the realm writes to its console.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(conf, os.Stdout); err != nil {
		util.Fatalf("scenario: %v", err)
	}
	return subcommands.ExitSuccess
}

// scenarioResult is what the realm observed while running.
type scenarioResult struct {
	tokenStatus uint64
	token       []byte
	rimStatus   uint64
	rim         [measurement.MaxSize]byte
}

// program returns the code of the realm. It records its observations in res.
func (s *Scenario) program(res *scenarioResult) *hostmodel.Program {
	var ins []hostmodel.Instruction
	ins = append(ins,
		hostmodel.SMC(rsi.FnMeasurementExtend, 1, 8, 0x0123456789abcdef),
		hostmodel.SMC(rsi.FnAttestTokenInit, append([]uint64{uint64(tokenIPA)}, s.challenge.regs()...)...),
		hostmodel.SMC(rsi.FnAttestTokenContinue, uint64(tokenIPA)),
		hostmodel.BranchIfEqual(0, uint64(rsi.Incomplete), -1),
		hostmodel.Call(func(v *rmm.VCPU) {
			res.tokenStatus = v.Reg(0)
			if res.tokenStatus != uint64(rsi.Success) || v.Reg(1) > abiattest.TokenBufferSize {
				return
			}
			res.token = make([]byte, v.Reg(1))
			if !v.Load(tokenIPA, res.token) {
				res.token = nil
			}
		}),
		hostmodel.SMC(rsi.FnMeasurementRead, measurement.RIMSlot),
		hostmodel.Call(func(v *rmm.VCPU) {
			res.rimStatus = v.Reg(0)
			for i := 0; i < measurement.MaxSize/8; i++ {
				binary.LittleEndian.PutUint64(res.rim[i*8:], v.Reg(1+i))
			}
		}),
	)
	for _, b := range []byte(s.message) {
		ins = append(ins, hostmodel.Mov(1, uint64(b)), hostmodel.MMIOWrite(consoleIPA, 1))
	}
	ins = append(ins, hostmodel.SMC(rsi.FnPSCISystemOff))
	return &hostmodel.Program{Base: codeIPA, Code: ins}
}

func (s *Scenario) run(conf *config.Config, w io.Writer) error {
	algo, ok := hashAlgos[s.hashAlgo]
	if !ok {
		return fmt.Errorf("unknown hash algorithm %q", s.hashAlgo)
	}
	signer, err := attestation.GenerateECDSASigner(conf.AttestMaxOps)
	if err != nil {
		return err
	}
	var res scenarioResult
	prog := s.program(&res)

	mc := conf.Monitor()
	mc.Signer = signer
	mc.Executor = prog
	e, err := newEnv(conf, mc)
	if err != nil {
		return err
	}
	defer e.Close()
	c := e.host.Monitor().CPU(0)

	r, err := e.host.CreateRealm(c, hostmodel.RealmSpec{
		VMID:       1,
		IPABits:    realmIPABits,
		StartLevel: realmStartLevel,
		HashAlgo:   algo,
	})
	if err != nil {
		return err
	}
	cu := cleanup.Make(func() {
		if err := r.Destroy(c); err != nil {
			log.Warningf("Destroying realm: %v", err)
		}
	})
	defer cu.Clean()

	// The code page carries the message so that it is part of the RIM.
	image := make([]byte, hostarch.GranuleSize)
	copy(image, s.message)
	if err := r.AddData(c, codeIPA, image); err != nil {
		return err
	}
	// The token buffer is RAM the host backs when the realm first writes it.
	if err := r.InitRIPAS(c, tokenIPA); err != nil {
		return err
	}
	rec, err := r.CreateREC(c, 0, uint64(codeIPA), true)
	if err != nil {
		return err
	}
	if err := r.Activate(c); err != nil {
		return err
	}

	console := &hostmodel.Console{}
	st, stop, err := r.Run(c, rec, console, s.entries)
	if err != nil {
		return err
	}
	log.Infof("Realm stopped (%v) after %+v", stop, st)
	if stop != hostmodel.StopSystemOff {
		return fmt.Errorf("realm did not shut down: stopped with %v after %d entries", stop, st.Entries)
	}

	if res.tokenStatus != uint64(rsi.Success) {
		return fmt.Errorf("token request failed with %v", rsi.Status(res.tokenStatus))
	}
	if res.rimStatus != uint64(rsi.Success) {
		return fmt.Errorf("measurement read failed with %v", rsi.Status(res.rimStatus))
	}
	tok, err := attestation.Parse(res.token)
	if err != nil {
		return fmt.Errorf("parsing token: %w", err)
	}
	if !tok.Verify(signer.PublicKey()) {
		return fmt.Errorf("token signature does not verify")
	}
	if got := tok.Lookup(abiattest.ClaimChallenge); len(got) != 1 || !bytes.Equal(got[0], s.challenge[:]) {
		return fmt.Errorf("token challenge %x does not match %x", got, s.challenge[:])
	}
	rim := res.rim[:algo.Size()]
	if got := tok.Lookup(abiattest.ClaimInitialMeas); len(got) != 1 || !bytes.Equal(got[0], rim) {
		return fmt.Errorf("token RIM %x does not match realm RIM %x", got, rim)
	}

	writeConsole(w, console.Output)
	fmt.Fprintf(w, "exits: %+v\n", st)
	fmt.Fprintf(w, "RIM (%v): %s\n", algo, hex.EncodeToString(rim))
	fmt.Fprintf(w, "token: %d bytes, %d claims, signature verified\n", len(res.token), len(tok.Claims))

	cu.Release()
	if err := r.Destroy(c); err != nil {
		return err
	}
	return e.checkReturned()
}
