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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/abi/rsi"
	"gvisor.dev/rmm/pkg/atomicbitops"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/cleanup"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/log"
	"gvisor.dev/rmm/pkg/rmm"
	"gvisor.dev/rmm/rmmsim/cmd/util"
	"gvisor.dev/rmm/rmmsim/config"
	"gvisor.dev/rmm/rmmsim/hostmodel"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	entries int
	recs    int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "Enter the RECs of one realm from all CPUs at once."
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - Enter the RECs of one realm from all CPUs at once.

Every CPU enters the RECs in turn, so CPUs race for the same REC. The RECs
extend a measurement in a loop and only exit when preempted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.entries, "entries", 1000, "number of REC entries made by each CPU.")
	f.IntVar(&s.recs, "recs", 0, "number of RECs. If 0, one REC per CPU is created.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(conf, os.Stdout); err != nil {
		util.Fatalf("stress: %v", err)
	}
	return subcommands.ExitSuccess
}

// stressProgram extends measurement slot 1 forever.
var stressProgram = &hostmodel.Program{
	Base: codeIPA,
	Code: []hostmodel.Instruction{
		hostmodel.SMC(rsi.FnMeasurementExtend, 1, 8, 0x5354524553530000),
		// X31 reads as zero.
		hostmodel.BranchIfEqual(31, 0, -1),
	},
}

type stressStats struct {
	entries atomicbitops.Uint64
	busy    atomicbitops.Uint64
}

func (s *Stress) run(conf *config.Config, w io.Writer) error {
	mc := conf.Monitor()
	mc.Executor = stressProgram
	e, err := newEnv(conf, mc)
	if err != nil {
		return err
	}
	defer e.Close()
	m := e.host.Monitor()
	c := m.CPU(0)

	r, err := e.host.CreateRealm(c, hostmodel.RealmSpec{
		VMID:       1,
		IPABits:    realmIPABits,
		StartLevel: realmStartLevel,
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

	if err := r.AddData(c, codeIPA, make([]byte, hostarch.GranuleSize)); err != nil {
		return err
	}
	n := s.recs
	if n <= 0 {
		n = m.NumCPUs()
	}
	for i := 0; i < n; i++ {
		if _, err := r.CreateREC(c, uint64(i), uint64(codeIPA), true); err != nil {
			return err
		}
	}
	if err := r.Activate(c); err != nil {
		return err
	}

	var st stressStats
	start := time.Now()
	var g errgroup.Group
	for i := 0; i < m.NumCPUs(); i++ {
		cpu := m.CPU(i)
		g.Go(func() error {
			return s.enterLoop(e.host, r, cpu, &st)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Fprintf(w, "%d entries on %d CPUs to %d RECs in %v, %d busy retries\n",
		st.entries.Load(), m.NumCPUs(), n, elapsed, st.busy.Load())

	cu.Release()
	if err := r.Destroy(c); err != nil {
		return err
	}
	return e.checkReturned()
}

// enterLoop enters the RECs of r in turn from cpu. Each CPU has its own run
// granule.
func (s *Stress) enterLoop(h *hostmodel.Host, r *hostmodel.Realm, cpu *rmm.CPU, st *stressStats) error {
	run, err := h.Alloc()
	if err != nil {
		return err
	}
	defer h.Free(run)
	clear(h.Page(run))

	recs := r.RECs()
	for i := 0; i < s.entries; i++ {
		rec := recs[(cpu.ID()+i)%len(recs)]
		err := hostmodel.Retry(func() error {
			err := cpu.RecEnter(rec.Addr, run)
			if errors.Is(err, rmmerr.ErrInUse) {
				st.busy.Add(1)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("CPU %d entering REC %#x: %w", cpu.ID(), rec.MPIDR, err)
		}
		st.entries.Add(1)

		var exit rmi.RecExit
		binary.Unmarshal(h.Page(run)[rmi.RecRunExit:], binary.LittleEndian, &exit)
		if reason := rmi.ExitReason(exit.Reason); reason != rmi.ExitIRQ {
			return fmt.Errorf("CPU %d: REC %#x exited with %v", cpu.ID(), rec.MPIDR, reason)
		}
	}
	return nil
}
