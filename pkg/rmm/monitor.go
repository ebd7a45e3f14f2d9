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

// Package rmm implements the realm management monitor: the host-facing
// management calls (RMI) and the realm-facing service calls (RSI) served
// while a REC runs.
//
// A Monitor owns the granule table of the managed memory. Each physical core
// calling into the monitor uses its own CPU, which holds the per-core buffer
// slots and lock bookkeeping. A CPU is not safe for concurrent use; distinct
// CPUs may be used concurrently and contend only on granule locks.
//
// Every call either succeeds or fails with an error carrying an RMI status
// (see rmmerr.StatusOf) and no observable side effect. Internal faults that
// put isolation in doubt panic.
package rmm

import (
	"fmt"
	"time"

	"gvisor.dev/rmm/pkg/arch"
	"gvisor.dev/rmm/pkg/attestation"
	"gvisor.dev/rmm/pkg/bitmap"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/log"
	"gvisor.dev/rmm/pkg/physmem"
	"gvisor.dev/rmm/pkg/s2tt"
	"gvisor.dev/rmm/pkg/slot"
	"gvisor.dev/rmm/pkg/sync"
)

// Defaults used for zero Config fields.
const (
	DefaultMaxIPABits       = s2tt.MaxIPABits
	DefaultMaxRunIterations = 64
	DefaultAttestMaxOps     = 16
)

// numVMIDs is the size of the VMID space.
const numVMIDs = 1 << 16

// Config configures a Monitor.
type Config struct {
	// CPUs is the number of cores that call into the monitor.
	CPUs int

	// MaxIPABits is the widest IPA space a realm may request. It is
	// reported by Features.
	MaxIPABits int

	// RecAuxCount is the number of auxiliary granules of each REC.
	RecAuxCount int

	// CheckLockOrder enables the granule lock order validator.
	CheckLockOrder bool

	// MaxRunIterations bounds the number of times a REC is resumed by one
	// REC_ENTER before the monitor returns to the host with an IRQ exit.
	MaxRunIterations int

	// AttestMaxOps is the signing work done per token continue call. It is
	// used only when Signer is nil.
	AttestMaxOps int

	// Signer signs attestation tokens. If nil, a signer with a fresh key
	// is generated.
	Signer attestation.Signer

	// Barriers performs barriers and TLB maintenance. If nil, arch.Native
	// is used.
	Barriers arch.Barriers

	// PAS controls the physical address space of granules. If nil, an
	// arch.MemPAS covering the managed memory is used.
	PAS arch.PAS

	// Executor runs realm code. If nil, RECs only take IRQ exits.
	Executor Executor
}

// Monitor is a realm management monitor instance.
type Monitor struct {
	conf     Config
	mem      *physmem.Memory
	granules *granule.Table
	signer   attestation.Signer
	barriers arch.Barriers
	pas      arch.PAS
	executor Executor

	// inputLog reports rejected calls. A misbehaving host can issue them
	// at a high rate.
	inputLog log.Logger

	vmidMu sync.Mutex
	// vmids is protected by vmidMu.
	vmids bitmap.Bitmap

	cpus []*CPU
}

// New returns a monitor managing mem. All granules start host owned.
func New(mem *physmem.Memory, conf Config) (*Monitor, error) {
	if conf.CPUs <= 0 {
		return nil, fmt.Errorf("invalid CPU count %d", conf.CPUs)
	}
	if conf.MaxIPABits == 0 {
		conf.MaxIPABits = DefaultMaxIPABits
	}
	if conf.MaxIPABits < s2tt.MinIPABits || conf.MaxIPABits > s2tt.MaxIPABits {
		return nil, fmt.Errorf("max IPA bits %d outside [%d, %d]", conf.MaxIPABits, s2tt.MinIPABits, s2tt.MaxIPABits)
	}
	if conf.RecAuxCount < 0 || conf.RecAuxCount > maxRecAux {
		return nil, fmt.Errorf("REC aux count %d outside [0, %d]", conf.RecAuxCount, maxRecAux)
	}
	if conf.MaxRunIterations <= 0 {
		conf.MaxRunIterations = DefaultMaxRunIterations
	}
	if conf.Signer == nil {
		maxOps := conf.AttestMaxOps
		if maxOps == 0 {
			maxOps = DefaultAttestMaxOps
		}
		s, err := attestation.GenerateECDSASigner(maxOps)
		if err != nil {
			return nil, err
		}
		conf.Signer = s
	}
	if conf.Barriers == nil {
		conf.Barriers = arch.Native{}
	}
	if conf.PAS == nil {
		conf.PAS = arch.NewMemPAS(mem.Base(), mem.Granules())
	}
	if conf.Executor == nil {
		conf.Executor = IdleExecutor{}
	}

	m := &Monitor{
		conf:     conf,
		mem:      mem,
		granules: granule.NewTable(mem.Base(), mem.Granules()),
		signer:   conf.Signer,
		barriers: conf.Barriers,
		pas:      conf.PAS,
		executor: conf.Executor,
		inputLog: log.BasicRateLimitedLogger(time.Second),
		vmids:    bitmap.New(numVMIDs),
	}
	m.cpus = make([]*CPU, conf.CPUs)
	for i := range m.cpus {
		m.cpus[i] = newCPU(m, i)
	}
	log.Infof("Monitor managing %d granules at %v, %d CPUs", mem.Granules(), mem.Base(), conf.CPUs)
	return m, nil
}

// Granules returns the granule table.
func (m *Monitor) Granules() *granule.Table {
	return m.granules
}

// PAS returns the physical address space controller.
func (m *Monitor) PAS() arch.PAS {
	return m.pas
}

// NumCPUs returns the number of cores.
func (m *Monitor) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns core i.
func (m *Monitor) CPU(i int) *CPU {
	return m.cpus[i]
}

// GranuleState returns the state of the granule at addr, or false if addr is
// not a managed granule. The result may be stale by the time it is used.
func (m *Monitor) GranuleState(addr hostarch.Addr) (granule.State, bool) {
	g := m.granules.Find(addr)
	if g == nil {
		return 0, false
	}
	o := granule.NewOrderChecker(false)
	o.Lock(g, granule.RankArg)
	defer o.Unlock(g)
	return g.State(), true
}

// reserveVMID claims vmid. It returns false if another realm uses it.
func (m *Monitor) reserveVMID(vmid uint16) bool {
	m.vmidMu.Lock()
	defer m.vmidMu.Unlock()
	return m.vmids.Add(uint32(vmid))
}

// releaseVMID returns vmid for reuse.
func (m *Monitor) releaseVMID(vmid uint16) {
	m.vmidMu.Lock()
	defer m.vmidMu.Unlock()
	if !m.vmids.Contains(uint32(vmid)) {
		panic(fmt.Sprintf("release of unused VMID %d", vmid))
	}
	m.vmids.Remove(uint32(vmid))
}

// CPU is the per-core state of the monitor.
type CPU struct {
	m      *Monitor
	id     int
	slots  *slot.Slots
	locks  *granule.OrderChecker
	walker s2tt.Walker
}

func newCPU(m *Monitor, id int) *CPU {
	c := &CPU{
		m:     m,
		id:    id,
		slots: slot.New(m.mem, m.pas),
		locks: granule.NewOrderChecker(m.conf.CheckLockOrder),
	}
	c.walker = s2tt.Walker{
		Granules: m.granules,
		Slots:    c.slots,
		Locks:    c.locks,
	}
	return c
}

// ID returns the index of the core.
func (c *CPU) ID() int {
	return c.id
}

// exit checks the state a call must leave behind and reports its outcome.
// Handlers defer it with a pointer to their named error result.
func (c *CPU) exit(op string, err *error) {
	c.slots.AssertEmpty()
	c.locks.AssertNone()
	if *err == nil {
		log.Debugf("CPU %d: %s: ok", c.id, op)
		return
	}
	st, idx := rmmerr.StatusOf(*err)
	c.m.inputLog.Debugf("CPU %d: %s: %v (index %d): %v", c.id, op, st, idx, *err)
}

// fatalf reports an internal fault and stops the monitor.
func fatalf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	log.Warningf("Fatal monitor error: %s", msg)
	panic(msg)
}
