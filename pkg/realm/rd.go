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

// Package realm defines the objects held by RD, REC and auxiliary REC
// granules.
//
// The realm state and REC count of an RD are read in two ways. A holder of
// the RD granule lock uses a Locked view and may read and write them
// directly. Code that only holds a reference keeping the RD alive, such as a
// running REC, uses a Ref view, which loads with acquire ordering and cannot
// store. Stores made through Locked use release ordering so that they pair
// with Ref loads.
package realm

import (
	"fmt"

	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/atomicbitops"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/measurement"
	"gvisor.dev/rmm/pkg/s2tt"
)

// State is the lifecycle state of a realm. It only moves forward.
type State uint32

// Realm states.
const (
	New State = iota
	Active
	SystemOff
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Active:
		return "ACTIVE"
	case SystemOff:
		return "SYSTEM_OFF"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// RD is a realm descriptor.
type RD struct {
	state    atomicbitops.Uint32
	recCount atomicbitops.Uint64

	// The fields below are protected by the RD granule lock. S2, Algo and
	// NumAux are immutable after creation and are copied into every REC.

	// S2 is the stage 2 translation context.
	S2 s2tt.Context

	// Algo is the measurement algorithm.
	Algo measurement.Algo

	// Measurements holds the RIM and the extensible measurements.
	Measurements measurement.Measurements

	// RPV is the realm personalization value.
	RPV [rmi.RPVSize]byte

	// NumAux is the number of auxiliary granules of each REC.
	NumAux int
}

// GranuleState implements granule.Payload.GranuleState.
func (*RD) GranuleState() granule.State {
	return granule.RD
}

// NewRD returns a realm descriptor in state New.
func NewRD(s2 s2tt.Context, algo measurement.Algo, rpv [rmi.RPVSize]byte, numAux int) *RD {
	return &RD{
		S2:     s2,
		Algo:   algo,
		RPV:    rpv,
		NumAux: numAux,
	}
}

// ExtendRIM replaces the RIM with the measurement of desc.
//
// Precondition: the RD granule is locked.
func (rd *RD) ExtendRIM(desc any) {
	rd.Measurements[measurement.RIMSlot] = measurement.Measure(rd.Algo, desc)
}

// RIM returns the realm initial measurement.
//
// Precondition: the RD granule is locked.
func (rd *RD) RIM() measurement.Digest {
	return rd.Measurements[measurement.RIMSlot]
}

// Locked is the view of an RD through its locked granule.
type Locked struct {
	g  *granule.Granule
	rd *RD
}

// LockedView returns the view of the RD held by g.
//
// Precondition: g is locked and in state RD.
func LockedView(g *granule.Granule) Locked {
	if g.State() != granule.RD {
		panic(fmt.Sprintf("%v is %v, not RD", g, g.State()))
	}
	return Locked{g: g, rd: g.Payload().(*RD)}
}

func (l Locked) check() {
	if !l.g.IsLocked() {
		panic(fmt.Sprintf("RD %v used without its lock", l.g))
	}
}

// RD returns the descriptor.
func (l Locked) RD() *RD {
	l.check()
	return l.rd
}

// State returns the realm state.
func (l Locked) State() State {
	l.check()
	return State(l.rd.state.RacyLoad())
}

// SetState advances the realm state.
func (l Locked) SetState(s State) {
	l.check()
	if cur := State(l.rd.state.RacyLoad()); s < cur {
		panic(fmt.Sprintf("realm state moving back from %v to %v", cur, s))
	}
	l.rd.state.Store(uint32(s))
}

// RecCount returns the number of RECs of the realm.
func (l Locked) RecCount() uint64 {
	l.check()
	return l.rd.recCount.RacyLoad()
}

// IncRecCount counts a new REC.
func (l Locked) IncRecCount() {
	l.check()
	l.rd.recCount.Store(l.rd.recCount.RacyLoad() + 1)
}

// DecRecCount drops a destroyed REC.
func (l Locked) DecRecCount() {
	l.check()
	n := l.rd.recCount.RacyLoad()
	if n == 0 {
		panic(fmt.Sprintf("RD %v: REC count underflow", l.g))
	}
	l.rd.recCount.Store(n - 1)
}

// Ref is the view of an RD kept alive by a reference rather than its lock.
type Ref struct {
	rd *RD
}

// State returns the realm state.
func (r Ref) State() State {
	return State(r.rd.state.Load())
}

// RecCount returns the number of RECs of the realm.
func (r Ref) RecCount() uint64 {
	return r.rd.recCount.Load()
}
