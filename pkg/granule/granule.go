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

// Package granule tracks the owner and state of every granule of managed
// physical memory.
//
// Each granule carries a state tag, a spin lock and a reference count. The
// state and the payload attached to it may only be read or changed while the
// lock is held. The reference count is atomic and may be used without the
// lock; it records transient users such as a REC that is currently running.
//
// # Lock ordering
//
// Operations that lock more than one granule acquire them in increasing
// (Rank, address) order:
//
//   - RankArg: granules named by the arguments of a call, in ascending
//     physical address order. No RankArg lock is taken while a lock of a
//     higher rank is held.
//   - WalkRank(level): translation table granules reached by walking from a
//     realm's root tables, root to leaf, hand-over-hand.
//   - RankEntry: granules resolved from a table entry while the table holding
//     that entry is locked, such as a child table or a data granule.
//
// Table granules are only ever locked by descending the tree, so a child is
// never locked before its parent. OrderChecker validates the order at
// runtime when enabled.
package granule

import (
	"fmt"

	"gvisor.dev/rmm/pkg/atomicbitops"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/sync"
)

// State is the ownership state of a granule.
type State uint8

// Granule states.
const (
	// HostOwned granules belong to the host and are non-secure.
	HostOwned State = iota

	// Delegated granules belong to the monitor and hold no object. Their
	// contents are zero.
	Delegated

	// RD granules hold a realm descriptor.
	RD

	// REC granules hold a realm execution context.
	REC

	// RECAux granules are auxiliary storage of a REC.
	RECAux

	// RTT granules hold a realm translation table.
	RTT

	// Data granules hold realm memory.
	Data
)

// NumStates is the number of granule states.
const NumStates = int(Data) + 1

var stateNames = [...]string{
	HostOwned: "NS",
	Delegated: "DELEGATED",
	RD:        "RD",
	REC:       "REC",
	RECAux:    "REC_AUX",
	RTT:       "RTT",
	Data:      "DATA",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Payload is the object a granule holds in a given state.
type Payload interface {
	// GranuleState returns the state of the granules that may hold this
	// payload.
	GranuleState() State
}

// Granule is the monitor's record of one granule.
type Granule struct {
	mu sync.SpinMutex

	// addr is the physical address of the granule. It is immutable.
	addr hostarch.Addr

	// state is protected by mu.
	state State

	// payload is protected by mu. It is nil or matches state.
	payload Payload

	// refs counts transient users that do not hold mu.
	refs atomicbitops.Uint64
}

// Addr returns the physical address of g.
func (g *Granule) Addr() hostarch.Addr {
	return g.addr
}

// String implements fmt.Stringer.
func (g *Granule) String() string {
	return fmt.Sprintf("granule %v", g.addr)
}

func (g *Granule) assertLocked() {
	if !g.mu.IsLocked() {
		panic(fmt.Sprintf("%v accessed without its lock", g))
	}
}

// IsLocked reports whether g is locked by anybody.
func (g *Granule) IsLocked() bool {
	return g.mu.IsLocked()
}

// State returns the state of g.
//
// Precondition: g is locked.
func (g *Granule) State() State {
	g.assertLocked()
	return g.state
}

// Payload returns the object held by g, or nil.
//
// Precondition: g is locked.
func (g *Granule) Payload() Payload {
	g.assertLocked()
	return g.payload
}

// Transition moves g to state to with payload p, which must be nil or match
// to.
//
// Precondition: g is locked.
func (g *Granule) Transition(to State, p Payload) {
	g.assertLocked()
	if p != nil && p.GranuleState() != to {
		panic(fmt.Sprintf("%v: payload for %v attached in state %v", g, p.GranuleState(), to))
	}
	g.state = to
	g.payload = p
}

// Get takes a reference on g.
func (g *Granule) Get() {
	g.refs.Add(1)
}

// TryGetExclusive takes the first reference on g. It fails if g already has
// a reference.
func (g *Granule) TryGetExclusive() bool {
	return g.refs.CompareAndSwap(0, 1)
}

// Put drops a reference on g.
func (g *Granule) Put() {
	if g.refs.Sub(1) == ^uint64(0) {
		panic(fmt.Sprintf("%v: reference count underflow", g))
	}
}

// Refs returns the reference count of g.
func (g *Granule) Refs() uint64 {
	return g.refs.Load()
}
