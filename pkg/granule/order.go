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

package granule

import (
	"fmt"
	"strings"
)

// Rank is the lock class of a granule acquisition. See the package comment.
type Rank uint8

const (
	// RankArg is the rank of granules named by call arguments.
	RankArg Rank = 0

	// rankWalkBase is the rank of a table at level 0.
	rankWalkBase Rank = 1

	// RankEntry is the rank of granules resolved from a locked table entry.
	RankEntry Rank = 8
)

// WalkRank returns the rank of a table granule at the given level.
func WalkRank(level int) Rank {
	if level < 0 || level > 3 {
		panic(fmt.Sprintf("invalid table level %d", level))
	}
	return rankWalkBase + Rank(level)
}

func (r Rank) String() string {
	switch {
	case r == RankArg:
		return "arg"
	case r == RankEntry:
		return "entry"
	case r >= rankWalkBase && r < rankWalkBase+4:
		return fmt.Sprintf("walk-L%d", r-rankWalkBase)
	default:
		return fmt.Sprintf("rank(%d)", uint8(r))
	}
}

type heldLock struct {
	g    *Granule
	rank Rank
}

// OrderChecker acquires and releases granule locks for one CPU, remembering
// which locks are held.
//
// When checking is enabled every acquisition is validated against the locks
// already held and a violation of the lock order panics. An OrderChecker must
// only be used by one goroutine at a time.
type OrderChecker struct {
	check bool
	held  []heldLock
}

// NewOrderChecker returns an OrderChecker. If check is false the lock order is
// not validated, but held locks are still tracked.
func NewOrderChecker(check bool) *OrderChecker {
	return &OrderChecker{check: check}
}

// Lock locks g at rank r.
func (o *OrderChecker) Lock(g *Granule, r Rank) {
	if o.check {
		o.validate(g, r)
	}
	g.mu.Lock()
	o.held = append(o.held, heldLock{g: g, rank: r})
}

func (o *OrderChecker) validate(g *Granule, r Rank) {
	for _, h := range o.held {
		if h.g == g {
			panic(fmt.Sprintf("lock order: %v locked twice (%v, %v)", g, h.rank, r))
		}
		if h.rank < r || (h.rank == r && h.g.addr < g.addr) {
			continue
		}
		panic(fmt.Sprintf("lock order: %v at %v acquired while holding %v at %v; held: %s", g, r, h.g, h.rank, o.describe()))
	}
}

func (o *OrderChecker) describe() string {
	var b strings.Builder
	for i, h := range o.held {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v@%v", h.g.addr, h.rank)
	}
	return b.String()
}

// Unlock unlocks g, which must have been locked through o.
func (o *OrderChecker) Unlock(g *Granule) {
	for i := len(o.held) - 1; i >= 0; i-- {
		if o.held[i].g == g {
			o.held = append(o.held[:i], o.held[i+1:]...)
			g.mu.Unlock()
			return
		}
	}
	panic(fmt.Sprintf("%v unlocked but not held", g))
}

// UnlockAll unlocks every granule in gs, skipping nil entries.
func (o *OrderChecker) UnlockAll(gs ...*Granule) {
	for _, g := range gs {
		if g != nil {
			o.Unlock(g)
		}
	}
}

// Held returns the number of locks currently held.
func (o *OrderChecker) Held() int {
	return len(o.held)
}

// AssertNone panics if any lock is held. It is called at every call
// boundary.
func (o *OrderChecker) AssertNone() {
	if len(o.held) != 0 {
		panic(fmt.Sprintf("granule locks held across a call boundary: %s", o.describe()))
	}
}
