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

package rmm

import (
	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/slot"
)

// Version returns the RMI ABI version.
func (c *CPU) Version() uint64 {
	return rmi.Version()
}

// Features returns feature register index. Only register 0 is defined.
func (c *CPU) Features(index uint64) uint64 {
	if index != 0 {
		return 0
	}
	return uint64(c.m.conf.MaxIPABits)<<rmi.Feature0S2SZShift |
		rmi.Feature0HashSHA256 | rmi.Feature0HashSHA512
}

// GranuleDelegate moves the host granule at addr to the realm PAS.
func (c *CPU) GranuleDelegate(addr hostarch.Addr) (err error) {
	defer c.exit("GRANULE_DELEGATE", &err)

	g := c.m.granules.FindLock(c.locks, addr, granule.HostOwned)
	if g == nil {
		return rmmerr.Inputf("%v is not a host granule", addr)
	}
	defer c.locks.Unlock(g)

	if err := c.m.pas.MarkSecure(addr); err != nil {
		return rmmerr.Inputf("delegating %v: %v", addr, err)
	}
	// The host may have left data in the granule.
	c.slots.Zero(g, slot.Delegated)
	g.Transition(granule.Delegated, nil)
	return nil
}

// GranuleUndelegate returns the delegated granule at addr to the host.
func (c *CPU) GranuleUndelegate(addr hostarch.Addr) (err error) {
	defer c.exit("GRANULE_UNDELEGATE", &err)

	g := c.m.granules.FindLock(c.locks, addr, granule.Delegated)
	if g == nil {
		return rmmerr.Inputf("%v is not a delegated granule", addr)
	}
	defer c.locks.Unlock(g)

	if g.Refs() != 0 {
		return rmmerr.ErrInUse
	}
	c.slots.Zero(g, slot.Delegated)
	if err := c.m.pas.MarkNonSecure(addr); err != nil {
		fatalf("undelegating %v: %v", addr, err)
	}
	g.Transition(granule.HostOwned, nil)
	return nil
}
