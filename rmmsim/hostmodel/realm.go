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

package hostmodel

import (
	"fmt"

	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/cleanup"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/log"
	"gvisor.dev/rmm/pkg/measurement"
	"gvisor.dev/rmm/pkg/rmm"
	"gvisor.dev/rmm/pkg/s2tt"
	"gvisor.dev/rmm/pkg/sync"
)

// RealmSpec describes a realm to build.
type RealmSpec struct {
	// VMID must be unique among live realms.
	VMID uint16

	// IPABits is the width of the IPA space.
	IPABits int

	// StartLevel is the level of the root tables.
	StartLevel int

	// HashAlgo is the measurement algorithm.
	HashAlgo measurement.Algo

	// RPV is the personalization value.
	RPV [rmi.RPVSize]byte
}

// table is an RTT created by the host.
type table struct {
	addr  hostarch.Addr
	ipa   hostarch.Addr
	level int
}

// Realm is a realm built by the host. It is safe for concurrent use; the
// host serializes its own changes to the realm's tables.
type Realm struct {
	h    *Host
	spec RealmSpec

	// RD is the address of the realm descriptor.
	RD hostarch.Addr

	rootBase hostarch.Addr
	numRoots int

	mu sync.Mutex

	// tables are the non-root tables in creation order.
	tables []table

	// pages maps the IPA of each page to its data granule.
	pages map[hostarch.Addr]hostarch.Addr

	recs []*REC
}

// CreateRealm creates a realm with c. The realm is new: it can be populated
// and must be activated before RECs run.
func (h *Host) CreateRealm(c *rmm.CPU, spec RealmSpec) (*Realm, error) {
	n, ok := s2tt.RootTables(spec.IPABits, spec.StartLevel)
	if !ok {
		return nil, fmt.Errorf("unsupported geometry: %d IPA bits from level %d", spec.IPABits, spec.StartLevel)
	}
	r := &Realm{
		h:        h,
		spec:     spec,
		numRoots: n,
		pages:    make(map[hostarch.Addr]hostarch.Addr),
	}

	rd, err := h.Delegate(c)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { h.Undelegate(c, rd) })
	defer cu.Clean()

	roots, err := h.DelegateContiguous(c, n)
	if err != nil {
		return nil, err
	}
	cu.Add(func() {
		for i := 0; i < n; i++ {
			h.Undelegate(c, roots+hostarch.Addr(i)<<hostarch.GranuleShift)
		}
	})

	params, err := h.Alloc()
	if err != nil {
		return nil, err
	}
	defer h.Free(params)
	h.Write(params, &rmi.RealmParams{
		S2SZ:          uint64(spec.IPABits),
		HashAlgo:      uint64(spec.HashAlgo),
		RPV:           spec.RPV,
		VMID:          uint64(spec.VMID),
		RTTBase:       uint64(roots),
		RTTLevelStart: int64(spec.StartLevel),
		RTTNumStart:   uint64(n),
	})
	if err := c.RealmCreate(rd, params); err != nil {
		return nil, fmt.Errorf("creating realm: %w", err)
	}
	cu.Release()

	r.RD = rd
	r.rootBase = roots
	log.Infof("Created realm %v, VMID %d, %d-bit IPA, %d roots at %v", rd, spec.VMID, spec.IPABits, n, roots)
	return r, nil
}

// Activate activates the realm with c.
func (r *Realm) Activate(c *rmm.CPU) error {
	return c.RealmActivate(r.RD)
}

// EnsureTables creates the missing tables down to level on the path to ipa.
func (r *Realm) EnsureTables(c *rmm.CPU, ipa hostarch.Addr, level int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureTablesLocked(c, ipa, level)
}

// Preconditions: r.mu is locked.
func (r *Realm) ensureTablesLocked(c *rmm.CPU, ipa hostarch.Addr, level int) error {
	for l := r.spec.StartLevel + 1; l <= level; l++ {
		parent := ipa &^ hostarch.Addr(s2tt.MapSize(l-1)-1)
		ent, err := c.RTTReadEntry(r.RD, parent, l-1)
		if err != nil {
			return err
		}
		if ent.Level == l-1 && ent.State == rmi.RTTTable {
			continue
		}
		addr, err := r.h.Delegate(c)
		if err != nil {
			return err
		}
		if err := c.RTTCreate(r.RD, addr, parent, l); err != nil {
			r.h.Undelegate(c, addr)
			return fmt.Errorf("creating level %d table at %v: %w", l, parent, err)
		}
		r.tables = append(r.tables, table{addr: addr, ipa: parent, level: l})
	}
	return nil
}

// InitRIPAS gives the unbacked page at ipa RIPAS RAM. The realm must be new.
func (r *Realm) InitRIPAS(c *rmm.CPU, ipa hostarch.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initRIPASLocked(c, ipa)
}

// Preconditions: r.mu is locked.
func (r *Realm) initRIPASLocked(c *rmm.CPU, ipa hostarch.Addr) error {
	if err := r.ensureTablesLocked(c, ipa, s2tt.MaxLevel); err != nil {
		return err
	}
	if err := c.RTTInitRIPAS(r.RD, ipa, s2tt.MaxLevel); err != nil {
		return fmt.Errorf("setting RIPAS of %v: %w", ipa, err)
	}
	return nil
}

// AddData copies content into a new measured page at ipa, which gets RIPAS
// RAM. The realm must be new.
func (r *Realm) AddData(c *rmm.CPU, ipa hostarch.Addr, content []byte) error {
	if len(content) > hostarch.GranuleSize {
		return fmt.Errorf("%d bytes do not fit a granule", len(content))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.initRIPASLocked(c, ipa); err != nil {
		return err
	}
	src, err := r.h.Alloc()
	if err != nil {
		return err
	}
	defer r.h.Free(src)
	page := r.h.Page(src)
	clear(page)
	copy(page, content)

	data, err := r.h.Delegate(c)
	if err != nil {
		return err
	}
	if err := c.DataCreate(r.RD, data, ipa, src, rmi.DataMeasureContent); err != nil {
		r.h.Undelegate(c, data)
		return fmt.Errorf("creating page %v: %w", ipa, err)
	}
	r.pages[ipa] = data
	return nil
}

// AddUnknown backs ipa with a zeroed page.
func (r *Realm) AddUnknown(c *rmm.CPU, ipa hostarch.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureTablesLocked(c, ipa, s2tt.MaxLevel); err != nil {
		return err
	}
	data, err := r.h.Delegate(c)
	if err != nil {
		return err
	}
	if err := c.DataCreateUnknown(r.RD, data, ipa); err != nil {
		r.h.Undelegate(c, data)
		return fmt.Errorf("creating page %v: %w", ipa, err)
	}
	r.pages[ipa] = data
	return nil
}

// RemovePage destroys the page at ipa.
func (r *Realm) RemovePage(c *rmm.CPU, ipa hostarch.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removePageLocked(c, ipa)
}

// Preconditions: r.mu is locked.
func (r *Realm) removePageLocked(c *rmm.CPU, ipa hostarch.Addr) error {
	data, err := c.DataDestroy(r.RD, ipa)
	if err != nil {
		return fmt.Errorf("destroying page %v: %w", ipa, err)
	}
	if want := r.pages[ipa]; data != want {
		return fmt.Errorf("page %v was %v, not %v", ipa, data, want)
	}
	delete(r.pages, ipa)
	r.h.Undelegate(c, data)
	return nil
}

// REC is a REC created by the host.
type REC struct {
	// Addr is the address of the REC granule.
	Addr hostarch.Addr

	// MPIDR identifies the REC in the realm.
	MPIDR uint64

	// Run is the host granule holding the run structure.
	Run hostarch.Addr

	aux []hostarch.Addr

	// entry is passed on the next entry.
	entry rmi.RecEntry
}

// CreateREC creates a REC starting at pc.
func (r *Realm) CreateREC(c *rmm.CPU, mpidr, pc uint64, runnable bool) (*REC, error) {
	n, err := c.RecAuxCount(r.RD)
	if err != nil {
		return nil, err
	}
	rec := &REC{MPIDR: mpidr}
	cu := cleanup.Make(func() {
		for _, a := range rec.aux {
			r.h.Undelegate(c, a)
		}
	})
	defer cu.Clean()

	p := rmi.RecParams{MPIDR: mpidr, PC: pc, NumAux: n}
	if runnable {
		p.Flags = rmi.RecFlagRunnable
	}
	for i := uint64(0); i < n; i++ {
		a, err := r.h.Delegate(c)
		if err != nil {
			return nil, err
		}
		rec.aux = append(rec.aux, a)
		p.Aux[i] = uint64(a)
	}
	if rec.Addr, err = r.h.Delegate(c); err != nil {
		return nil, err
	}
	cu.Add(func() { r.h.Undelegate(c, rec.Addr) })
	if rec.Run, err = r.h.Alloc(); err != nil {
		return nil, err
	}
	cu.Add(func() { r.h.Free(rec.Run) })

	params, err := r.h.Alloc()
	if err != nil {
		return nil, err
	}
	defer r.h.Free(params)
	r.h.Write(params, &p)
	if err := c.RecCreate(r.RD, rec.Addr, params); err != nil {
		return nil, fmt.Errorf("creating REC %#x: %w", mpidr, err)
	}
	cu.Release()
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return rec, nil
}

// RECs returns the RECs of the realm in creation order.
func (r *Realm) RECs() []*REC {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*REC(nil), r.recs...)
}

// recByMPIDR returns the REC with the given MPIDR, or nil.
func (r *Realm) recByMPIDR(mpidr uint64) *REC {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.MPIDR == mpidr {
			return rec
		}
	}
	return nil
}

// Destroy tears the realm down and returns all of its granules to the host.
// No REC may run concurrently.
func (r *Realm) Destroy(c *rmm.CPU) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if err := Retry(func() error { return c.RecDestroy(rec.Addr) }); err != nil {
			return fmt.Errorf("destroying REC %#x: %w", rec.MPIDR, err)
		}
		r.h.Undelegate(c, rec.Addr)
		for _, a := range rec.aux {
			r.h.Undelegate(c, a)
		}
		r.h.Free(rec.Run)
	}
	r.recs = nil

	for ipa := range r.pages {
		if err := r.removePageLocked(c, ipa); err != nil {
			return err
		}
	}
	// Children were created after their parents.
	for i := len(r.tables) - 1; i >= 0; i-- {
		t := r.tables[i]
		if err := c.RTTDestroy(r.RD, t.addr, t.ipa, t.level); err != nil {
			return fmt.Errorf("destroying level %d table at %v: %w", t.level, t.ipa, err)
		}
		r.h.Undelegate(c, t.addr)
	}
	r.tables = nil

	if err := c.RealmDestroy(r.RD); err != nil {
		return fmt.Errorf("destroying realm: %w", err)
	}
	r.h.Undelegate(c, r.RD)
	for i := 0; i < r.numRoots; i++ {
		r.h.Undelegate(c, r.rootBase+hostarch.Addr(i)<<hostarch.GranuleShift)
	}
	log.Infof("Destroyed realm %v", r.RD)
	return nil
}
