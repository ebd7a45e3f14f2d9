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

// Package hostmodel is a model of the untrusted host driving the monitor. It
// owns the managed memory that is not delegated, builds realms with the
// management calls and services REC exits.
package hostmodel

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/errors/rmmerr"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/log"
	"gvisor.dev/rmm/pkg/physmem"
	"gvisor.dev/rmm/pkg/rmm"
	"gvisor.dev/rmm/pkg/sync"
)

// ErrNoMemory is returned when the host has no free granule left.
var ErrNoMemory = errors.New("no free host granules")

// Retry timing for calls that fail because a granule is busy.
const (
	retryInitialInterval = 10 * time.Microsecond
	retryMaxInterval     = time.Millisecond
	retryMaxElapsed      = 5 * time.Second
)

// Host is the host side of the monitor interface. It is safe for concurrent
// use.
type Host struct {
	m   *rmm.Monitor
	mem *physmem.Memory

	mu sync.Mutex
	// free holds the addresses of the granules the host may hand out. It is
	// protected by mu.
	free *btree.BTreeG[hostarch.Addr]
}

// New returns a host owning all of mem, which m manages.
func New(m *rmm.Monitor, mem *physmem.Memory) *Host {
	h := &Host{
		m:    m,
		mem:  mem,
		free: btree.NewOrderedG[hostarch.Addr](16),
	}
	for i := 0; i < mem.Granules(); i++ {
		h.free.ReplaceOrInsert(mem.Base() + hostarch.Addr(i)<<hostarch.GranuleShift)
	}
	return h
}

// Monitor returns the monitor driven by h.
func (h *Host) Monitor() *rmm.Monitor {
	return h.m
}

// Available returns the number of free granules.
func (h *Host) Available() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free.Len()
}

// Alloc takes the lowest free granule.
func (h *Host) Alloc() (hostarch.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr, ok := h.free.DeleteMin()
	if !ok {
		return 0, ErrNoMemory
	}
	return addr, nil
}

// AllocContiguous takes n free granules at consecutive addresses and
// returns the first.
func (h *Host) AllocContiguous(n int) (hostarch.Addr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid granule count %d", n)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		start hostarch.Addr
		run   int
	)
	h.free.Ascend(func(addr hostarch.Addr) bool {
		if run > 0 && addr == start+hostarch.Addr(run)<<hostarch.GranuleShift {
			run++
		} else {
			start, run = addr, 1
		}
		return run < n
	})
	if run < n {
		return 0, ErrNoMemory
	}
	for i := 0; i < n; i++ {
		h.free.Delete(start + hostarch.Addr(i)<<hostarch.GranuleShift)
	}
	return start, nil
}

// Free returns a host owned granule to the free set.
func (h *Host) Free(addr hostarch.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.free.ReplaceOrInsert(addr); dup {
		panic(fmt.Sprintf("double free of granule %v", addr))
	}
}

// Page returns the contents of the host granule at addr.
func (h *Host) Page(addr hostarch.Addr) []byte {
	return h.mem.Page(addr)
}

// Write zeroes the host granule at addr and marshals v into it.
func (h *Host) Write(addr hostarch.Addr, v any) {
	page := h.mem.Page(addr)
	clear(page)
	binary.MarshalInto(page[:binary.Size(v)], binary.LittleEndian, v)
}

// Retry calls op until it does not fail with rmmerr.ErrInUse, backing off
// between attempts.
func Retry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsed

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || errors.Is(err, rmmerr.ErrInUse) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, d time.Duration) {
		log.Debugf("Busy, retrying in %v: %v", d, err)
	})
}

// Delegate takes a free granule and delegates it with c.
func (h *Host) Delegate(c *rmm.CPU) (hostarch.Addr, error) {
	addr, err := h.Alloc()
	if err != nil {
		return 0, err
	}
	if err := Retry(func() error { return c.GranuleDelegate(addr) }); err != nil {
		h.Free(addr)
		return 0, fmt.Errorf("delegating %v: %w", addr, err)
	}
	return addr, nil
}

// DelegateContiguous takes n consecutive free granules and delegates them
// with c.
func (h *Host) DelegateContiguous(c *rmm.CPU, n int) (hostarch.Addr, error) {
	base, err := h.AllocContiguous(n)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		addr := base + hostarch.Addr(i)<<hostarch.GranuleShift
		if err := Retry(func() error { return c.GranuleDelegate(addr) }); err != nil {
			for j := 0; j < i; j++ {
				h.Undelegate(c, base+hostarch.Addr(j)<<hostarch.GranuleShift)
			}
			for j := i; j < n; j++ {
				h.Free(base + hostarch.Addr(j)<<hostarch.GranuleShift)
			}
			return 0, fmt.Errorf("delegating %v: %w", addr, err)
		}
	}
	return base, nil
}

// Undelegate returns the delegated granule at addr to the host. A granule
// the monitor still uses is leaked with a warning.
func (h *Host) Undelegate(c *rmm.CPU, addr hostarch.Addr) {
	if err := Retry(func() error { return c.GranuleUndelegate(addr) }); err != nil {
		log.Warningf("Leaking granule %v: %v", addr, err)
		return
	}
	h.Free(addr)
}
