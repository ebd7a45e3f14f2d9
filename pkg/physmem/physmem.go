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

// Package physmem provides the physical memory managed by the monitor.
//
// The memory is a single anonymous mapping standing in for a contiguous
// physical range [Base, Base+Size). Every byte of it belongs to exactly one
// granule.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/rmm/pkg/hostarch"
)

// Memory is a contiguous range of simulated physical memory.
type Memory struct {
	base hostarch.Addr
	data []byte
}

// New maps memory for granules granules starting at base, which must be
// granule aligned.
func New(base hostarch.Addr, granules int) (*Memory, error) {
	if !base.IsGranuleAligned() {
		return nil, fmt.Errorf("base %v is not granule aligned", base)
	}
	if granules <= 0 {
		return nil, fmt.Errorf("invalid granule count %d", granules)
	}
	size := uint64(granules) * hostarch.GranuleSize
	if _, ok := base.AddLength(size); !ok {
		return nil, fmt.Errorf("range [%v, +%#x) overflows", base, size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes failed: %w", size, err)
	}
	return &Memory{base: base, data: data}, nil
}

// Close releases the mapping. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Base returns the first address of the range.
func (m *Memory) Base() hostarch.Addr {
	return m.base
}

// Size returns the size of the range in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Granules returns the number of granules in the range.
func (m *Memory) Granules() int {
	return len(m.data) >> hostarch.GranuleShift
}

// Contains returns true if addr lies in the range.
func (m *Memory) Contains(addr hostarch.Addr) bool {
	return addr >= m.base && uint64(addr-m.base) < uint64(len(m.data))
}

// Page returns the granule-sized window at addr, which must be granule
// aligned and inside the range. The returned slice aliases the memory.
func (m *Memory) Page(addr hostarch.Addr) []byte {
	if !addr.IsGranuleAligned() || !m.Contains(addr) {
		panic(fmt.Sprintf("physmem: page %v outside [%v, +%#x)", addr, m.base, len(m.data)))
	}
	off := uint64(addr - m.base)
	return m.data[off : off+hostarch.GranuleSize : off+hostarch.GranuleSize]
}
