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

// Package rmi contains the host-facing management interface definitions:
// status codes, feature bits and the layouts of the parameter structures the
// host passes in non-secure memory.
package rmi

import "fmt"

// Status is the status half of an RMI return value.
type Status uint8

// Status values.
const (
	Success    Status = 0
	ErrorInput Status = 1
	ErrorRealm Status = 2
	ErrorREC   Status = 3
	ErrorRTT   Status = 4
	ErrorInUse Status = 5
)

var statusNames = [...]string{
	Success:    "RMI_SUCCESS",
	ErrorInput: "RMI_ERROR_INPUT",
	ErrorRealm: "RMI_ERROR_REALM",
	ErrorREC:   "RMI_ERROR_REC",
	ErrorRTT:   "RMI_ERROR_RTT",
	ErrorInUse: "RMI_ERROR_IN_USE",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("RMI_STATUS(%d)", uint8(s))
}

// PackReturn encodes a status and its index into the return register value.
func PackReturn(s Status, index uint8) uint64 {
	return uint64(s) | uint64(index)<<8
}

// UnpackReturn is the inverse of PackReturn.
func UnpackReturn(v uint64) (Status, uint8) {
	return Status(v & 0xff), uint8(v >> 8)
}

// ABI version implemented by the monitor.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Version returns the encoded ABI version.
func Version() uint64 {
	return VersionMajor<<16 | VersionMinor
}

// Feature register 0 fields.
const (
	// Feature0S2SZShift is the position of the maximum IPA width.
	Feature0S2SZShift = 0
	Feature0S2SZWidth = 8

	// Feature0HashSHA256 is set when SHA-256 measurements are supported.
	Feature0HashSHA256 = 1 << 28

	// Feature0HashSHA512 is set when SHA-512 measurements are supported.
	Feature0HashSHA512 = 1 << 29
)

// RTT entry states reported by RTT_READ_ENTRY.
const (
	RTTUnassigned = 0
	RTTAssigned   = 1
	RTTDestroyed  = 2
	RTTTable      = 3
	RTTValidNS    = 4
)

// RIPAS values as seen by the host.
const (
	RIPASEmpty = 0
	RIPASRAM   = 1
)

// Data creation flags.
const (
	// DataMeasureContent requests that the granule contents be measured.
	DataMeasureContent = 1
)

// RPVSize is the size of the realm personalization value.
const RPVSize = 64

// RealmParams is the realm parameter structure passed to REALM_CREATE. It
// occupies one granule.
type RealmParams struct {
	Flags         uint64
	S2SZ          uint64
	_             [0x20]byte
	HashAlgo      uint64
	_             [0x3c8]byte
	RPV           [RPVSize]byte
	_             [0x3c0]byte
	VMID          uint64
	RTTBase       uint64
	RTTLevelStart int64
	RTTNumStart   uint64
	_             [0x7e0]byte
}

// MaxRecAux is the maximum number of auxiliary granules per REC.
const MaxRecAux = 16

// RecParamsNumGPRs is the number of registers passed at REC creation.
const RecParamsNumGPRs = 8

// RecParams is the REC parameter structure passed to REC_CREATE. It occupies
// one granule.
type RecParams struct {
	Flags  uint64
	_      [0xf8]byte
	MPIDR  uint64
	_      [0xf8]byte
	PC     uint64
	_      [0xf8]byte
	GPRs   [RecParamsNumGPRs]uint64
	_      [0x4c0]byte
	NumAux uint64
	Aux    [MaxRecAux]uint64
	_      [0x778]byte
}

// REC parameter flags.
const (
	// RecFlagRunnable marks a REC as runnable from creation.
	RecFlagRunnable = 1
)

// RecRunNumGPRs is the number of registers in the run structure.
const RecRunNumGPRs = 31

// The REC run structure passed to REC_ENTER occupies one granule. Its first
// half is written by the host before entry; its second half is written by
// the monitor before returning.
const (
	RecRunEntry = 0x0
	RecRunExit  = 0x800
)

// RecEntry is the entry half of the REC run structure.
type RecEntry struct {
	Flags uint64
	_     [0x1f8]byte
	GPRs  [RecRunNumGPRs]uint64
	_     [0x508]byte
}

// RecExit is the exit half of the REC run structure.
type RecExit struct {
	Reason     uint64
	ESR        uint64
	FAR        uint64
	HPFAR      uint64
	_          [0xe0]byte
	GPRs       [RecRunNumGPRs]uint64
	_          [0x8]byte
	RIPASBase  uint64
	RIPASTop   uint64
	RIPASValue uint64
	Imm        uint64
	_          [0x5e0]byte
}

// REC entry flags.
const (
	// RecEntryEmulatedMMIO completes an emulated MMIO read using entry GPR 0.
	RecEntryEmulatedMMIO = 1
)

// ExitReason values.
type ExitReason uint64

// Exit reasons.
const (
	ExitSync        ExitReason = 0
	ExitIRQ         ExitReason = 1
	ExitFIQ         ExitReason = 2
	ExitPSCI        ExitReason = 3
	ExitRIPASChange ExitReason = 4
	ExitHostCall    ExitReason = 5
	ExitSError      ExitReason = 6
)

var exitNames = [...]string{
	ExitSync:        "sync",
	ExitIRQ:         "irq",
	ExitFIQ:         "fiq",
	ExitPSCI:        "psci",
	ExitRIPASChange: "ripas-change",
	ExitHostCall:    "host-call",
	ExitSError:      "serror",
}

// String implements fmt.Stringer.
func (r ExitReason) String() string {
	if int(r) < len(exitNames) {
		return exitNames[r]
	}
	return fmt.Sprintf("exit(%d)", uint64(r))
}
