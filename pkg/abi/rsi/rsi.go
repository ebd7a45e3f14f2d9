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

// Package rsi contains the realm-facing service interface definitions.
//
// Realm software issues SMC instructions with a function identifier in X0
// and arguments in X1 onwards. Results are returned in X0 (status) and X1
// onwards.
package rsi

import "fmt"

// Status is an RSI status value, returned in X0.
type Status uint64

// Status values.
const (
	Success    Status = 0
	ErrorInput Status = 1
	ErrorState Status = 2
	Incomplete Status = 3
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Success:
		return "RSI_SUCCESS"
	case ErrorInput:
		return "RSI_ERROR_INPUT"
	case ErrorState:
		return "RSI_ERROR_STATE"
	case Incomplete:
		return "RSI_INCOMPLETE"
	default:
		return fmt.Sprintf("RSI_STATUS(%d)", uint64(s))
	}
}

// Function identifiers.
const (
	FnVersion             = 0xc4000190
	FnMeasurementRead     = 0xc4000192
	FnMeasurementExtend   = 0xc4000193
	FnAttestTokenInit     = 0xc4000194
	FnAttestTokenContinue = 0xc4000195
	FnRealmConfig         = 0xc4000196
	FnIPAStateSet         = 0xc4000197
	FnIPAStateGet         = 0xc4000198
	FnHostCall            = 0xc4000199
)

// PSCI function identifiers handled on behalf of realms.
const (
	FnPSCIVersion   = 0x84000000
	FnPSCICPUOff    = 0x84000002
	FnPSCISystemOff = 0x84000008
	FnPSCICPUOn     = 0xc4000003
)

// PSCI return values. Negative PSCI results are sign-extended to 64 bits.
const (
	PSCISuccess       = 0
	PSCINotSupported  = ^uint64(0)
	PSCIInvalidParams = ^uint64(1)
	PSCIAlreadyOn     = ^uint64(3)
	PSCIVersion1_1    = 1<<16 | 1
)

// ABI version implemented by the monitor.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Version returns the encoded ABI version.
func Version() uint64 {
	return VersionMajor<<16 | VersionMinor
}

// RIPAS values as seen by the realm.
const (
	RIPASEmpty = 0
	RIPASRAM   = 1
)

// RealmConfig is the structure written by RSI_REALM_CONFIG to a granule of
// realm memory.
type RealmConfig struct {
	IPAWidth uint64
	HashAlgo uint64
	_        [0xff0]byte
}

// HostCallNumGPRs is the number of registers exchanged by a host call.
const HostCallNumGPRs = 31

// HostCall is the host call structure, located in realm memory. It must not
// cross a granule boundary.
type HostCall struct {
	Imm  uint64
	GPRs [HostCallNumGPRs]uint64
}

// MaxMeasurementExtend is the maximum number of bytes a single
// RSI_MEASUREMENT_EXTEND call may add.
const MaxMeasurementExtend = 64
