// Copyright 2023 The gVisor Authors.
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

// Package attestation includes definitions needed for realm attestation.
package attestation

// ChallengeSize is the number of bytes of the challenge a realm passes to
// RSI_ATTEST_TOKEN_INIT, carried in X2 to X9.
const ChallengeSize = 64

// ChallengeRegs is the number of registers carrying the challenge.
const ChallengeRegs = ChallengeSize / 8

// TokenBufferSize is the maximum size of a token. The token is written to a
// single realm granule.
const TokenBufferSize = 4096

// Token layout. A token is a sequence of length-prefixed sections:
//
//	magic[8] | u32 len | claims | u32 len | signature
//
// All integers are little endian.
const (
	TokenMagic = "RMMTOKv1"

	// TokenLenSize is the size of a section length prefix.
	TokenLenSize = 4
)

// Claim identifiers, each encoded as a u16 key, a u16 length and the value.
const (
	ClaimChallenge      = 10
	ClaimPersonalize    = 44235
	ClaimHashAlgo       = 44236
	ClaimInitialMeas    = 44238
	ClaimExtensibleMeas = 44239
)
