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

// Package measurement implements realm measurements: the hash algorithms,
// the extend operation and the descriptor records hashed into the realm
// initial measurement (RIM).
package measurement

import (
	"crypto"
	_ "crypto/sha256" // Registers SHA-256.
	_ "crypto/sha512" // Registers SHA-512.
	"fmt"
)

// Algo is a measurement hash algorithm, as encoded in realm parameters.
type Algo uint8

// Supported algorithms.
const (
	SHA256 Algo = 0
	SHA512 Algo = 1
)

const (
	// NumSlots is the number of measurement slots of a realm.
	NumSlots = 5

	// RIMSlot is the slot holding the realm initial measurement.
	RIMSlot = 0

	// MaxSize is the size of the largest supported digest.
	MaxSize = 64
)

// Valid returns true if a is a supported algorithm.
func (a Algo) Valid() bool {
	return a == SHA256 || a == SHA512
}

// CryptoHash returns the crypto.Hash for a.
func (a Algo) CryptoHash() crypto.Hash {
	switch a {
	case SHA256:
		return crypto.SHA256
	case SHA512:
		return crypto.SHA512
	}
	panic(fmt.Sprintf("unsupported measurement algorithm %d", uint8(a)))
}

// Size returns the digest size of a in bytes.
func (a Algo) Size() int {
	return a.CryptoHash().Size()
}

// String implements fmt.Stringer.
func (a Algo) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("algo(%d)", uint8(a))
	}
}

// Digest holds a measurement. Only the first Size() bytes of the algorithm
// in use are significant; the rest are zero.
type Digest [MaxSize]byte

// Bytes returns the significant bytes of d under a.
func (d *Digest) Bytes(a Algo) []byte {
	return d[:a.Size()]
}

// Hash returns the digest of data under a.
func Hash(a Algo, data []byte) Digest {
	h := a.CryptoHash().New()
	h.Write(data)
	var d Digest
	h.Sum(d[:0])
	return d
}

// Extend returns H(cur || data) under a. cur contributes only its
// significant bytes.
func Extend(a Algo, cur Digest, data []byte) Digest {
	h := a.CryptoHash().New()
	h.Write(cur.Bytes(a))
	h.Write(data)
	var d Digest
	h.Sum(d[:0])
	return d
}

// Measurements are the measurement slots of a realm. Slot RIMSlot is the
// RIM; the others are extensible by the realm.
type Measurements [NumSlots]Digest
