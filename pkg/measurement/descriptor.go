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

package measurement

import (
	"gvisor.dev/rmm/pkg/binary"
)

// DescriptorSize is the size of every descriptor record.
const DescriptorSize = 0x100

// Descriptor types.
const (
	TypeData  = 0x0
	TypeREC   = 0x1
	TypeRIPAS = 0x2
	TypeRealm = 0x3
)

// header is common to all descriptors.
type header struct {
	Type uint8
	_    [7]byte
	Len  uint64
	RIM  Digest
}

func newHeader(typ uint8, rim Digest) header {
	return header{Type: typ, Len: DescriptorSize, RIM: rim}
}

// DataDescriptor records a granule of initial realm data.
type DataDescriptor struct {
	header
	IPA   uint64
	Flags uint64
	// Content is the hash of the granule, or zero if it is unmeasured.
	Content Digest
	_       [0x60]byte
}

// RECDescriptor records an initial REC.
type RECDescriptor struct {
	header
	// Content is the hash of a granule holding the REC parameters.
	Content Digest
	_       [0x70]byte
}

// RIPASDescriptor records an initial RIPAS change.
type RIPASDescriptor struct {
	header
	IPA   uint64
	Level uint8
	_     [0xa7]byte
}

// RealmDescriptor records the realm parameters that shape its address
// space and measurements. It is the first record of every RIM.
type RealmDescriptor struct {
	header
	HashAlgo uint64
	IPABits  uint64
	Flags    uint64
	_        [0x98]byte
}

// NewData returns a data descriptor extending rim.
func NewData(rim Digest, ipa, flags uint64, content Digest) *DataDescriptor {
	return &DataDescriptor{header: newHeader(TypeData, rim), IPA: ipa, Flags: flags, Content: content}
}

// NewREC returns a REC descriptor extending rim.
func NewREC(rim Digest, content Digest) *RECDescriptor {
	return &RECDescriptor{header: newHeader(TypeREC, rim), Content: content}
}

// NewRIPAS returns a RIPAS descriptor extending rim.
func NewRIPAS(rim Digest, ipa uint64, level int) *RIPASDescriptor {
	return &RIPASDescriptor{header: newHeader(TypeRIPAS, rim), IPA: ipa, Level: uint8(level)}
}

// NewRealm returns the realm descriptor. Its RIM field is zero.
func NewRealm(a Algo, ipaBits int, flags uint64) *RealmDescriptor {
	return &RealmDescriptor{header: newHeader(TypeRealm, Digest{}), HashAlgo: uint64(a), IPABits: uint64(ipaBits), Flags: flags}
}

// Encode returns the little-endian record of a descriptor.
func Encode(desc any) []byte {
	b := make([]byte, DescriptorSize)
	binary.MarshalInto(b, binary.LittleEndian, desc)
	return b
}

// Measure returns the new RIM: the hash of the encoded descriptor.
func Measure(a Algo, desc any) Digest {
	return Hash(a, Encode(desc))
}
