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

// Package attestation provides the token signing backend used by realm
// attestation.
//
// Signing is long running, so a token is produced by a Session that does a
// bounded amount of work per Step. The monitor calls Step once per realm
// request and returns to the realm between steps.
package attestation

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"

	abi "gvisor.dev/rmm/pkg/abi/attestation"
	"gvisor.dev/rmm/pkg/binary"
	"gvisor.dev/rmm/pkg/measurement"
)

// Claims are the values a token attests to.
type Claims struct {
	Challenge    [abi.ChallengeSize]byte
	RPV          [64]byte
	HashAlgo     measurement.Algo
	Measurements measurement.Measurements
}

// Status is the progress of a Session.
type Status int

// Session states.
const (
	InProgress Status = iota
	Done
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Signer starts token signing sessions.
type Signer interface {
	// Begin starts signing a token for c.
	Begin(c Claims) (Session, error)
}

// Session signs one token.
type Session interface {
	// Step does a bounded amount of work. It returns Done once the token
	// is available. Only claim hashing is bounded; the signature over the
	// digest is computed in full by the Step that finishes hashing.
	Step() (Status, error)

	// Token returns the token. It is only valid after Step returned Done.
	Token() []byte
}

// hashUnit is the number of bytes hashed per operation.
const hashUnit = 64

// ECDSASigner signs tokens with an ECDSA P-384 key.
type ECDSASigner struct {
	key    *ecdsa.PrivateKey
	maxOps int
	rand   io.Reader
}

// NewECDSASigner returns a signer using key that hashes at most maxOps units
// of claims per step. maxOps <= 0 means no limit. maxOps does not bound the
// final signing operation.
func NewECDSASigner(key *ecdsa.PrivateKey, maxOps int) *ECDSASigner {
	return &ECDSASigner{key: key, maxOps: maxOps, rand: rand.Reader}
}

// GenerateECDSASigner returns a signer with a fresh P-384 key.
func GenerateECDSASigner(maxOps int) (*ECDSASigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating attestation key: %w", err)
	}
	return NewECDSASigner(key, maxOps), nil
}

// PublicKey returns the verification key of s.
func (s *ECDSASigner) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Begin implements Signer.Begin.
func (s *ECDSASigner) Begin(c Claims) (Session, error) {
	if !c.HashAlgo.Valid() {
		return nil, fmt.Errorf("claims use unsupported algorithm %v", c.HashAlgo)
	}
	return &ecdsaSession{
		signer: s,
		body:   EncodeClaims(&c),
		h:      sha512.New384(),
	}, nil
}

type ecdsaSession struct {
	signer *ECDSASigner
	body   []byte
	hashed int
	h      hash.Hash
	token  []byte
}

// Step implements Session.Step.
func (s *ecdsaSession) Step() (Status, error) {
	if s.token != nil {
		return Done, nil
	}
	for ops := 0; s.hashed < len(s.body); ops++ {
		if s.signer.maxOps > 0 && ops == s.signer.maxOps {
			return InProgress, nil
		}
		end := min(s.hashed+hashUnit, len(s.body))
		s.h.Write(s.body[s.hashed:end])
		s.hashed = end
	}
	sig, err := ecdsa.SignASN1(s.signer.rand, s.signer.key, s.h.Sum(nil))
	if err != nil {
		return InProgress, fmt.Errorf("signing token: %w", err)
	}
	tok := buildToken(s.body, sig)
	if len(tok) > abi.TokenBufferSize {
		return InProgress, fmt.Errorf("token of %d bytes exceeds %d", len(tok), abi.TokenBufferSize)
	}
	s.token = tok
	return Done, nil
}

// Token implements Session.Token.
func (s *ecdsaSession) Token() []byte {
	if s.token == nil {
		panic("token requested before signing completed")
	}
	return s.token
}

func appendClaim(b []byte, key uint16, v []byte) []byte {
	b = binary.AppendUint16(b, binary.LittleEndian, key)
	b = binary.AppendUint16(b, binary.LittleEndian, uint16(len(v)))
	return append(b, v...)
}

// EncodeClaims returns the claims section of a token for c.
func EncodeClaims(c *Claims) []byte {
	var b []byte
	b = appendClaim(b, abi.ClaimChallenge, c.Challenge[:])
	b = appendClaim(b, abi.ClaimPersonalize, c.RPV[:])
	b = appendClaim(b, abi.ClaimHashAlgo, []byte(c.HashAlgo.String()))
	b = appendClaim(b, abi.ClaimInitialMeas, c.Measurements[measurement.RIMSlot].Bytes(c.HashAlgo))
	for i := measurement.RIMSlot + 1; i < measurement.NumSlots; i++ {
		b = appendClaim(b, abi.ClaimExtensibleMeas, c.Measurements[i].Bytes(c.HashAlgo))
	}
	return b
}

func buildToken(body, sig []byte) []byte {
	b := make([]byte, 0, len(abi.TokenMagic)+2*abi.TokenLenSize+len(body)+len(sig))
	b = append(b, abi.TokenMagic...)
	b = binary.AppendUint32(b, binary.LittleEndian, uint32(len(body)))
	b = append(b, body...)
	b = binary.AppendUint32(b, binary.LittleEndian, uint32(len(sig)))
	return append(b, sig...)
}

// Claim is one decoded claim.
type Claim struct {
	Key   uint16
	Value []byte
}

// Token is a decoded token.
type Token struct {
	Body      []byte
	Claims    []Claim
	Signature []byte
}

// Lookup returns the values of all claims with key.
func (t *Token) Lookup(key uint16) [][]byte {
	var vs [][]byte
	for _, c := range t.Claims {
		if c.Key == key {
			vs = append(vs, c.Value)
		}
	}
	return vs
}

// Verify returns true if the signature of t is valid under pub.
func (t *Token) Verify(pub *ecdsa.PublicKey) bool {
	digest := sha512.Sum384(t.Body)
	return ecdsa.VerifyASN1(pub, digest[:], t.Signature)
}

func readSection(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUint32(r, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("section of %d bytes with %d remaining", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Parse decodes a token. Bytes after the signature are ignored.
func Parse(tok []byte) (*Token, error) {
	if !bytes.HasPrefix(tok, []byte(abi.TokenMagic)) {
		return nil, fmt.Errorf("bad token magic")
	}
	r := bytes.NewReader(tok[len(abi.TokenMagic):])
	body, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("reading claims: %w", err)
	}
	sig, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("reading signature: %w", err)
	}
	t := &Token{Body: body, Signature: sig}
	br := bytes.NewReader(body)
	for br.Len() > 0 {
		key, err := binary.ReadUint16(br, binary.LittleEndian)
		if err != nil {
			return nil, fmt.Errorf("reading claim key: %w", err)
		}
		n, err := binary.ReadUint16(br, binary.LittleEndian)
		if err != nil {
			return nil, fmt.Errorf("reading claim %d: %w", key, err)
		}
		v := make([]byte, n)
		if _, err := io.ReadFull(br, v); err != nil {
			return nil, fmt.Errorf("reading claim %d: %w", key, err)
		}
		t.Claims = append(t.Claims, Claim{Key: key, Value: v})
	}
	return t, nil
}
