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

package attestation

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	abi "gvisor.dev/rmm/pkg/abi/attestation"
	"gvisor.dev/rmm/pkg/measurement"
)

func testClaims() Claims {
	c := Claims{HashAlgo: measurement.SHA256}
	for i := range c.Challenge {
		c.Challenge[i] = byte(i)
	}
	c.RPV[0] = 0x5a
	c.Measurements[measurement.RIMSlot] = measurement.Hash(measurement.SHA256, []byte("rim"))
	c.Measurements[2] = measurement.Hash(measurement.SHA256, []byte("ext"))
	return c
}

func TestSessionSteps(t *testing.T) {
	s, err := GenerateECDSASigner(1)
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %v", err)
	}
	c := testClaims()
	sess, err := s.Begin(c)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	units := (len(EncodeClaims(&c)) + hashUnit - 1) / hashUnit
	steps := 0
	for {
		st, err := sess.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		steps++
		if st == Done {
			break
		}
		if steps > units+1 {
			t.Fatalf("no progress after %d steps", steps)
		}
	}
	// The step hashing the last unit also signs.
	if steps != units {
		t.Errorf("got %d steps, wanted %d", steps, units)
	}
	if st, err := sess.Step(); st != Done || err != nil {
		t.Errorf("Step after Done: got (%v, %v)", st, err)
	}

	tok := sess.Token()
	if len(tok) > abi.TokenBufferSize {
		t.Fatalf("token of %d bytes", len(tok))
	}
	parsed, err := Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !parsed.Verify(s.PublicKey()) {
		t.Errorf("signature does not verify")
	}
	if diff := cmp.Diff([][]byte{c.Challenge[:]}, parsed.Lookup(abi.ClaimChallenge)); diff != "" {
		t.Errorf("challenge mismatch (-want +got):\n%s", diff)
	}
	ext := parsed.Lookup(abi.ClaimExtensibleMeas)
	if len(ext) != measurement.NumSlots-1 {
		t.Fatalf("got %d extensible measurements, wanted %d", len(ext), measurement.NumSlots-1)
	}
	if !bytes.Equal(ext[1], c.Measurements[2].Bytes(measurement.SHA256)) {
		t.Errorf("slot 2: got %x", ext[1])
	}

	parsed.Body[0] ^= 1
	if parsed.Verify(s.PublicKey()) {
		t.Errorf("tampered token verifies")
	}
}

func TestUnlimitedOps(t *testing.T) {
	s, err := GenerateECDSASigner(0)
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %v", err)
	}
	sess, err := s.Begin(testClaims())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if st, err := sess.Step(); st != Done || err != nil {
		t.Errorf("Step: got (%v, %v), wanted (done, nil)", st, err)
	}
}

func TestBeginRejectsAlgo(t *testing.T) {
	s, err := GenerateECDSASigner(0)
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %v", err)
	}
	c := testClaims()
	c.HashAlgo = 7
	if _, err := s.Begin(c); err == nil {
		t.Errorf("Begin accepted algorithm 7")
	}
}

func TestTokenBeforeDone(t *testing.T) {
	s, err := GenerateECDSASigner(1)
	if err != nil {
		t.Fatalf("GenerateECDSASigner: %v", err)
	}
	sess, err := s.Begin(testClaims())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Token before Done did not panic")
		}
	}()
	sess.Token()
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		tok  []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("NOTATOKEN")},
		{"truncated length", []byte(abi.TokenMagic + "\x01")},
		{"short claims", []byte(abi.TokenMagic + "\x10\x00\x00\x00abc")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.tok); err == nil {
				t.Errorf("Parse succeeded")
			}
		})
	}
}
