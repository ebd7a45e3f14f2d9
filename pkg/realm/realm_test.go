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

package realm

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rmm/pkg/abi/attestation"
	"gvisor.dev/rmm/pkg/abi/rmi"
	"gvisor.dev/rmm/pkg/abi/rsi"
	signer "gvisor.dev/rmm/pkg/attestation"
	"gvisor.dev/rmm/pkg/granule"
	"gvisor.dev/rmm/pkg/hostarch"
	"gvisor.dev/rmm/pkg/measurement"
	"gvisor.dev/rmm/pkg/s2tt"
)

func lockedRD(t *testing.T) (*granule.OrderChecker, *granule.Granule, *RD) {
	t.Helper()
	tbl := granule.NewTable(0x1000, 1)
	o := granule.NewOrderChecker(true)
	g := tbl.At(0)
	rd := NewRD(s2tt.Context{IPABits: 40}, measurement.SHA256, [rmi.RPVSize]byte{}, 0)
	o.Lock(g, granule.RankArg)
	g.Transition(granule.RD, rd)
	return o, g, rd
}

func TestRDViews(t *testing.T) {
	o, g, rd := lockedRD(t)
	l := LockedView(g)
	if l.RD() != rd {
		t.Fatalf("LockedView returned another descriptor")
	}
	l.IncRecCount()
	l.IncRecCount()
	l.DecRecCount()
	l.SetState(Active)

	ref := Ref{rd: rd}
	if got := ref.State(); got != Active {
		t.Errorf("Ref.State: got %v, wanted %v", got, Active)
	}
	if got := ref.RecCount(); got != 1 {
		t.Errorf("Ref.RecCount: got %d, wanted 1", got)
	}

	o.Unlock(g)
	for _, tc := range []struct {
		name string
		f    func()
	}{
		{"state without lock", func() { l.State() }},
		{"rec count without lock", func() { l.RecCount() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("did not panic")
				}
			}()
			tc.f()
		})
	}
}

func TestRDStateMonotonic(t *testing.T) {
	_, g, _ := lockedRD(t)
	l := LockedView(g)
	l.SetState(SystemOff)
	defer func() {
		if recover() == nil {
			t.Errorf("state moved back without panic")
		}
	}()
	l.SetState(Active)
}

func TestRecCountUnderflow(t *testing.T) {
	_, g, _ := lockedRD(t)
	defer func() {
		if recover() == nil {
			t.Errorf("underflow did not panic")
		}
	}()
	LockedView(g).DecRecCount()
}

func TestRIMChain(t *testing.T) {
	_, _, rd := lockedRD(t)
	rd.ExtendRIM(measurement.NewRealm(rd.Algo, 40, 0))
	first := rd.RIM()
	rd.ExtendRIM(measurement.NewREC(first, measurement.Digest{}))
	want := measurement.Measure(measurement.SHA256, measurement.NewREC(first, measurement.Digest{}))
	if got := rd.RIM(); got != want {
		t.Errorf("RIM: got %x, wanted %x", got.Bytes(rd.Algo), want.Bytes(rd.Algo))
	}
}

func TestSchedulable(t *testing.T) {
	_, g, rd := lockedRD(t)
	r := NewREC(g, rd, 0x101, nil)
	if r.Schedulable() {
		t.Errorf("new REC is schedulable")
	}
	r.SetRunnable(true)
	if !r.Schedulable() {
		t.Errorf("runnable REC is not schedulable")
	}
	r.SetPSCIPending(true)
	if r.Schedulable() {
		t.Errorf("REC with PSCI pending is schedulable")
	}
	if r.S2.IPABits != 40 {
		t.Errorf("REC did not copy the translation context")
	}
	if !ValidMPIDR(0xff00ffffff) || ValidMPIDR(1<<31) {
		t.Errorf("ValidMPIDR mismatch")
	}
}

// fakeSession finishes after steps calls to Step.
type fakeSession struct {
	steps int
	err   error
	tok   []byte
}

func (s *fakeSession) Step() (signer.Status, error) {
	if s.err != nil {
		return signer.InProgress, s.err
	}
	if s.steps > 1 {
		s.steps--
		return signer.InProgress, nil
	}
	return signer.Done, nil
}

func (s *fakeSession) Token() []byte { return s.tok }

type fakeWriter struct {
	status WriteStatus
	level  int
	got    []byte
}

func (w *fakeWriter) WriteToken(ipa hostarch.Addr, tok []byte) (WriteStatus, int) {
	if w.status == TokenWritten {
		w.got = tok
	}
	return w.status, w.level
}

func TestAttestContinue(t *testing.T) {
	const ipa = hostarch.Addr(0x3000)
	var challenge [attestation.ChallengeSize]byte
	challenge[0] = 1

	var c AttestContext
	w := &fakeWriter{}
	if got := c.Continue(0, w); got.Status != rsi.ErrorState {
		t.Errorf("continue before init: got %v, wanted %v", got.Status, rsi.ErrorState)
	}

	c.Start(ipa, challenge, &fakeSession{steps: 2, tok: []byte("token")})
	if c.Challenge() != challenge {
		t.Errorf("challenge not saved")
	}

	// A mismatched destination leaves the state alone.
	if got := c.Continue(ipa+0x1000, w); got.Status != rsi.ErrorInput {
		t.Errorf("mismatched IPA: got %v, wanted %v", got.Status, rsi.ErrorInput)
	}
	if c.State() != AttestInProgress {
		t.Errorf("state after mismatch: got %v, wanted %v", c.State(), AttestInProgress)
	}

	var got []rsi.Status
	for i := 0; i < 3; i++ {
		got = append(got, c.Continue(ipa, w).Status)
	}
	want := []rsi.Status{rsi.Incomplete, rsi.Incomplete, rsi.Success}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("continue sequence mismatch (-want +got):\n%s", diff)
	}
	if string(w.got) != "token" {
		t.Errorf("token written: got %q", w.got)
	}
	if c.State() != AttestNotStarted {
		t.Errorf("state after write: got %v", c.State())
	}
	if got := c.Continue(ipa, w); got.Status != rsi.ErrorState {
		t.Errorf("continue after completion: got %v, wanted %v", got.Status, rsi.ErrorState)
	}
}

func TestAttestWriteOutcomes(t *testing.T) {
	const ipa = hostarch.Addr(0x3000)
	var c AttestContext
	c.Start(ipa, [attestation.ChallengeSize]byte{}, &fakeSession{steps: 1, tok: []byte("t")})
	if got := c.Continue(ipa, nil); got.Status != rsi.Incomplete || c.State() != AttestWriteInProgress {
		t.Fatalf("signing: got (%v, %v)", got.Status, c.State())
	}

	got := c.Continue(ipa, &fakeWriter{status: TokenUnmapped, level: 2})
	if diff := cmp.Diff(ContinueResult{Status: rsi.Incomplete, Abort: true, Level: 2}, got); diff != "" {
		t.Errorf("unmapped destination mismatch (-want +got):\n%s", diff)
	}
	if c.State() != AttestWriteInProgress {
		t.Errorf("state after abort: got %v", c.State())
	}

	if got := c.Continue(ipa, &fakeWriter{status: TokenRejected}); got.Status != rsi.ErrorInput {
		t.Errorf("rejected destination: got %v", got.Status)
	}
	if c.State() != AttestNotStarted {
		t.Errorf("state after rejection: got %v", c.State())
	}
}

func TestAttestSigningFailureIsFatal(t *testing.T) {
	var c AttestContext
	c.Start(0, [attestation.ChallengeSize]byte{}, &fakeSession{err: errors.New("backend")})
	defer func() {
		if recover() == nil {
			t.Errorf("signing failure did not panic")
		}
	}()
	c.Continue(0, nil)
}

func TestAttestReset(t *testing.T) {
	var c AttestContext
	c.Start(0x5000, [attestation.ChallengeSize]byte{}, &fakeSession{})
	c.Reset()
	if c.State() != AttestNotStarted || c.IPA() != 0 {
		t.Errorf("Reset left (%v, %v)", c.State(), c.IPA())
	}
}
