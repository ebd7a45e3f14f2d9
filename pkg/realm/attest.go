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
	"fmt"

	"gvisor.dev/rmm/pkg/abi/attestation"
	"gvisor.dev/rmm/pkg/abi/rsi"
	signer "gvisor.dev/rmm/pkg/attestation"
	"gvisor.dev/rmm/pkg/hostarch"
)

// AttestState is the progress of a token request.
type AttestState int

// Token request states.
const (
	AttestNotStarted AttestState = iota
	AttestInProgress
	AttestWriteInProgress
)

// String implements fmt.Stringer.
func (s AttestState) String() string {
	switch s {
	case AttestNotStarted:
		return "not-started"
	case AttestInProgress:
		return "in-progress"
	case AttestWriteInProgress:
		return "write-in-progress"
	default:
		return fmt.Sprintf("AttestState(%d)", int(s))
	}
}

// WriteStatus is the outcome of writing a token to realm memory.
type WriteStatus int

// Write outcomes.
const (
	// TokenWritten means the token was copied.
	TokenWritten WriteStatus = iota

	// TokenUnmapped means the destination has RIPAS RAM but no mapping.
	// The host must map it before the realm retries.
	TokenUnmapped

	// TokenRejected means the destination has RIPAS EMPTY or was
	// destroyed.
	TokenRejected
)

// TokenWriter copies a finished token into realm memory.
type TokenWriter interface {
	// WriteToken copies tok to the granule at ipa. For TokenUnmapped it
	// also returns the level at which the walk stopped.
	WriteToken(ipa hostarch.Addr, tok []byte) (WriteStatus, int)
}

// ContinueResult is the outcome of one continue request.
type ContinueResult struct {
	// Status is returned to the realm unless Abort is set.
	Status rsi.Status

	// Len is the token length on success.
	Len uint64

	// Abort requests an exit to the host reporting a stage 2 fault on
	// the destination at Level.
	Abort bool
	Level int
}

// AttestContext is the token request state of a REC.
//
// Each method is a complete transition; no work is left running between
// calls.
type AttestContext struct {
	state     AttestState
	ipa       hostarch.Addr
	challenge [attestation.ChallengeSize]byte
	session   signer.Session
}

// State returns the request state.
func (c *AttestContext) State() AttestState {
	return c.state
}

// IPA returns the destination of the current request.
func (c *AttestContext) IPA() hostarch.Addr {
	return c.ipa
}

// Challenge returns the challenge of the current request.
func (c *AttestContext) Challenge() [attestation.ChallengeSize]byte {
	return c.challenge
}

// Reset abandons any request in progress.
func (c *AttestContext) Reset() {
	*c = AttestContext{}
}

// finish ends the current request. The destination is kept so that a
// repeated continue reports a state error.
func (c *AttestContext) finish() {
	c.state = AttestNotStarted
	c.session = nil
}

// Start records a new request for a token written to ipa. The session must
// have been started with claims that include challenge.
func (c *AttestContext) Start(ipa hostarch.Addr, challenge [attestation.ChallengeSize]byte, s signer.Session) {
	c.state = AttestInProgress
	c.ipa = ipa
	c.challenge = challenge
	c.session = s
}

// Continue advances the request for the destination ipa.
//
// Errors from the signing session and unknown states are fatal.
func (c *AttestContext) Continue(ipa hostarch.Addr, w TokenWriter) ContinueResult {
	if ipa != c.ipa {
		return ContinueResult{Status: rsi.ErrorInput}
	}
	switch c.state {
	case AttestNotStarted:
		return ContinueResult{Status: rsi.ErrorState}

	case AttestInProgress:
		st, err := c.session.Step()
		if err != nil {
			panic(fmt.Sprintf("attestation token signing failed: %v", err))
		}
		switch st {
		case signer.InProgress:
		case signer.Done:
			c.state = AttestWriteInProgress
		default:
			panic(fmt.Sprintf("attestation session returned %v", st))
		}
		return ContinueResult{Status: rsi.Incomplete}

	case AttestWriteInProgress:
		tok := c.session.Token()
		ws, level := w.WriteToken(ipa, tok)
		switch ws {
		case TokenWritten:
			c.finish()
			return ContinueResult{Status: rsi.Success, Len: uint64(len(tok))}
		case TokenUnmapped:
			return ContinueResult{Status: rsi.Incomplete, Abort: true, Level: level}
		case TokenRejected:
			c.finish()
			return ContinueResult{Status: rsi.ErrorInput}
		default:
			panic(fmt.Sprintf("token write returned %d", ws))
		}

	default:
		panic(fmt.Sprintf("attestation context in state %v", c.state))
	}
}
