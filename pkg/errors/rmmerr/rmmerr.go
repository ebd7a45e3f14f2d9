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

// Package rmmerr contains the monitor's error values exported as error
// interface pointers. This allows for fast comparison and return operations
// comparable to status constants.
package rmmerr

import (
	"errors"
	"fmt"

	"gvisor.dev/rmm/pkg/abi/rmi"
	rmmerrors "gvisor.dev/rmm/pkg/errors"
)

// The following errors are the RMI status values a handler may report. None
// of them is returned after an observable side effect.
var (
	ErrInput = rmmerrors.New(rmi.ErrorInput, "invalid input")
	ErrRealm = rmmerrors.New(rmi.ErrorRealm, "realm in wrong state")
	ErrREC   = rmmerrors.New(rmi.ErrorREC, "REC in wrong state")
	ErrRTT   = rmmerrors.New(rmi.ErrorRTT, "RTT walk stopped early")
	ErrInUse = rmmerrors.New(rmi.ErrorInUse, "object in use")
)

// RTTError returns ErrRTT qualified with the level at which the walk stopped.
func RTTError(level int) error {
	return ErrRTT.WithIndex(uint8(level))
}

// StatusOf translates err into the RMI return value. A nil error is
// RMI_SUCCESS. Any error that is not an *errors.Error is an internal fault.
func StatusOf(err error) (rmi.Status, uint8) {
	if err == nil {
		return rmi.Success, 0
	}
	var e *rmmerrors.Error
	if !errors.As(err, &e) {
		panic(fmt.Sprintf("untranslated monitor error: %v", err))
	}
	return e.Status(), e.Index()
}

// Inputf wraps ErrInput with a formatted explanation for logs.
func Inputf(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrInput, fmt.Sprintf(format, v...))
}
