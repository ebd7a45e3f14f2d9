// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definition for the monitor.
package errors

import (
	"gvisor.dev/rmm/pkg/abi/rmi"
)

// Error represents an RMI status with a descriptive message.
//
// The index qualifies the status; for RMI_ERROR_RTT it is the level at which
// the table walk stopped.
type Error struct {
	status  rmi.Status
	index   uint8
	message string
}

// New creates a new *Error.
func New(status rmi.Status, message string) *Error {
	return &Error{
		status:  status,
		message: message,
	}
}

// WithIndex returns a copy of e carrying the given index.
func (e *Error) WithIndex(index uint8) *Error {
	return &Error{
		status:  e.status,
		index:   index,
		message: e.message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the underlying status value.
func (e *Error) Status() rmi.Status { return e.status }

// Index returns the status index.
func (e *Error) Index() uint8 { return e.index }

// Is reports whether target is an *Error with the same status. The index is
// not compared, so a level-qualified RTT error matches the RTT sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.status == e.status
}
