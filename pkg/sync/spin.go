// Copyright 2026 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"runtime"
	"sync/atomic"
)

// spinYieldAfter is the number of failed acquisition attempts after which a
// spinning goroutine starts yielding its P between attempts.
const spinYieldAfter = 64

// SpinMutex is a mutual exclusion lock that never parks the caller.
//
// Acquisition has acquire semantics and release has release semantics. There
// is no fairness guarantee and no timeout. The zero value is unlocked.
type SpinMutex struct {
	_ NoCopy
	v atomic.Uint32
}

// Lock locks m, spinning until it is available.
func (m *SpinMutex) Lock() {
	for i := 0; ; i++ {
		if m.v.Load() == 0 && m.v.CompareAndSwap(0, 1) {
			return
		}
		if i >= spinYieldAfter {
			runtime.Gosched()
		}
	}
}

// TryLock attempts to lock m once and reports whether it succeeded.
func (m *SpinMutex) TryLock() bool {
	return m.v.CompareAndSwap(0, 1)
}

// Unlock unlocks m.
//
// Unlocking an unlocked SpinMutex is a fatal error.
func (m *SpinMutex) Unlock() {
	if m.v.Swap(0) != 1 {
		panic("sync: unlock of unlocked SpinMutex")
	}
}

// IsLocked reports whether m is currently held by anybody. It is only useful
// for assertions.
func (m *SpinMutex) IsLocked() bool {
	return m.v.Load() != 0
}
