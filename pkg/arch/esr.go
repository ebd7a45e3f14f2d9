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

package arch

import "gvisor.dev/rmm/pkg/hostarch"

// Exception syndrome register fields reported to the host on a REC exit.
const (
	ESRECShift = 26
	ESRECMask  = 0x3f << ESRECShift

	// ESRECDataAbort is a data abort taken from a lower exception level.
	ESRECDataAbort = 0x24

	// ESRECWFx is a trapped WFI or WFE.
	ESRECWFx = 0x01

	// ESRIL marks a 32-bit instruction.
	ESRIL = 1 << 25

	// ESRISV marks the syndrome fields below as valid.
	ESRISV = 1 << 24

	ESRSASShift = 22
	ESRSASMask  = 0x3 << ESRSASShift

	ESRSRTShift = 16
	ESRSRTMask  = 0x1f << ESRSRTShift

	// ESRWnR marks a write.
	ESRWnR = 1 << 6

	// ESRFSCTranslation is the fault status code of a translation fault
	// at level 0. The level is added to it.
	ESRFSCTranslation = 0x04
	ESRFSCMask        = 0x3f
)

// DataAbortESR returns the syndrome of an emulatable data abort: an access
// of 1<<sas bytes to or from register srt.
func DataAbortESR(write bool, srt int, sas int) uint64 {
	esr := uint64(ESRECDataAbort)<<ESRECShift | ESRIL | ESRISV |
		uint64(sas)<<ESRSASShift&ESRSASMask |
		uint64(srt)<<ESRSRTShift&ESRSRTMask |
		(ESRFSCTranslation + MaxTranslationLevel)
	if write {
		esr |= ESRWnR
	}
	return esr
}

// TranslationFaultESR returns the syndrome of a stage 2 translation fault at
// level that the host must resolve. It carries no access information.
func TranslationFaultESR(level int) uint64 {
	return uint64(ESRECDataAbort)<<ESRECShift | ESRIL | uint64(ESRFSCTranslation+level)
}

// WFxESR returns the syndrome of a trapped WFI.
func WFxESR() uint64 {
	return uint64(ESRECWFx)<<ESRECShift | ESRIL
}

// ESRIsEmulatable returns true if esr describes a data abort the host may
// emulate, and returns its register and direction.
func ESRIsEmulatable(esr uint64) (srt int, write bool, ok bool) {
	if esr&ESRECMask != ESRECDataAbort<<ESRECShift || esr&ESRISV == 0 {
		return 0, false, false
	}
	return int(esr&ESRSRTMask) >> ESRSRTShift, esr&ESRWnR != 0, true
}

// MaxTranslationLevel is the level of page mappings.
const MaxTranslationLevel = 3

// HPFAR returns the faulting IPA page field of HPFAR_EL2 for ipa.
func HPFAR(ipa hostarch.Addr) uint64 {
	return uint64(ipa>>hostarch.GranuleShift) << 4
}

// HPFARToIPA returns the page address encoded in hpfar.
func HPFARToIPA(hpfar uint64) hostarch.Addr {
	return hostarch.Addr(hpfar>>4) << hostarch.GranuleShift
}
