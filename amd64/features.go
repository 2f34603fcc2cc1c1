// x86-64 processor support
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

import (
	"github.com/morpheusx-boot/netstack/bits"
)

// CPUID function numbers
//
// (Intel® Architecture Instruction Set Extensions
// and Future Features Programming Reference
// 1.5 CPUID INSTRUCTION).
const (
	CPUID_INFO = 0x01

	CPUID_APM         = 0x80000007
	APM_TSC_INVARIANT = 8
)

// KVM CPUID function numbers
//
// (https://docs.kernel.org/virt/kvm/x86/cpuid.html)
const (
	CPUID_KVM_SIGNATURE = 0x40000000
	KVM_SIGNATURE       = 0x4b4d564b // "KVMK"

	CPUID_KVM_FEATURES    = 0x40000001
	FEATURES_CLOCKSOURCE  = 0
	FEATURES_CLOCKSOURCE2 = 3
)

// kvmclock MSRs
const (
	MSR_KVM_SYSTEM_TIME     = 0x12
	MSR_KVM_SYSTEM_TIME_NEW = 0x4b564d01
)

// Features represents the processor capabilities detected through the
// CPUID instruction, limited to what this module's timekeeping actually
// consults.
type Features struct {
	// TSCInvariant indicates whether the Time Stamp Counter is
	// guaranteed to be at constant rate across P-state/C-state
	// transitions. The handoff's calibrated frequency is trusted either
	// way, but a non-invariant TSC is logged as a diagnostic.
	TSCInvariant bool

	// KVM indicates whether a Kernel-based Virtual Machine is detected.
	KVM bool
	// KVMClockMSR is the kvmclock Model Specific Register to read for a
	// wall-clock pairing, zero if unavailable.
	KVMClockMSR uint32
}

// defined in features.s
func cpuid(eaxArg, ecxArg uint32) (eax, ebx, ecx, edx uint32)

// CPUID returns the processor capabilities.
func (cpu *CPU) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid(leaf, subleaf)
}

func (cpu *CPU) initFeatures() {
	_, _, _, apmFeatures := cpuid(CPUID_APM, 0)
	cpu.features.TSCInvariant = bits.Get(&apmFeatures, APM_TSC_INVARIANT)

	if _, kvmk, _, _ := cpuid(CPUID_KVM_SIGNATURE, 0); kvmk != KVM_SIGNATURE {
		return
	}

	cpu.features.KVM = true
	kvmFeatures, _, _, _ := cpuid(CPUID_KVM_FEATURES, 0)

	if bits.Get(&kvmFeatures, FEATURES_CLOCKSOURCE) {
		cpu.features.KVMClockMSR = MSR_KVM_SYSTEM_TIME
	}

	if bits.Get(&kvmFeatures, FEATURES_CLOCKSOURCE2) {
		cpu.features.KVMClockMSR = MSR_KVM_SYSTEM_TIME_NEW
	}
}

// Features returns the processor capabilities.
func (cpu *CPU) Features() *Features {
	return &cpu.features
}
