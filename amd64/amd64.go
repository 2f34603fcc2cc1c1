// x86-64 processor support
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package amd64 provides the bootstrap-processor primitives this module
// needs to run as a `GOOS=tamago GOARCH=amd64` freestanding binary:
// runtime.Exit/Idle wiring, CPUID feature detection, and an RDRAND-backed
// entropy source. Multi-core bring-up and external interrupt servicing
// are out of scope here: the post-EBS phase runs single-core and
// polling-driven, so the AP bring-up, LAPIC/IOAPIC, and IDT machinery
// the upstream TamaGo amd64 port carries for those cases has no caller
// in this tree and was dropped rather than kept unused.
package amd64

import (
	"math"
	"runtime"
	_ "unsafe"

	"github.com/morpheusx-boot/netstack/internal/hwio"
)

// Keyboard controller port, used for CPU.Reset.
const KBD_PORT = 0x64

//go:linkname ramStackOffset runtime.ramStackOffset
var ramStackOffset uint64 = 0x100000 // 1 MB

// CPU represents the Bootstrap Processor (BSP) instance.
type CPU struct {
	// Timer multiplier converting a TSC delta to nanoseconds, set from
	// the handoff's calibrated frequency rather than detected here.
	TimerMultiplier float64
	// Timer offset in nanoseconds
	TimerOffset int64

	// features
	features Features
}

// defined in amd64.s
func exit(int32)
func halt()

// Fault generates a triple fault, the microvm convention for a
// guest-initiated reset with no ACPI/PS2 reset pin to pulse.
func Fault()

// Init performs initialization of the single AMD64 bootstrap processor
// this module ever runs on.
func (cpu *CPU) Init() {
	runtime.Exit = exit
	runtime.Idle = func(pollUntil int64) {
		// single-core, nothing else can make progress while idle
		if pollUntil == math.MaxInt64 {
			halt()
		}
	}

	cpu.initFeatures()
}

// Name returns the CPU identifier.
func (cpu *CPU) Name() string {
	return runtime.CPU()
}

// Halt suspends execution until an interrupt is received.
func (cpu *CPU) Halt() {
	halt()
}

// Reset resets the CPU pin via 8042 keyboard controller pulse.
func (cpu *CPU) Reset() {
	hwio.Out8(KBD_PORT, 0xfe)
}

// SetTimer calibrates the TSC-to-nanosecond multiplier from a frequency
// in Hz. Unlike the upstream TamaGo amd64 port, this never measures the
// TSC frequency itself against an ACPI PM timer or kvmclock pairing —
// the preboot phase already did that calibration and carries the result
// in BootHandoff, so there is nothing left for this CPU to discover.
func (cpu *CPU) SetTimer(hz uint64) {
	cpu.TimerMultiplier = 1e9 / float64(hz)
}

// GetTime converts the current TSC count to a nanosecond timestamp using
// the multiplier SetTimer established. It backs runtime.nanotime1.
func (cpu *CPU) GetTime() int64 {
	return int64(float64(hwio.ReadTSC())*cpu.TimerMultiplier) + cpu.TimerOffset
}
