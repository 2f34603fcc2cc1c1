// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package boot

import (
	"encoding/binary"
	"unsafe"

	"github.com/morpheusx-boot/netstack/amd64"
	"github.com/morpheusx-boot/netstack/internal/hwio"
)

// HandoffAddr is the fixed physical address the preboot loader leaves the
// 256-byte BootHandoff record at before transferring control; agreed
// between the loader and this binary at build time, the same way board
// packages in this module's ancestry fix peripheral base addresses. It
// is read twice: once here, directly, to calibrate the monotonic clock
// before main ever runs, and once by Bringup to build the rest of the
// System.
const HandoffAddr = uintptr(0x0010_0000)

// COM1 is the fixed UART port this binary logs to. Unlike the upstream
// board packages this module descends from, there is no discovery path
// for it post-EBS: the preboot phase does not hand a console address
// down in BootHandoff, so it is compiled in exactly like mirrorURL and
// payloadStartSector in cmd/morpheusx.
const COM1 = 0x3f8

var cpu = &amd64.CPU{}

// nanotime1 backs the Go runtime's monotonic clock for the whole of this
// binary's lifetime, scheduler included. It must work before main runs,
// so it cannot go through Bringup/Unmarshal: hwinit1 below calibrates it
// directly off the raw handoff bytes the moment it fires.
//
//go:linkname nanotime1 runtime.nanotime1
func nanotime1() int64 {
	return cpu.GetTime()
}

// printk backs os.Stdout/Stderr and every diag.Printf call in this
// binary. It writes one byte at a time to COM1 with no LSR transmit-
// ready poll, matching the convention the QEMU microvm board this
// module's UART handling is grounded on uses for the same port.
//
//go:linkname printk runtime.printk
func printk(c byte) {
	hwio.Out8(COM1, c)
}

// Init calibrates the TSC multiplier from the handoff's tsc_freq field
// and wires runtime.Exit/Idle, then returns. It runs post World start
// but before main, so the handoff record is read here directly rather
// than through Bringup: any further validation of the record happens
// moments later in Bringup itself, called from main.
//
//go:linkname Init runtime.hwinit1
func Init() {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(HandoffAddr)), Size)
	hz := binary.LittleEndian.Uint64(raw[offTSCFreq:])

	if hz == 0 {
		hz = 1_000_000_000 // degrade to a 1GHz guess rather than divide by zero
	}

	cpu.SetTimer(hz)
	cpu.Init()
}
