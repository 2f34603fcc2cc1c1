// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hwio provides typed primitives for MMIO/PIO register access,
// MSRs, the time stamp counter and the memory/cache barriers required to
// drive bus-mastering devices without an operating system underneath.
//
// This package is only meant to be used post-ExitBootServices on amd64, as
// a freestanding binary with no allocator, scheduler or interrupt
// controller backing it.
package hwio

import (
	"sync/atomic"
	"unsafe"
)

// Read8 performs an 8-bit load from the given MMIO address.
func Read8(addr uintptr) uint8 {
	return *(*uint8)(unsafe.Pointer(addr))
}

// Write8 performs an 8-bit store to the given MMIO address.
func Write8(addr uintptr, val uint8) {
	*(*uint8)(unsafe.Pointer(addr)) = val
}

// Read16 performs a 16-bit load from the given MMIO address. There is no
// portable atomic 16-bit primitive in the standard library; 16-bit VirtIO
// and PCI registers are never contended with a second CPU (spec: single
// core, post-EBS) so a direct load is sufficient.
func Read16(addr uintptr) uint16 {
	return *(*uint16)(unsafe.Pointer(addr))
}

// Write16 performs a 16-bit store to the given MMIO address.
func Write16(addr uintptr, val uint16) {
	*(*uint16)(unsafe.Pointer(addr)) = val
}

// Read32 performs a 32-bit load from the given MMIO address.
func Read32(addr uintptr) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(addr)))
}

// Write32 performs a 32-bit store to the given MMIO address.
func Write32(addr uintptr, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), val)
}

// Read64 performs a 64-bit load from the given MMIO address.
func Read64(addr uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
}

// Write64 performs a 64-bit store to the given MMIO address.
func Write64(addr uintptr, val uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), val)
}

// Set32 sets an individual bit of a 32-bit register.
func Set32(addr uintptr, pos int) {
	Write32(addr, Read32(addr)|(1<<uint(pos)))
}

// Clear32 clears an individual bit of a 32-bit register.
func Clear32(addr uintptr, pos int) {
	Write32(addr, Read32(addr)&^(1<<uint(pos)))
}

// IsSet32 reports whether an individual bit of a 32-bit register is set.
func IsSet32(addr uintptr, pos int) bool {
	return Read32(addr)&(1<<uint(pos)) != 0
}
