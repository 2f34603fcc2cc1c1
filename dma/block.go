// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import "unsafe"

type block struct {
	// CPU-side address, dereferenceable directly by this process.
	cpuAddr uint64
	// bus-side address, the value a device must be programmed with.
	busAddr uint64
	// allocation size in bytes.
	size uint64
	// distinguishes Alloc/Free blocks from Reserve/Release blocks.
	res bool
}

func (b *block) read(off uint64, buf []byte) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.cpuAddr+off))), len(buf))
	copy(buf, mem)
}

func (b *block) write(off uint64, buf []byte) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.cpuAddr+off))), len(buf))
	copy(mem, buf)
}

func (b *block) slice() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.cpuAddr))), int(b.size))
}
