// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"container/list"
	"fmt"
	"unsafe"
)

// Region represents the single DMA-capable memory region handed off by the
// pre-EBS phase. It is owned exclusively by whichever driver value receives
// it; the poll loop is the only mutating context, so no lock is required.
type Region struct {
	cpuBase uint64
	busBase uint64
	size    uint64

	freeBlocks *list.List
	usedBlocks map[uint64]*block
}

// NewRegion constructs a Region spanning [cpuBase, cpuBase+size) on the CPU
// side and [busBase, busBase+size) on the bus side. cpuBase and busBase are
// equal when no IOMMU translation is in effect (the common case for a
// microvm or a 1:1-mapped physical bus). size must already be page-aligned
// by the caller; the pre-EBS handoff guarantees at least 2 MiB.
func NewRegion(cpuBase, busBase, size uint64) *Region {
	r := &Region{
		cpuBase: cpuBase,
		busBase: busBase,
		size:    size,
	}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(&block{cpuAddr: cpuBase, busAddr: busBase, size: size})
	r.usedBlocks = make(map[uint64]*block)

	return r
}

// Start returns the region's CPU-side base address.
func (r *Region) Start() uint64 {
	return r.cpuBase
}

// End returns the region's CPU-side exclusive end address.
func (r *Region) End() uint64 {
	return r.cpuBase + r.size
}

// Size returns the region size in bytes.
func (r *Region) Size() uint64 {
	return r.size
}

// BusAddress translates a CPU-side address within the region to the
// corresponding bus-side address a device must be programmed with.
func (r *Region) BusAddress(cpuAddr uint64) uint64 {
	return r.busBase + (cpuAddr - r.cpuBase)
}

// Reserve allocates size bytes within the region, with optional power-of-2
// alignment (0 forces word alignment), and returns both addressings along
// with a byte slice backed directly by the allocation. Unlike Alloc, the
// returned buffer is uninitialized and Read is a no-op against it; the
// caller is expected to fill it in place (RX descriptors, TX staging
// buffers). The allocation is freed with Release.
func (r *Region) Reserve(size int, align int) (cpuAddr uint64, busAddr uint64, buf []byte) {
	if size == 0 {
		return 0, 0, nil
	}

	b := r.alloc(uint64(size), uint64(align))
	b.res = true

	r.usedBlocks[b.cpuAddr] = b

	return b.cpuAddr, b.busAddr, b.slice()
}

// Reserved reports whether buf is backed by memory within this region,
// returning its CPU-side address if so.
func (r *Region) Reserved(buf []byte) (res bool, cpuAddr uint64) {
	if len(buf) == 0 {
		return false, 0
	}

	ptr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	res = ptr >= r.cpuBase && ptr+uint64(len(buf)) <= r.cpuBase+r.size

	return res, ptr
}

// Alloc copies buf into a newly allocated block within the region and
// returns both addressings. If buf was itself produced by Reserve, its
// existing addresses are returned without a further allocation or copy.
func (r *Region) Alloc(buf []byte, align int) (cpuAddr uint64, busAddr uint64) {
	size := len(buf)

	if size == 0 {
		return 0, 0
	}

	if res, addr := r.Reserved(buf); res {
		return addr, r.BusAddress(addr)
	}

	b := r.alloc(uint64(size), uint64(align))
	b.write(0, buf)

	r.usedBlocks[b.cpuAddr] = b

	return b.cpuAddr, b.busAddr
}

// Read copies len(buf) bytes from the allocation at cpuAddr, starting at
// off, into buf. cpuAddr must have been returned by Alloc. Against a buffer
// produced by Reserve this is a no-op, since reserved memory is assumed
// already current.
func (r *Region) Read(cpuAddr uint64, off int, buf []byte) {
	size := len(buf)

	if cpuAddr == 0 || size == 0 {
		return
	}

	if res, _ := r.Reserved(buf); res {
		return
	}

	b, ok := r.usedBlocks[cpuAddr]

	if !ok {
		panic("dma: read of unallocated address")
	}

	if uint64(off+size) > b.size {
		panic("dma: invalid read parameters")
	}

	b.read(uint64(off), buf)
}

// Write copies buf into the allocation at cpuAddr, starting at off.
// cpuAddr must have been returned by Alloc or Reserve.
func (r *Region) Write(cpuAddr uint64, off int, buf []byte) {
	size := len(buf)

	if cpuAddr == 0 || size == 0 {
		return
	}

	b, ok := r.usedBlocks[cpuAddr]

	if !ok {
		return
	}

	if uint64(off+size) > b.size {
		panic("dma: invalid write parameters")
	}

	b.write(uint64(off), buf)
}

// Free releases the allocation at cpuAddr, which must have been returned by
// Alloc.
func (r *Region) Free(cpuAddr uint64) {
	r.freeBlock(cpuAddr, false)
}

// Release releases the allocation at cpuAddr, which must have been returned
// by Reserve.
func (r *Region) Release(cpuAddr uint64) {
	r.freeBlock(cpuAddr, true)
}

func (r *Region) defrag() {
	var prevBlock *block

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prevBlock != nil && prevBlock.cpuAddr+prevBlock.size == b.cpuAddr {
			prevBlock.size += b.size
			defer r.freeBlocks.Remove(e)
			continue
		}

		prevBlock = b
	}
}

func (r *Region) alloc(size uint64, align uint64) *block {
	var e *list.Element
	var freeBlock *block
	var pad uint64

	if align == 0 {
		align = 4
	}

	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		pad = uint64(-int64(b.cpuAddr) & int64(align-1))
		needed := size + pad

		if b.size >= needed {
			freeBlock = b
			break
		}
	}

	if freeBlock == nil {
		panic(fmt.Sprintf("dma: out of memory allocating %d bytes align %d", size, align))
	}

	defer r.freeBlocks.Remove(e)

	if pad != 0 {
		before := &block{
			cpuAddr: freeBlock.cpuAddr,
			busAddr: freeBlock.busAddr,
			size:    pad,
		}

		freeBlock.cpuAddr += pad
		freeBlock.busAddr += pad
		freeBlock.size -= pad

		r.freeBlocks.InsertBefore(before, e)
	}

	if rem := freeBlock.size - size; rem != 0 {
		after := &block{
			cpuAddr: freeBlock.cpuAddr + size,
			busAddr: freeBlock.busAddr + size,
			size:    rem,
		}

		freeBlock.size = size
		r.freeBlocks.InsertAfter(after, e)
	}

	return freeBlock
}

func (r *Region) free(usedBlock *block) {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.cpuAddr > usedBlock.cpuAddr {
			r.freeBlocks.InsertBefore(usedBlock, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(usedBlock)
	r.defrag()
}

func (r *Region) freeBlock(cpuAddr uint64, res bool) {
	if cpuAddr == 0 {
		return
	}

	b, ok := r.usedBlocks[cpuAddr]

	if !ok {
		return
	}

	if b.res != res {
		return
	}

	r.free(b)
	delete(r.usedBlocks, cpuAddr)
}
