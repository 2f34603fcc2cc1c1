// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"bytes"
	"testing"
	"unsafe"
)

func ptrOf(buf []byte) unsafe.Pointer {
	return unsafe.Pointer(&buf[0])
}

func testRegion() *Region {
	buf := make([]byte, 64*1024)
	base := uint64(uintptr(ptrOf(buf)))
	return NewRegion(base, base+0x1000_0000, uint64(len(buf)))
}

func TestAllocFreeRoundtrip(t *testing.T) {
	r := testRegion()

	want := []byte("virtio descriptor table")
	cpuAddr, busAddr := r.Alloc(want, 0)

	if cpuAddr == 0 {
		t.Fatal("expected non-zero cpu address")
	}

	if busAddr == cpuAddr {
		t.Fatal("expected bus address to differ from cpu address under translation")
	}

	got := make([]byte, len(want))
	r.Read(cpuAddr, 0, got)

	if !bytes.Equal(got, want) {
		t.Fatalf("Read() = %q, want %q", got, want)
	}

	r.Free(cpuAddr)

	// a second allocation of the same size should reclaim the freed block
	cpuAddr2, _ := r.Alloc(want, 0)

	if cpuAddr2 != cpuAddr {
		t.Fatalf("expected reclaimed address %#x, got %#x", cpuAddr, cpuAddr2)
	}
}

func TestReserveReleaseDistinctFromAllocFree(t *testing.T) {
	r := testRegion()

	addr, _, buf := r.Reserve(128, 0)

	if addr == 0 || len(buf) != 128 {
		t.Fatalf("Reserve() = (%#x, len %d), want non-zero addr and len 128", addr, len(buf))
	}

	// Free (not Release) must not free a reserved block.
	r.Free(addr)

	if _, _, buf2 := r.Reserve(128, 0); len(buf2) == 128 && sameBacking(buf, buf2) {
		t.Fatal("Free() released a block allocated with Reserve()")
	}

	r.Release(addr)
}

func TestAlignment(t *testing.T) {
	r := testRegion()

	// force an odd-sized allocation ahead of the aligned one, so the
	// allocator must insert a padding block to satisfy alignment.
	r.Alloc([]byte{1, 2, 3}, 0)

	cpuAddr, _ := r.Alloc(make([]byte, 64), 64)

	if cpuAddr%64 != 0 {
		t.Fatalf("expected 64-byte aligned address, got %#x", cpuAddr)
	}
}

func sameBacking(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && ptrOf(a) == ptrOf(b)
}
