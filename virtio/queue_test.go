// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"testing"
	"unsafe"

	"github.com/morpheusx-boot/netstack/dma"
)

func testRegion(t *testing.T) *dma.Region {
	t.Helper()

	buf := make([]byte, 256*1024)
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))

	return dma.NewRegion(base, base, uint64(len(buf)))
}

func TestQueueFullDoesNotMutateState(t *testing.T) {
	q, err := NewVirtualQueue(testRegion(t), 4, MinRXBufferSize, 0)

	if err != nil {
		t.Fatalf("NewVirtualQueue() error: %v", err)
	}

	for i := 0; i < q.Size(); i++ {
		if err := q.Submit(i, 64, 0); err != nil {
			t.Fatalf("Submit(%d) unexpected error: %v", i, err)
		}
	}

	before := q.pending()

	if err := q.Submit(0, 64, 0); err != ErrQueueFull {
		t.Fatalf("Submit() on a full queue = %v, want ErrQueueFull", err)
	}

	if q.pending() != before {
		t.Fatalf("pending() changed after a rejected Submit: %d != %d", q.pending(), before)
	}
}

func TestPollEmptyQueueReturnsNotOK(t *testing.T) {
	q, err := NewVirtualQueue(testRegion(t), 4, MinRXBufferSize, 0)

	if err != nil {
		t.Fatalf("NewVirtualQueue() error: %v", err)
	}

	if _, ok := q.Poll(); ok {
		t.Fatal("Poll() on an untouched queue returned ok=true")
	}
}

// TestSubmitPollRoundTripLeavesBuffersFree exercises the property from
// spec scenario 2: after N submit+poll round trips against a queue of N
// buffers, the device must have consumed every one (pending returns to 0).
// It fakes the device side by writing directly to the used ring, since
// there is no real VirtIO device in a unit test.
func TestSubmitPollRoundTripLeavesBuffersFree(t *testing.T) {
	const size = 8

	q, err := NewVirtualQueue(testRegion(t), size, MinRXBufferSize, 0)

	if err != nil {
		t.Fatalf("NewVirtualQueue() error: %v", err)
	}

	for i := 0; i < size; i++ {
		if err := q.Submit(i, 64, 0); err != nil {
			t.Fatalf("Submit(%d): %v", i, err)
		}

		// simulate the device consuming descriptor i immediately.
		off := q.usedCPU + 4 + uintptr(i)*8
		writeUsedEntryForTest(off, uint32(i), 64)
		writeUsedIndexForTest(q.usedCPU+2, uint16(i+1))

		out, ok := q.Poll()

		if !ok {
			t.Fatalf("Poll() after Submit(%d): expected a completion", i)
		}

		if out.DescIndex != i {
			t.Fatalf("Poll().DescIndex = %d, want %d", out.DescIndex, i)
		}
	}

	if q.pending() != 0 {
		t.Fatalf("pending() = %d after a full round trip, want 0", q.pending())
	}
}

func writeUsedEntryForTest(off uintptr, descIndex uint32, length uint32) {
	*(*uint32)(unsafe.Pointer(off)) = descIndex
	*(*uint32)(unsafe.Pointer(off + 4)) = length
}

func writeUsedIndexForTest(off uintptr, idx uint16) {
	*(*uint16)(unsafe.Pointer(off)) = idx
}
