// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"errors"

	"github.com/morpheusx-boot/netstack/dma"
	"github.com/morpheusx-boot/netstack/internal/hwio"
)

// Descriptor flags (VirtIO 1.2 §2.7.5).
const (
	DescNext     = 1
	DescWrite    = 2
	DescIndirect = 4
)

const descriptorSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// MinRXBufferSize is the minimum RX buffer capacity required by the
// virtio-net header plus a full, non-jumbo Ethernet frame: 12-byte header
// + 1514-byte MTU frame (§4.4/§4.5).
const MinRXBufferSize = 12 + 1514

// MaxQueueSize bounds the virtqueue size this engine will ever negotiate,
// independent of what the device advertises (§4.4).
const MaxQueueSize = 32768

// ErrQueueFull is returned by Submit when the queue has no free
// descriptor slots; the queue is left unmodified.
var ErrQueueFull = errors.New("virtio: queue full")

// VirtualQueue is a split virtqueue: a descriptor table, an avail ring,
// and a used ring, all within one contiguous DMA allocation, plus the
// per-descriptor staging buffers used to move data to and from the
// device.
type VirtualQueue struct {
	size uint16

	region *dma.Region

	// ring allocation
	ringCPU uint64
	ringBus uint64
	ringLen int

	descBus []uint64 // bus address of each descriptor's data buffer
	buf     [][]byte // CPU-side staging buffer for each descriptor

	availCPU uintptr
	usedCPU  uintptr

	nextAvail uint16
	lastUsed  uint16
}

func pow2Floor(n int) int {
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

// NewVirtualQueue allocates a split virtqueue of the given size (already
// chosen as a power of two not exceeding both the device's queue_num_max
// and MaxQueueSize) within region, with every descriptor pre-allocated a
// bufLen-byte staging buffer carrying the given flags (DescWrite for RX,
// 0 for TX).
func NewVirtualQueue(region *dma.Region, size int, bufLen int, flags uint16) (*VirtualQueue, error) {
	if size <= 0 || size != pow2Floor(size) || size > MaxQueueSize {
		return nil, errors.New("virtio: queue size must be a power of two")
	}

	q := &VirtualQueue{
		size:   uint16(size),
		region: region,
	}

	descTableLen := size * descriptorSize
	availLen := 4 + size*2 + 2   // flags + idx + ring[size] + used_event
	usedLen := 4 + size*8 + 2    // flags + idx + ring[size]*8 + avail_event
	ringPad := -availLen & 1     // word-align used ring start

	q.ringLen = descTableLen + availLen + ringPad + usedLen

	cpu, bus, buf := region.Reserve(q.ringLen, 16)
	for i := range buf {
		buf[i] = 0
	}

	q.ringCPU = cpu
	q.ringBus = bus
	q.availCPU = uintptr(cpu) + uintptr(descTableLen)
	q.usedCPU = uintptr(cpu) + uintptr(descTableLen+availLen+ringPad)

	q.descBus = make([]uint64, size)
	q.buf = make([][]byte, size)

	for i := 0; i < size; i++ {
		_, dbus, dbuf := region.Reserve(bufLen, 0)
		q.descBus[i] = dbus
		q.buf[i] = dbuf

		q.writeDescriptor(i, dbus, uint32(bufLen), flags, 0)
	}

	if flags == DescWrite {
		// pre-fill: make all RX buffers immediately available to the
		// device.
		for i := 0; i < size; i++ {
			q.setAvailRing(uint16(i), uint16(i))
		}

		q.nextAvail = uint16(size)
		hwio.StoreFence()
		q.setAvailIndex(uint16(size))
	}

	return q, nil
}

// Addresses returns the bus addresses of the descriptor table, avail ring,
// and used ring, for Transport.SetQueueAddrs.
func (q *VirtualQueue) Addresses() (desc, avail, used uint64) {
	return q.ringBus, q.region.BusAddress(uint64(q.availCPU)), q.region.BusAddress(uint64(q.usedCPU))
}

func (q *VirtualQueue) descOffset(i int) uintptr {
	return uintptr(q.ringCPU) + uintptr(i*descriptorSize)
}

func (q *VirtualQueue) writeDescriptor(i int, addr uint64, length uint32, flags uint16, next uint16) {
	off := q.descOffset(i)

	hwio.Write64(off, addr)
	hwio.Write32(off+8, length)
	hwio.Write16(off+12, flags)
	hwio.Write16(off+14, next)
}

func (q *VirtualQueue) setDescriptorLength(i int, length uint32) {
	hwio.Write32(q.descOffset(i)+8, length)
}

func (q *VirtualQueue) setAvailRing(slot uint16, descIndex uint16) {
	off := q.availCPU + 4 + uintptr(slot)*2
	hwio.Write16(off, descIndex)
}

func (q *VirtualQueue) setAvailIndex(idx uint16) {
	hwio.Write16(q.availCPU+2, idx)
}

func (q *VirtualQueue) readUsedIndex() uint16 {
	return hwio.Read16(q.usedCPU + 2)
}

func (q *VirtualQueue) readUsedRing(slot uint16) (descIndex uint32, length uint32) {
	off := q.usedCPU + 4 + uintptr(slot)*8
	descIndex = uint32(hwio.Read32(off))
	length = uint32(hwio.Read32(off + 4))
	return
}

// pending reports the number of buffers currently lent to the device (sum
// of TX-in-flight and not-yet-refilled RX slots).
func (q *VirtualQueue) pending() uint16 {
	return q.nextAvail - q.lastUsed
}

// Submit hands descriptor index buf's payload (already written into its
// staging buffer by the caller via Buffer) to the device, following the
// exact ordering of §4.4: write descriptor fields, store fence, publish
// avail.ring entry, store fence, increment avail.idx, full fence, notify.
//
// The caller chooses descIndex; for TX it must have filled
// Buffer(descIndex) first, for RX it resubmits a descriptor it has just
// consumed.
func (q *VirtualQueue) Submit(descIndex int, length uint32, flags uint16) error {
	if q.pending() >= q.size {
		return ErrQueueFull
	}

	q.writeDescriptor(descIndex, q.descBus[descIndex], length, flags, 0)
	hwio.StoreFence()

	slot := q.nextAvail % q.size
	q.setAvailRing(slot, uint16(descIndex))
	hwio.StoreFence()

	q.nextAvail++
	q.setAvailIndex(q.nextAvail)
	hwio.FullFence()

	return nil
}

// ChainEntry is one link of a multi-descriptor request, for devices whose
// protocol splits a request across descriptors with differing
// driver/device write permissions (virtio-blk: read-only header, a data
// descriptor whose writability depends on the request direction, and a
// device-writable status byte).
type ChainEntry struct {
	DescIndex int
	Length    uint32
	Flags     uint16
}

// SubmitChain hands a chain of descriptors to the device as a single
// request, linking them with DescNext in order and publishing only the
// head descriptor's index to the avail ring, following the same ordering
// as Submit.
func (q *VirtualQueue) SubmitChain(chain []ChainEntry) error {
	if len(chain) == 0 {
		return errors.New("virtio: empty descriptor chain")
	}

	if q.pending() >= q.size {
		return ErrQueueFull
	}

	for i, entry := range chain {
		flags := entry.Flags
		next := uint16(0)

		if i < len(chain)-1 {
			flags |= DescNext
			next = uint16(chain[i+1].DescIndex)
		}

		q.writeDescriptor(entry.DescIndex, q.descBus[entry.DescIndex], entry.Length, flags, next)
	}

	hwio.StoreFence()

	slot := q.nextAvail % q.size
	q.setAvailRing(slot, uint16(chain[0].DescIndex))
	hwio.StoreFence()

	q.nextAvail++
	q.setAvailIndex(q.nextAvail)
	hwio.FullFence()

	return nil
}

// CompletionOutcome carries the result of a single completion poll.
type CompletionOutcome struct {
	// DescIndex is the descriptor index the device finished with,
	// DRIVER-OWNED as of this call's return.
	DescIndex int
	// Length is the device-reported length (valid bytes written, for
	// RX; ignored for TX).
	Length uint32
}

// Poll performs a single completion poll, following the exact ordering of
// §4.4: read used.idx, compare to last-seen, load fence, read the used
// ring entry, load fence before the buffer is touched, advance last_used.
// Returns ok=false if there is nothing new to report.
func (q *VirtualQueue) Poll() (outcome CompletionOutcome, ok bool) {
	idx := q.readUsedIndex()

	if idx == q.lastUsed {
		return CompletionOutcome{}, false
	}

	hwio.LoadFence()

	descIndex, length := q.readUsedRing(q.lastUsed % q.size)

	hwio.LoadFence()

	q.lastUsed++

	return CompletionOutcome{DescIndex: int(descIndex), Length: length}, true
}

// Buffer returns the CPU-side staging buffer for a descriptor index,
// sliced to length bytes (0 meaning the descriptor's full capacity).
func (q *VirtualQueue) Buffer(descIndex int, length int) []byte {
	if length == 0 || length > len(q.buf[descIndex]) {
		return q.buf[descIndex]
	}

	return q.buf[descIndex][:length]
}

// Size returns the number of descriptors in the queue.
func (q *VirtualQueue) Size() int {
	return int(q.size)
}
