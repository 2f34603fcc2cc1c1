// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package virtioblk implements the VirtIO block device driver backing
// blockdev.Device.
package virtioblk

import (
	"encoding/binary"
	"errors"

	"github.com/morpheusx-boot/netstack/dma"
	"github.com/morpheusx-boot/netstack/virtio"
)

// Request types (VirtIO 1.2 §5.2.6).
const (
	reqIn    = 0 // read
	reqOut   = 1 // write
	reqFlush = 4
	reqGetID = 8
)

// Status codes written into the final descriptor of a request.
const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

// Feature bits this driver negotiates.
const (
	featBlkSize  = 1 << 6
	featFlush    = 1 << 9
	featVersion1 = 1 << 32
)

const requestedFeatures = featVersion1 | featBlkSize | featFlush

// reqHeaderLen is the fixed 16-byte virtio-blk request header: type(4),
// reserved(4), sector(8).
const reqHeaderLen = 16

const queueRequest = 0

// requestDataCap bounds a single data descriptor's staging buffer; the
// download orchestrator only ever writes a sector-sized buffer at a time
// (spec's "write-ahead buffer <= one sector"), so this comfortably covers
// any realistic sector size without needing a scatter/gather path.
const requestDataCap = 8192

// configCapacity is the offset of the 64-bit sector-count field in the
// virtio-blk config area.
const configCapacity = 0
const configBlkSize = 20

// Driver implements blockdev.Device over a VirtIO block device.
type Driver struct {
	dev *virtio.Device
	q   *virtio.VirtualQueue

	sectorSize   uint32
	totalSectors uint64

	slots     int // number of 3-descriptor request groups
	freeSlots []int
	pending   map[int]pendingRequest // head descriptor index -> request

	read *readState // the single outstanding Read, if any

	completedWrites int // write completions observed but not yet reclaimed
}

type pendingRequest struct {
	write bool
}

// readState tracks the single in-flight Read so repeated calls with the
// same (sector, buf) poll an existing request instead of resubmitting it.
type readState struct {
	sector    uint64
	buf       []byte
	headerIdx int
	dataIdx   int
	statusIdx int
	slot      int

	done bool
	err  error
}

// New negotiates and brings a VirtIO block device to DRIVER_OK, sizing the
// request queue to fit as many 3-descriptor (header/data/status) groups as
// the device and MaxQueueSize allow.
func New(transport virtio.Transport, region *dma.Region, waitForReset func() error) (*Driver, error) {
	dev := &virtio.Device{Transport: transport}

	if err := dev.Init(requestedFeatures, waitForReset); err != nil {
		return nil, err
	}

	transport.SelectQueue(queueRequest)

	max := transport.QueueNumMax()

	if max == 0 {
		return nil, errors.New("virtioblk: request queue unavailable")
	}

	size := max

	if size > virtio.MaxQueueSize {
		size = virtio.MaxQueueSize
	}

	q, err := virtio.NewVirtualQueue(region, size, requestDataCap, 0)

	if err != nil {
		return nil, err
	}

	transport.SetQueueSize(size)

	descBus, availBus, usedBus := q.Addresses()
	transport.SetQueueAddrs(descBus, availBus, usedBus)
	transport.EnableQueue()

	d := &Driver{
		dev:     dev,
		q:       q,
		slots:   size / 3,
		pending: make(map[int]pendingRequest),
	}

	for i := 0; i < d.slots; i++ {
		d.freeSlots = append(d.freeSlots, i)
	}

	cfg := transport.Config(configBlkSize + 4)
	d.totalSectors = binary.LittleEndian.Uint64(cfg[configCapacity : configCapacity+8])
	d.sectorSize = binary.LittleEndian.Uint32(cfg[configBlkSize : configBlkSize+4])

	if d.sectorSize == 0 {
		d.sectorSize = 512
	}

	dev.SetReady()

	return d, nil
}

// SectorSize returns the device's logical sector size in bytes.
func (d *Driver) SectorSize() uint32 {
	return d.sectorSize
}

// TotalSectors returns the device's capacity in sectors.
func (d *Driver) TotalSectors() uint64 {
	return d.totalSectors
}

func (d *Driver) descIndices(slot int) (header, data, status int) {
	base := slot * 3
	return base, base + 1, base + 2
}

// Write submits buf to be written starting at sector and returns
// immediately; completion is observed later through ReclaimWrites.
func (d *Driver) Write(sector uint64, buf []byte) error {
	if len(buf) > requestDataCap {
		return errors.New("virtioblk: request exceeds data buffer capacity")
	}

	if len(d.freeSlots) == 0 {
		return virtio.ErrQueueFull
	}

	slot := d.freeSlots[len(d.freeSlots)-1]
	d.freeSlots = d.freeSlots[:len(d.freeSlots)-1]

	headerIdx, dataIdx, statusIdx := d.descIndices(slot)

	d.writeHeader(headerIdx, reqOut, sector)

	dataBuf := d.q.Buffer(dataIdx, 0)
	copy(dataBuf, buf)

	statusBuf := d.q.Buffer(statusIdx, 0)
	statusBuf[0] = 0xff // sentinel, overwritten by the device on completion

	chain := []virtio.ChainEntry{
		{DescIndex: headerIdx, Length: reqHeaderLen, Flags: 0},
		{DescIndex: dataIdx, Length: uint32(len(buf)), Flags: 0},
		{DescIndex: statusIdx, Length: 1, Flags: virtio.DescWrite},
	}

	if err := d.q.SubmitChain(chain); err != nil {
		d.freeSlots = append(d.freeSlots, slot)
		return err
	}

	d.pending[headerIdx] = pendingRequest{write: true}
	d.dev.Transport.Notify(queueRequest)

	return nil
}

// Read fills buf starting at sector, returning ok=false until the
// device's completion has been observed. Calling Read again with the
// same (sector, buf) pair while a request is outstanding polls that
// request rather than submitting a second one; calling it with different
// arguments while one is outstanding is a caller error.
func (d *Driver) Read(sector uint64, buf []byte) (bool, error) {
	d.drainCompletions()

	if d.read != nil {
		if d.read.sector != sector || len(d.read.buf) != len(buf) {
			return false, errors.New("virtioblk: Read called with a different request while one is outstanding")
		}

		if !d.read.done {
			return false, nil
		}

		st := d.read
		d.read = nil

		if st.err != nil {
			return false, st.err
		}

		return true, nil
	}

	if len(buf) > requestDataCap {
		return false, errors.New("virtioblk: request exceeds data buffer capacity")
	}

	if len(d.freeSlots) == 0 {
		return false, virtio.ErrQueueFull
	}

	slot := d.freeSlots[len(d.freeSlots)-1]
	d.freeSlots = d.freeSlots[:len(d.freeSlots)-1]

	headerIdx, dataIdx, statusIdx := d.descIndices(slot)

	d.writeHeader(headerIdx, reqIn, sector)

	statusBuf := d.q.Buffer(statusIdx, 0)
	statusBuf[0] = 0xff

	chain := []virtio.ChainEntry{
		{DescIndex: headerIdx, Length: reqHeaderLen, Flags: 0},
		{DescIndex: dataIdx, Length: uint32(len(buf)), Flags: virtio.DescWrite},
		{DescIndex: statusIdx, Length: 1, Flags: virtio.DescWrite},
	}

	if err := d.q.SubmitChain(chain); err != nil {
		d.freeSlots = append(d.freeSlots, slot)
		return false, err
	}

	d.read = &readState{
		sector:    sector,
		buf:       buf,
		headerIdx: headerIdx,
		dataIdx:   dataIdx,
		statusIdx: statusIdx,
		slot:      slot,
	}
	d.pending[headerIdx] = pendingRequest{write: false}
	d.dev.Transport.Notify(queueRequest)

	return false, nil
}

// drainCompletions consumes every completion currently on the used ring,
// dispatching each to the outstanding Read (if it matches) or counting it
// toward completedWrites, and returns the descriptor slot to the free
// pool in either case. A single shared cursor over the queue (Poll) backs
// both Read and ReclaimWrites, so either call-site must route every
// completion it observes, not only the one it is looking for.
func (d *Driver) drainCompletions() {
	for {
		outcome, ok := d.q.Poll()

		if !ok {
			return
		}

		req, known := d.pending[outcome.DescIndex]

		if !known {
			continue
		}

		delete(d.pending, outcome.DescIndex)

		slot := outcome.DescIndex / 3
		_, dataIdx, statusIdx := d.descIndices(slot)
		status := d.q.Buffer(statusIdx, 1)[0]

		if req.write {
			d.freeSlots = append(d.freeSlots, slot)

			if status == statusOK {
				d.completedWrites++
			}

			continue
		}

		if d.read != nil && d.read.headerIdx == outcome.DescIndex {
			if status != statusOK {
				d.read.err = errors.New("virtioblk: device reported I/O error")
			} else {
				copy(d.read.buf, d.q.Buffer(dataIdx, len(d.read.buf)))
			}

			d.read.done = true
		}

		d.freeSlots = append(d.freeSlots, slot)
	}
}

func (d *Driver) writeHeader(headerIdx int, reqType uint32, sector uint64) {
	hdr := d.q.Buffer(headerIdx, 0)

	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
}

// ReclaimWrites polls for completed write requests and returns their
// descriptor slots to the free pool, returning the count reclaimed. It
// shares drainCompletions with Read, since both draw from the same used
// ring cursor.
func (d *Driver) ReclaimWrites() int {
	d.drainCompletions()

	n := d.completedWrites
	d.completedWrites = 0

	return n
}
