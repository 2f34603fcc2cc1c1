// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package virtionet implements the VirtIO network device driver,
// following the VirtIO 1.0+ status progression and feature negotiation of
// the reference specification.
package virtionet

import (
	"errors"
	"net"

	"github.com/morpheusx-boot/netstack/dma"
	"github.com/morpheusx-boot/netstack/virtio"
)

// Feature bits this driver negotiates (VirtIO 1.2 §5.1.3).
const (
	featMAC       = 1 << 5
	featStatus    = 1 << 16
	featMrgRxBuf  = 1 << 15
	featGUESTTSO4 = 1 << 7
	featGUESTTSO6 = 1 << 8
	featGUESTUFO  = 1 << 10
	featCtrlVQ    = 1 << 17
	featVersion1  = 1 << 32
)

// requestedFeatures is VERSION_1, NET_F_MAC and NET_F_STATUS; every
// forbidden bit (MRG_RXBUF, the GUEST offload bits, CTRL_VQ) is simply
// never requested, so negotiate's driver-features mask clears it even if
// the device offers it.
const requestedFeatures = featVersion1 | featMAC | featStatus

// Header is the fixed 12-byte virtio-net per-packet header prefixed to
// every frame on the RX and TX queues (VirtIO 1.2 §5.1.6.1, with
// mergeable RX buffers and any offload disabled).
const headerLen = 12

const (
	queueRX = 0
	queueTX = 1
)

// configMAC/configStatus are offsets into the virtio-net device
// configuration area.
const (
	configMAC    = 0
	configStatus = 6
)

const statusLinkUp = 1

// Driver implements netdev.NIC over a VirtIO network device.
type Driver struct {
	dev *virtio.Device

	rx *virtio.VirtualQueue
	tx *virtio.VirtualQueue

	mac net.HardwareAddr

	txFree []int // descriptor indices currently unused on the TX queue
}

// New negotiates and brings a VirtIO-net device to DRIVER_OK, allocating
// RX and TX virtqueues of the given size (a power of two, bounded by
// queue_num_max and virtio.MaxQueueSize) from region. waitForReset polls
// the reset-acknowledgement deadline (spec.md §4.5's 100ms bound); it is
// supplied by the caller so this package carries no timing dependency.
func New(transport virtio.Transport, region *dma.Region, queueSize int, waitForReset func() error) (*Driver, error) {
	dev := &virtio.Device{Transport: transport}

	if err := dev.Init(requestedFeatures, waitForReset); err != nil {
		return nil, err
	}

	if dev.NegotiatedFeatures()&featMAC == 0 {
		return nil, errors.New("virtionet: device did not offer NET_F_MAC")
	}

	d := &Driver{dev: dev}

	if err := d.setupQueue(transport, queueRX, region, queueSize, virtio.DescWrite); err != nil {
		return nil, err
	}

	if err := d.setupQueue(transport, queueTX, region, queueSize, 0); err != nil {
		return nil, err
	}

	cfg := transport.Config(7)
	d.mac = net.HardwareAddr(cfg[configMAC : configMAC+6])

	for i := 0; i < d.tx.Size(); i++ {
		d.txFree = append(d.txFree, i)
	}

	dev.SetReady()

	return d, nil
}

func (d *Driver) setupQueue(t virtio.Transport, index int, region *dma.Region, size int, flags uint16) error {
	t.SelectQueue(index)

	max := t.QueueNumMax()

	if max == 0 {
		return errors.New("virtionet: queue unavailable")
	}

	if size > max {
		size = max
	}

	bufLen := virtio.MinRXBufferSize

	q, err := virtio.NewVirtualQueue(region, size, bufLen, flags)

	if err != nil {
		return err
	}

	t.SetQueueSize(size)

	descBus, availBus, usedBus := q.Addresses()
	t.SetQueueAddrs(descBus, availBus, usedBus)
	t.EnableQueue()

	if index == queueRX {
		d.rx = q
	} else {
		d.tx = q
	}

	return nil
}

// MAC returns the device's hardware address.
func (d *Driver) MAC() net.HardwareAddr {
	return d.mac
}

// LinkUp reports the current link state via the virtio-net config area,
// when NET_F_STATUS was negotiated; otherwise link is assumed up.
func (d *Driver) LinkUp() bool {
	if d.dev.NegotiatedFeatures()&featStatus == 0 {
		return true
	}

	cfg := d.dev.Transport.Config(configStatus + 2)

	return cfg[configStatus]&statusLinkUp != 0
}

// PollReceive returns the next received Ethernet frame (virtio-net header
// stripped) and resubmits the consumed RX descriptor.
func (d *Driver) PollReceive() ([]byte, bool) {
	outcome, ok := d.rx.Poll()

	if !ok {
		return nil, false
	}

	buf := d.rx.Buffer(outcome.DescIndex, int(outcome.Length))

	frame := make([]byte, 0, len(buf)-headerLen)
	if len(buf) > headerLen {
		frame = append(frame, buf[headerLen:]...)
	}

	// resubmit this descriptor for the device to refill.
	d.rx.Submit(outcome.DescIndex, uint32(virtio.MinRXBufferSize), virtio.DescWrite)
	d.dev.Transport.Notify(queueRX)

	return frame, true
}

// Transmit zeros the 12-byte virtio-net header, copies frame after it
// into a free TX descriptor, and submits fire-and-forget.
func (d *Driver) Transmit(frame []byte) error {
	if len(d.txFree) == 0 {
		return errors.New("virtionet: no free tx descriptor")
	}

	idx := d.txFree[len(d.txFree)-1]
	d.txFree = d.txFree[:len(d.txFree)-1]

	buf := d.tx.Buffer(idx, 0)

	for i := 0; i < headerLen && i < len(buf); i++ {
		buf[i] = 0
	}

	copy(buf[headerLen:], frame)

	if err := d.tx.Submit(idx, uint32(headerLen+len(frame)), 0); err != nil {
		d.txFree = append(d.txFree, idx)
		return err
	}

	d.dev.Transport.Notify(queueTX)

	return nil
}

// ReclaimTransmitted polls the TX queue for device completions and
// returns their descriptors to the free pool.
func (d *Driver) ReclaimTransmitted() int {
	n := 0

	for {
		outcome, ok := d.tx.Poll()

		if !ok {
			break
		}

		d.txFree = append(d.txFree, outcome.DescIndex)
		n++
	}

	return n
}
