// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package virtio implements a driver for Virtual I/O devices (VirtIO)
// following the reference specification:
//   - Virtual I/O Device (VIRTIO) - Version 1.2
package virtio

import (
	"github.com/morpheusx-boot/netstack/bits"
)

// Reserved feature bits.
const (
	Packed           = 34
	NotificationData = 38
	VersionOne       = 32
)

// Device status bits.
const (
	Acknowledge      = 0
	Driver           = 1
	DriverOk         = 2
	FeaturesOk       = 3
	DeviceNeedsReset = 6
	Failed           = 7
)

const (
	Magic         = 0x74726976 // "virt"
	LegacyVersion = 0x02

	// bits 0 to 23, and 50 to 63
	deviceSpecificFeatureMask = 0xfffc000000ffffff
	// bits 24 to 49
	deviceReservedFeatureMask = 0x0003ffffff000000
)

// Well-known VirtIO subsystem device IDs.
const (
	SubsystemNet   = 1
	SubsystemBlock = 2
)

// Transport is the uniform register-access surface the virtqueue engine
// and device drivers (virtio-net, virtio-blk) drive; MMIO and PCI-modern
// are the two concrete implementations.
type Transport interface {
	// Probe validates the transport's device-presence signature (MMIO
	// magic/version, or PCI capability discovery) before any register
	// is otherwise touched.
	Probe() error
	// ReadStatus returns the device status register.
	ReadStatus() uint8
	// WriteStatus replaces the device status register wholesale; used
	// both to OR in a single bit (read-modify-write by the caller) and
	// to reset it to 0.
	WriteStatus(status uint8)
	// ReadDeviceFeatures returns the full 64-bit device feature bitmap.
	ReadDeviceFeatures() uint64
	// WriteDriverFeatures writes the full 64-bit accepted feature bitmap.
	WriteDriverFeatures(features uint64)
	// SelectQueue selects a queue index for all subsequent per-queue
	// operations.
	SelectQueue(index int)
	// QueueNumMax returns the maximum size of the currently selected
	// queue; 0 means the queue does not exist.
	QueueNumMax() int
	// SetQueueSize sets the currently selected queue's size.
	SetQueueSize(size int)
	// SetQueueAddrs writes the bus addresses of the currently selected
	// queue's descriptor table, avail ring, and used ring.
	SetQueueAddrs(desc, avail, used uint64)
	// EnableQueue marks the currently selected queue ready for use.
	EnableQueue()
	// Notify notifies the device that the given queue index has new
	// available buffers.
	Notify(index int)
	// DeviceID returns the VirtIO subsystem device ID (1=net, 2=block).
	DeviceID() uint32
	// Config returns a copy of the first size bytes of the
	// device-specific configuration area, read at the time of the call.
	Config(size int) []byte
}

// negotiate computes the feature set to offer the device: the
// intersection of what the device offers and what the driver requests,
// with Packed and NotificationData cleared (unsupported by this driver).
// Bits 24-49 are reserved VirtIO core features (VERSION_1 among them);
// they are ordinary members of that intersection like any device-type
// bit, never a mask applied to the whole result, or every device-type
// bit below 24 (NET_F_MAC, BLK_F_BLK_SIZE, ...) would be cleared no
// matter what the driver asked for.
func negotiate(deviceFeatures, driverFeatures uint64) (features uint64) {
	features = deviceFeatures & driverFeatures

	bits.Clear64(&features, Packed)
	bits.Clear64(&features, NotificationData)

	return
}
