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

	"github.com/morpheusx-boot/netstack/internal/hwio"
)

// VirtIO MMIO device register offsets.
const (
	regMagic            = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regDeviceFeatures   = 0x010
	regDeviceFeatureSel = 0x014
	regDriverFeatures   = 0x020
	regDriverFeatureSel = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptACK     = 0x064
	regStatus           = 0x070
	regQueueDescLow     = 0x080
	regQueueDescHigh    = 0x084
	regQueueDriverLow   = 0x090
	regQueueDriverHigh  = 0x094
	regQueueDeviceLow   = 0x0a0
	regQueueDeviceHigh  = 0x0a4
	regConfigGeneration = 0x0fc
	regConfig           = 0x100
)

// TransportMMIO implements Transport over a single fixed MMIO register
// window (VirtIO 1.2 §4.2, legacy-compatible layout).
type TransportMMIO struct {
	// Base is the CPU address of the device's MMIO register window.
	Base uintptr
}

func (t *TransportMMIO) reg(off uintptr) uintptr {
	return t.Base + off
}

// Probe verifies the MMIO magic and version registers.
func (t *TransportMMIO) Probe() error {
	if t.Base == 0 {
		return errors.New("virtio mmio: no base address")
	}

	if hwio.Read32(t.reg(regMagic)) != Magic {
		return errors.New("virtio mmio: bad magic")
	}

	if v := hwio.Read32(t.reg(regVersion)); v != LegacyVersion {
		return errors.New("virtio mmio: unsupported version")
	}

	return nil
}

func (t *TransportMMIO) ReadStatus() uint8 {
	return uint8(hwio.Read32(t.reg(regStatus)))
}

func (t *TransportMMIO) WriteStatus(status uint8) {
	hwio.Write32(t.reg(regStatus), uint32(status))
}

func (t *TransportMMIO) ReadDeviceFeatures() (features uint64) {
	for i := uint32(0); i <= 1; i++ {
		hwio.Write32(t.reg(regDeviceFeatureSel), i)
		features |= uint64(hwio.Read32(t.reg(regDeviceFeatures))) << (i * 32)
	}

	return
}

func (t *TransportMMIO) WriteDriverFeatures(features uint64) {
	for i := uint32(0); i <= 1; i++ {
		hwio.Write32(t.reg(regDriverFeatureSel), i)
		hwio.Write32(t.reg(regDriverFeatures), uint32(features>>(i*32)))
	}
}

func (t *TransportMMIO) SelectQueue(index int) {
	hwio.Write32(t.reg(regQueueSel), uint32(index))
}

func (t *TransportMMIO) QueueNumMax() int {
	return int(hwio.Read32(t.reg(regQueueNumMax)))
}

func (t *TransportMMIO) SetQueueSize(size int) {
	hwio.Write32(t.reg(regQueueNum), uint32(size))
}

func (t *TransportMMIO) SetQueueAddrs(desc, avail, used uint64) {
	hwio.Write32(t.reg(regQueueDescLow), uint32(desc))
	hwio.Write32(t.reg(regQueueDescHigh), uint32(desc>>32))
	hwio.Write32(t.reg(regQueueDriverLow), uint32(avail))
	hwio.Write32(t.reg(regQueueDriverHigh), uint32(avail>>32))
	hwio.Write32(t.reg(regQueueDeviceLow), uint32(used))
	hwio.Write32(t.reg(regQueueDeviceHigh), uint32(used>>32))
}

func (t *TransportMMIO) EnableQueue() {
	hwio.Write32(t.reg(regQueueReady), 1)
}

func (t *TransportMMIO) Notify(index int) {
	hwio.Write32(t.reg(regQueueNotify), uint32(index))
}

func (t *TransportMMIO) DeviceID() uint32 {
	return hwio.Read32(t.reg(regDeviceID))
}

func (t *TransportMMIO) Config(size int) []byte {
	buf := make([]byte, size)

	for i := 0; i < size; i++ {
		buf[i] = byte(hwio.Read32(t.reg(regConfig + uintptr(i&^3))) >> ((i & 3) * 8))
	}

	return buf
}
