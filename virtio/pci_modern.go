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
	"github.com/morpheusx-boot/netstack/pci"
)

// VirtIO common configuration structure offsets (VirtIO 1.2 §4.1.4.3).
const (
	commonDeviceFeatureSel = 0x00
	commonDeviceFeature    = 0x04
	commonDriverFeatureSel = 0x08
	commonDriverFeature    = 0x0c
	commonMSIXVector       = 0x10
	commonNumQueues        = 0x12
	commonDeviceStatus     = 0x14
	commonConfigGeneration = 0x15
	commonQueueSel         = 0x16
	commonQueueSize        = 0x18
	commonQueueMSIXVector  = 0x1a
	commonQueueEnable      = 0x1c
	commonQueueNotifyOff   = 0x1e
	commonQueueDesc        = 0x20
	commonQueueDriver      = 0x28
	commonQueueDevice      = 0x30
)

// TransportPCIModern implements Transport over the four VirtIO PCI
// capability windows (VirtIO 1.2 §4.1.4): common_cfg, notify_cfg, isr_cfg,
// device_cfg.
type TransportPCIModern struct {
	Device *pci.Device

	common uintptr
	notify uintptr
	isr    uintptr
	device uintptr

	notifyOffMultiplier uint32
	queueNotifyOff      uint16
}

// Probe reads the device's revision ID (transitional devices carry 0 and
// are rejected — VirtIO 1.2 §4.1.2.2) and resolves the four required
// capability windows.
func (t *TransportPCIModern) Probe() error {
	if t.Device == nil {
		return errors.New("virtio pci: no device")
	}

	if rev := t.Device.Read(0, pci.RevisionID) & 0xff; rev == 0 {
		return errors.New("virtio pci: transitional devices are not supported")
	}

	t.Device.EnableBusMaster()

	caps := pci.VirtioCapabilities(t.Device)

	common, ok := caps[pci.VirtioCfgCommon]
	if !ok {
		return errors.New("virtio pci: missing common_cfg capability")
	}

	notify, ok := caps[pci.VirtioCfgNotify]
	if !ok {
		return errors.New("virtio pci: missing notify_cfg capability")
	}

	isr, ok := caps[pci.VirtioCfgISR]
	if !ok {
		return errors.New("virtio pci: missing isr_cfg capability")
	}

	device, ok := caps[pci.VirtioCfgDevice]
	if !ok {
		return errors.New("virtio pci: missing device_cfg capability")
	}

	t.common = uintptr(common.Address())
	t.notify = uintptr(notify.Address())
	t.isr = uintptr(isr.Address())
	t.device = uintptr(device.Address())
	t.notifyOffMultiplier = notify.NotifyOffMultiplier

	return nil
}

func (t *TransportPCIModern) ReadStatus() uint8 {
	return hwio.Read8(t.common + commonDeviceStatus)
}

func (t *TransportPCIModern) WriteStatus(status uint8) {
	hwio.Write8(t.common+commonDeviceStatus, status)
}

func (t *TransportPCIModern) ReadDeviceFeatures() (features uint64) {
	for i := uint32(0); i <= 1; i++ {
		hwio.Write32(t.common+commonDeviceFeatureSel, i)
		features |= uint64(hwio.Read32(t.common+commonDeviceFeature)) << (i * 32)
	}

	return
}

func (t *TransportPCIModern) WriteDriverFeatures(features uint64) {
	for i := uint32(0); i <= 1; i++ {
		hwio.Write32(t.common+commonDriverFeatureSel, i)
		hwio.Write32(t.common+commonDriverFeature, uint32(features>>(i*32)))
	}
}

func (t *TransportPCIModern) SelectQueue(index int) {
	hwio.Write16(t.common+commonQueueSel, uint16(index))
}

func (t *TransportPCIModern) QueueNumMax() int {
	return int(hwio.Read16(t.common + commonQueueSize))
}

func (t *TransportPCIModern) SetQueueSize(size int) {
	hwio.Write16(t.common+commonQueueSize, uint16(size))
}

func (t *TransportPCIModern) SetQueueAddrs(desc, avail, used uint64) {
	hwio.Write64(t.common+commonQueueDesc, desc)
	hwio.Write64(t.common+commonQueueDriver, avail)
	hwio.Write64(t.common+commonQueueDevice, used)
}

func (t *TransportPCIModern) EnableQueue() {
	// latch the per-queue notify offset now, while this queue is still
	// selected, for use by Notify.
	t.queueNotifyOff = hwio.Read16(t.common + commonQueueNotifyOff)
	hwio.Write16(t.common+commonQueueEnable, 1)
}

// Notify writes the queue index to the notification address computed from
// the notify_cfg capability: notify_bar_base + notify_offset +
// queue_notify_off(q) × notify_off_multiplier (VirtIO 1.2 §4.1.4.4).
func (t *TransportPCIModern) Notify(index int) {
	addr := t.notify + uintptr(uint32(t.queueNotifyOff)*t.notifyOffMultiplier)
	hwio.Write16(addr, uint16(index))
}

func (t *TransportPCIModern) DeviceID() uint32 {
	// PCI Device ID = 0x1040 + VirtIO subsystem device ID
	// (VirtIO 1.2 §4.1.2.1).
	return uint32(t.Device.Device) - 0x1040
}

func (t *TransportPCIModern) Config(size int) []byte {
	buf := make([]byte, size)

	for i := 0; i < size; i++ {
		buf[i] = hwio.Read8(t.device + uintptr(i))
	}

	return buf
}
