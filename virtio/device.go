// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"fmt"

	"github.com/morpheusx-boot/netstack/internal/hwio"
)

// Device drives the status progression and feature negotiation shared by
// every VirtIO device type (VirtIO 1.2 §3.1 "Device Initialization"),
// generalized over Transport so virtio-net and virtio-blk differ only in
// their requested feature bits and config-area layout.
type Device struct {
	Transport Transport

	features uint64
}

// Init drives the full status progression exactly once: reset, then
// ACKNOWLEDGE, then ACKNOWLEDGE|DRIVER, then feature negotiation, then
// FEATURES_OK with read-back verification. It stops short of DRIVER_OK;
// callers set that themselves after queue setup (SetReady).
func (d *Device) Init(driverFeatures uint64, waitForReset func() error) error {
	if err := d.Transport.Probe(); err != nil {
		return err
	}

	d.Transport.WriteStatus(0)

	if waitForReset != nil {
		if err := waitForReset(); err != nil {
			return err
		}
	}

	status := uint8(0)
	status |= 1 << Acknowledge
	d.Transport.WriteStatus(status)

	status |= 1 << Driver
	d.Transport.WriteStatus(status)

	offered := d.Transport.ReadDeviceFeatures()
	d.features = negotiate(offered, driverFeatures)
	d.Transport.WriteDriverFeatures(d.features)

	status |= 1 << FeaturesOk
	d.Transport.WriteStatus(status)

	if d.Transport.ReadStatus()&(1<<FeaturesOk) == 0 {
		d.Transport.WriteStatus(status | (1 << Failed))
		return fmt.Errorf("virtio: device rejected feature set %#x", driverFeatures)
	}

	return nil
}

// NegotiatedFeatures returns the feature bitmap accepted by the device.
func (d *Device) NegotiatedFeatures() uint64 {
	return d.features
}

// SetReady sets DRIVER_OK, the final step of the status progression,
// committing the device to normal operation.
func (d *Device) SetReady() {
	status := d.Transport.ReadStatus()
	d.Transport.WriteStatus(status | (1 << DriverOk))
	hwio.FullFence()
}
