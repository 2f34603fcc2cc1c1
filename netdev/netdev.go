// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package netdev bridges a physical NIC driver (virtio-net or e1000e) to
// the gVisor TCP/IP stack, and defines the narrow driver contract both
// backends implement.
package netdev

import "net"

// MTU is the maximum Ethernet frame size this stack drives; jumbo frames
// are out of scope.
const MTU = 1514

// NIC is the narrow operation set a physical network driver exposes,
// identical in shape across virtio-net and e1000e so the choice of driver
// is purely data-driven from BootHandoff.
//
// Every method is non-blocking: PollReceive and ReclaimTransmitted report
// "nothing happened" rather than waiting, and Transmit never waits for
// the device to consume the frame it is handed.
type NIC interface {
	// MAC returns the device's hardware address.
	MAC() net.HardwareAddr
	// LinkUp reports the current link state.
	LinkUp() bool
	// PollReceive returns the next received Ethernet frame, if any, with
	// any driver-specific framing already stripped.
	PollReceive() (frame []byte, ok bool)
	// Transmit hands frame (a complete Ethernet frame) to the device for
	// transmission and returns immediately; completion is observed later
	// through ReclaimTransmitted.
	Transmit(frame []byte) error
	// ReclaimTransmitted polls for completed transmissions and returns
	// their buffers to the free pool, returning the count reclaimed.
	ReclaimTransmitted() int
}
