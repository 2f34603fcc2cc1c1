// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import "testing"

// featMAC/featStatus mirror netdev/virtionet's bit positions without
// importing that package (which would be a cycle): VirtIO-net feature
// bits 5 and 16, both below the reserved-feature range this test exists
// to check doesn't swallow them.
const (
	featMAC    = 1 << 5
	featStatus = 1 << 16
)

func TestNegotiateKeepsDeviceSpecificBitsBelowReservedRange(t *testing.T) {
	driverFeatures := uint64(featMAC) | featStatus | 1<<VersionOne

	got := negotiate(driverFeatures, driverFeatures)

	if got&featMAC == 0 {
		t.Fatalf("negotiate(%#x, %#x) = %#x, NET_F_MAC (bit 5) was dropped", driverFeatures, driverFeatures, got)
	}

	if got&featStatus == 0 {
		t.Fatalf("negotiate(%#x, %#x) = %#x, NET_F_STATUS (bit 16) was dropped", driverFeatures, driverFeatures, got)
	}

	if got&(1<<VersionOne) == 0 {
		t.Fatalf("negotiate(%#x, %#x) = %#x, VERSION_1 (bit 32) was dropped", driverFeatures, driverFeatures, got)
	}
}

func TestNegotiateNarrowsToDriverRequestedBits(t *testing.T) {
	deviceFeatures := uint64(featMAC) | featStatus | 1<<VersionOne | 1<<10 // device offers an extra bit the driver never asks for
	driverFeatures := uint64(featMAC) | 1<<VersionOne

	got := negotiate(deviceFeatures, driverFeatures)

	if got&featMAC == 0 {
		t.Fatalf("negotiate() = %#x, missing requested NET_F_MAC", got)
	}

	if got&featStatus != 0 {
		t.Fatalf("negotiate() = %#x, offered NET_F_STATUS survived despite never being requested", got)
	}

	if got&(1<<10) != 0 {
		t.Fatalf("negotiate() = %#x, unrequested bit 10 survived", got)
	}
}

func TestNegotiateClearsUnsupportedTransportBits(t *testing.T) {
	features := uint64(1<<Packed | 1<<NotificationData | featMAC)

	got := negotiate(features, features)

	if got&(1<<Packed) != 0 {
		t.Fatalf("negotiate() = %#x, Packed survived", got)
	}

	if got&(1<<NotificationData) != 0 {
		t.Fatalf("negotiate() = %#x, NotificationData survived", got)
	}

	if got&featMAC == 0 {
		t.Fatalf("negotiate() = %#x, NET_F_MAC was dropped alongside the cleared bits", got)
	}
}
