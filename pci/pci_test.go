// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

import "testing"

func TestConfigAddress(t *testing.T) {
	d := &Device{Bus: 0, Slot: 3}

	got := d.address(0, 0x10)
	want := uint32(1<<31 | 0<<16 | 3<<11 | 0<<8 | 0x10)

	if got != want {
		t.Fatalf("address() = %#x, want %#x", got, want)
	}
}

func TestECAMOffset(t *testing.T) {
	d := ecamDevice(0x4000_0000, 1, 2, 3)
	want := uintptr(0x4000_0000) + uintptr(1<<20|2<<15|3<<12)

	if d.ecamBase != want {
		t.Fatalf("ecamBase = %#x, want %#x", d.ecamBase, want)
	}
}
