// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

// Capability IDs.
//
// (PCI Code and ID Assignment Specification Revision 1.11
// 24 Jan 2019 - 2. Capability IDs).
const (
	Null           = 0x00
	Power          = 0x01
	AGP            = 0x02
	VPD            = 0x03
	SlotID         = 0x04
	MSI            = 0x05
	HotSwap        = 0x06
	PCIX           = 0x07
	HyperTransport = 0x08
	VendorSpecific = 0x09
	Debug          = 0x0a
	CompactPCI     = 0x0b
	HotPlug        = 0x0c
	Bridge         = 0x0d
	AGP8x          = 0x0e
	Secure         = 0x0f
	PCIe           = 0x10
	MSIX           = 0x11
	SATA           = 0x12
	AF             = 0x13
	EA             = 0x14
	FPB            = 0x15
)

// CapabilityHeader represents the common fields of a PCI Capabilities List
// entry.
type CapabilityHeader struct {
	ID   uint8
	Next uint8
}

func (hdr *CapabilityHeader) unmarshal(d *Device, off uint32) {
	val := d.Read(0, off)
	hdr.ID = uint8(val)
	hdr.Next = uint8(val >> 8)
}

// Capabilities is an iterator over the entries of the device's Capabilities
// List, as found by walking the linked list rooted at CapabilitiesOffset.
func (d *Device) Capabilities() func(func(off uint32, hdr CapabilityHeader) bool) {
	return func(yield func(uint32, CapabilityHeader) bool) {
		off := d.Read(0, CapabilitiesOffset) & 0xff

		// guard against a corrupt or cyclic list
		for i := 0; off != 0 && i < 64; i++ {
			var hdr CapabilityHeader
			hdr.unmarshal(d, off)

			if !yield(off, hdr) {
				return
			}

			off = uint32(hdr.Next)
		}
	}
}
