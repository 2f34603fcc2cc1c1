// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

// VirtIO PCI capability cfg_type values (VirtIO 1.2 §4.1.4).
const (
	VirtioCfgCommon = 1
	VirtioCfgNotify = 2
	VirtioCfgISR    = 3
	VirtioCfgDevice = 4
	VirtioCfgPCI    = 5
)

// VirtioCapability is a resolved VirtIO PCI capability structure: the BAR
// it lives in, its byte offset and length within that BAR, and (for the
// notify capability only) the multiplier applied to the per-queue notify
// offset.
type VirtioCapability struct {
	CfgType             uint8
	Bar                 uint8
	Offset              uint32
	Length              uint32
	NotifyOffMultiplier uint32

	// BarBase is the resolved CPU address of Bar's base, filled in by
	// VirtioCapabilities.
	BarBase uint64
}

// Address returns the CPU address of this capability's configuration
// window.
func (c VirtioCapability) Address() uint64 {
	return c.BarBase + uint64(c.Offset)
}

// VirtioCapabilities walks d's Capabilities List looking for
// vendor-specific (type 0x09) entries and decodes every VirtIO PCI
// capability structure found, keyed by cfg_type. A device lacking one of
// common/notify/isr/device leaves the corresponding map entry absent; the
// caller must treat that as capability discovery failure.
func VirtioCapabilities(d *Device) map[uint8]VirtioCapability {
	caps := make(map[uint8]VirtioCapability)

	for off, hdr := range d.Capabilities() {
		if hdr.ID != VendorSpecific {
			continue
		}

		word1 := d.Read(0, off+4)
		cfgType := uint8(word1)
		bar := uint8(word1 >> 8)

		c := VirtioCapability{
			CfgType: cfgType,
			Bar:     bar,
			Offset:  d.Read(0, off+8),
			Length:  d.Read(0, off+12),
		}

		if cfgType == VirtioCfgNotify {
			c.NotifyOffMultiplier = d.Read(0, off+16)
		}

		c.BarBase = d.BaseAddress(int(bar))

		caps[cfgType] = c
	}

	return caps
}
