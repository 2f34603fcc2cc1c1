// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package boot decodes the BootHandoff record written by the pre-EBS
// phase and brings the post-EBS drivers up from it.
package boot

import (
	"encoding/binary"
	"errors"
)

// Magic identifies a valid BootHandoff record: ASCII "MORPHEUS".
const Magic uint64 = 0x4D4F5250_48455553

// Version is the only BootHandoff layout version this driver understands.
const Version uint32 = 1

// Size is the fixed, cache-line-aligned size of a BootHandoff record.
const Size = 256

// Device type tags.
const (
	TypeNone  = 0
	TypeNIC   = 1
	TypeBlock = 2
)

// TypeTag is a small bitfield: bit 0 selects the transport (MMIO vs PCI),
// bit 1 selects the NIC backend (VirtIO-net vs e1000e); bit 1 is ignored
// for a block device record, which only ever backs onto VirtIO-blk.
const (
	TransportMMIO = 0
	TransportPCI  = 1 << 0

	NICVirtio = 0
	NICE1000E = 1 << 1
)

// deviceRecordLen is the 32-byte per-device record: u64 mmio_base, u8
// bus/dev/func/type_tag, [6]byte mac, [2]byte pad, u32 sector_size, u64
// total_sectors.
const deviceRecordLen = 32

// Offsets within a 256-byte BootHandoff record.
const (
	offMagic   = 0
	offVersion = 8
	offSize    = 12
	offNIC     = 16 // deviceRecordLen bytes
	offBlock   = offNIC + deviceRecordLen
	offDMACPU  = offBlock + deviceRecordLen
	offDMABus  = offDMACPU + 8
	offDMASize = offDMABus + 8
	offTSCFreq = offDMASize + 8
	offStackTop  = offTSCFreq + 8
	offStackSize = offStackTop + 8
)

// DeviceRecord describes one NIC or block device discovered pre-EBS.
type DeviceRecord struct {
	MMIOBase uint64
	Bus      uint8
	Dev      uint8
	Func     uint8
	TypeTag  uint8 // transport/backend bitfield; bit 1 is read only for a NIC record
	MAC      [6]byte
	Present  bool

	// Block-only fields; zero for a NIC record.
	SectorSize   uint32
	TotalSectors uint64
}

// Handoff is the decoded form of the 256-byte BootHandoff record.
type Handoff struct {
	Version uint32

	NIC   DeviceRecord
	Block DeviceRecord

	DMACPUPtr  uint64
	DMABusAddr uint64
	DMASize    uint64

	TSCFreq uint64

	StackTop  uint64
	StackSize uint64
}

// Unmarshal decodes a 256-byte BootHandoff record. It does not validate
// the record; call Validate separately once decoded.
func Unmarshal(buf []byte) (Handoff, error) {
	if len(buf) < Size {
		return Handoff{}, errors.New("boot: handoff record shorter than 256 bytes")
	}

	var h Handoff

	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])

	h.NIC = decodeDeviceRecord(buf[offNIC:offNIC+deviceRecordLen], true)
	h.Block = decodeDeviceRecord(buf[offBlock:offBlock+deviceRecordLen], false)

	h.DMACPUPtr = binary.LittleEndian.Uint64(buf[offDMACPU:])
	h.DMABusAddr = binary.LittleEndian.Uint64(buf[offDMABus:])
	h.DMASize = binary.LittleEndian.Uint64(buf[offDMASize:])
	h.TSCFreq = binary.LittleEndian.Uint64(buf[offTSCFreq:])
	h.StackTop = binary.LittleEndian.Uint64(buf[offStackTop:])
	h.StackSize = binary.LittleEndian.Uint64(buf[offStackSize:])

	return h, nil
}

func decodeDeviceRecord(b []byte, hasMAC bool) DeviceRecord {
	var r DeviceRecord

	r.MMIOBase = binary.LittleEndian.Uint64(b[0:8])
	r.Bus = b[8]
	r.Dev = b[9]
	r.Func = b[10]
	r.TypeTag = b[11]
	r.Present = r.MMIOBase != 0 || r.Bus != 0 || r.Dev != 0 || r.Func != 0

	if hasMAC {
		copy(r.MAC[:], b[12:18])
	} else {
		r.SectorSize = binary.LittleEndian.Uint32(b[12:16])
		r.TotalSectors = binary.LittleEndian.Uint64(b[16:24])
	}

	return r
}

// Marshal encodes h into a 256-byte BootHandoff record, including the
// fixed magic and Size/Version fields. Marshal/Unmarshal round-trip
// byte-identically for every field Unmarshal populates.
func Marshal(h Handoff) []byte {
	buf := make([]byte, Size)

	binary.LittleEndian.PutUint64(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offSize:], Size)

	encodeDeviceRecord(buf[offNIC:offNIC+deviceRecordLen], h.NIC, true)
	encodeDeviceRecord(buf[offBlock:offBlock+deviceRecordLen], h.Block, false)

	binary.LittleEndian.PutUint64(buf[offDMACPU:], h.DMACPUPtr)
	binary.LittleEndian.PutUint64(buf[offDMABus:], h.DMABusAddr)
	binary.LittleEndian.PutUint64(buf[offDMASize:], h.DMASize)
	binary.LittleEndian.PutUint64(buf[offTSCFreq:], h.TSCFreq)
	binary.LittleEndian.PutUint64(buf[offStackTop:], h.StackTop)
	binary.LittleEndian.PutUint64(buf[offStackSize:], h.StackSize)

	return buf
}

func encodeDeviceRecord(b []byte, r DeviceRecord, hasMAC bool) {
	binary.LittleEndian.PutUint64(b[0:8], r.MMIOBase)
	b[8] = r.Bus
	b[9] = r.Dev
	b[10] = r.Func
	b[11] = r.TypeTag

	if hasMAC {
		copy(b[12:18], r.MAC[:])
	} else {
		binary.LittleEndian.PutUint32(b[12:16], r.SectorSize)
		binary.LittleEndian.PutUint64(b[16:24], r.TotalSectors)
	}
}

// Validate reports whether the raw 256-byte record satisfies every
// BootHandoff invariant: magic matches, version is the one this driver
// understands, size equals 256, the DMA CPU and bus pointers are nonzero,
// tsc_freq is nonzero, and the stack top is nonzero.
func Validate(buf []byte) bool {
	if len(buf) != Size {
		return false
	}

	if binary.LittleEndian.Uint64(buf[offMagic:]) != Magic {
		return false
	}

	if binary.LittleEndian.Uint32(buf[offVersion:]) != Version {
		return false
	}

	if binary.LittleEndian.Uint32(buf[offSize:]) != Size {
		return false
	}

	if binary.LittleEndian.Uint64(buf[offDMACPU:]) == 0 {
		return false
	}

	if binary.LittleEndian.Uint64(buf[offDMABus:]) == 0 {
		return false
	}

	if binary.LittleEndian.Uint64(buf[offTSCFreq:]) == 0 {
		return false
	}

	if binary.LittleEndian.Uint64(buf[offStackTop:]) == 0 {
		return false
	}

	return true
}
