// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package blockdev defines the block-device boundary consumed by the
// GPT/FAT32 layers above the download orchestrator: read and write by
// sector, backed by VirtIO-blk today.
package blockdev

// Device is the narrow operation set a block-device driver exposes.
// Sector size and total sector count are fixed for the lifetime of a
// Device. The VirtIO-blk driver reads both from the device's own
// configuration space; the SectorSize and TotalSectors fields of the
// BootHandoff block record are not consulted.
//
// Write is synchronous from the caller's perspective only once its
// completion has been observed in the used ring; a driver may submit
// fire-and-forget and reap completions separately through
// ReclaimWrites, in which case Write itself only enqueues.
type Device interface {
	// SectorSize returns the device's logical sector size in bytes.
	SectorSize() uint32
	// TotalSectors returns the device's capacity in sectors.
	TotalSectors() uint64
	// Read fills buf (a multiple of SectorSize) starting at sector, once
	// the completion is observed. ok is false if no completion is ready
	// yet; the caller must call Read again later with the same
	// arguments.
	Read(sector uint64, buf []byte) (ok bool, err error)
	// Write submits buf (a multiple of SectorSize) to be written
	// starting at sector and returns immediately; completion is observed
	// later through ReclaimWrites.
	Write(sector uint64, buf []byte) error
	// ReclaimWrites polls for completed write requests, returning the
	// count reclaimed.
	ReclaimWrites() int
}
