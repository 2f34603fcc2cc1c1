// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides a first-fit allocator over the single DMA region
// handed off by the pre-EBS phase. Every virtqueue descriptor table, avail
// and used ring, and RX/TX packet buffer is carved from this region.
//
// Unlike a general-purpose bare metal allocator, this package exposes no
// package-level global region: the DMA region is received once, at
// BootHandoff validation time, and threaded explicitly into every driver
// that needs it. There is exactly one mutating context (the poll loop) and
// no goroutines, so the allocator carries no lock.
//
// A region may have distinct CPU-side and bus-side addressing: when an
// IOMMU sits between a bus-mastering device and memory, the address the
// device must be programmed with differs from the address the CPU
// dereferences. Region.Reserve and Region.Alloc return both.
package dma
