// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hwio

// FlushCacheLine writes back and invalidates the cache line containing the
// given address (CLFLUSH). Used in place of a UC/WC mapping when the DMA
// region's memory attributes cannot be changed; a store fence alone does
// not establish cache coherency with a bus-mastering device.
//
// defined in cache_amd64.s
func FlushCacheLine(addr uintptr)
