// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hwio

// StoreFence publishes all prior stores to any other observer (device or
// CPU) before the function returns (SFENCE). It is also a compiler
// reordering barrier. Use between writing a virtqueue descriptor and
// publishing its index in the avail ring.
//
// defined in fence_amd64.s
func StoreFence()

// LoadFence orders all subsequent loads after any prior load has completed
// (LFENCE). Use between reading the used ring index and reading the ring
// entry it points to, and again before touching the buffer it describes.
func LoadFence()

// FullFence orders all prior loads and stores against all subsequent loads
// and stores (MFENCE). Use before any store that must be observed by a
// device before a following MMIO or port write becomes visible, such as a
// virtqueue notification.
func FullFence()
