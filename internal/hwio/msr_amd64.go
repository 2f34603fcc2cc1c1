// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hwio

// ReadMSR reads a 64-bit model specific register (RDMSR).
//
// defined in msr_amd64.s
func ReadMSR(addr uint32) (val uint64)

// WriteMSR writes a 64-bit model specific register (WRMSR).
func WriteMSR(addr uint32, val uint64)
