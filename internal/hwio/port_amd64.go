// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hwio

// In8 reads a byte from the given I/O port (amd64 IN instruction).
//
// defined in port_amd64.s
func In8(port uint16) (val uint8)

// Out8 writes a byte to the given I/O port (amd64 OUT instruction).
func Out8(port uint16, val uint8)

// In16 reads a word from the given I/O port.
func In16(port uint16) (val uint16)

// Out16 writes a word to the given I/O port.
func Out16(port uint16, val uint16)

// In32 reads a double word from the given I/O port. Used for PCI
// configuration access via 0xCF8/0xCFC.
func In32(port uint16) (val uint32)

// Out32 writes a double word to the given I/O port.
func Out32(port uint16, val uint32)
