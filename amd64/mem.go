// AMD64 processor support
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !linkramstart

package amd64

import (
	_ "unsafe"
)

// ramStart is the Go runtime heap base. It sits above the 1MB
// BootHandoff record and well below the DMA region the preboot phase
// reserves, so the two never overlap regardless of handoff DMA size.
//
//go:linkname ramStart runtime.ramStart
var ramStart uint64 = 0x10000000
