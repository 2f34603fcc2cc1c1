// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build plan9 || windows

package main

import (
	"os"
	"os/signal"
)

var signalsToIgnore = []os.Signal{os.Interrupt}

func ignoreSignals() {
	signal.Ignore(signalsToIgnore...)
}
