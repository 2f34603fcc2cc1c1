// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diag provides the stack's logging, a thin wrapper around the
// standard log package matching the "component: message" convention used
// throughout the teacher framework's own SoC drivers.
package diag

import "log"

// Printf logs a formatted message prefixed with component, following the
// "component: message" convention (e.g. "virtionet: link up").
func Printf(component, format string, args ...interface{}) {
	log.Printf(component+": "+format, args...)
}

// Fatalf logs a formatted message prefixed with component and halts.
// Reserved for unrecoverable boot-time failures; nothing downstream of
// DRIVER_OK/the main poll loop should ever call it.
func Fatalf(component, format string, args ...interface{}) {
	log.Fatalf(component+": "+format, args...)
}
