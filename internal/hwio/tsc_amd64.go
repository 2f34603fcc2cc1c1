// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hwio

// ReadTSC returns the current value of the Time Stamp Counter (RDTSC), not
// serialized against out-of-order execution.
//
// defined in tsc_amd64.s
func ReadTSC() (count uint64)

// ReadTSCSerialized returns the current value of the Time Stamp Counter,
// serialized with a CPUID instruction before and after RDTSC per Intel's
// guidance for precise timestamping. More expensive than ReadTSC; use for
// calibration and deadline arming, not for per-iteration polling.
func ReadTSCSerialized() (count uint64)
