// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package boottime converts wall-clock durations to TSC ticks using the
// frequency calibrated by the preboot phase and carried in BootHandoff,
// and evaluates timeout predicates without ever blocking.
package boottime

// Config carries the calibrated TSC frequency and converts durations to
// tick counts. It is a value object: every method is a pure computation
// over Hz, no state, no clock reads.
type Config struct {
	// Hz is the TSC frequency in Hz, as calibrated pre-EBS.
	Hz uint64
}

// Micros converts a microsecond duration to TSC ticks.
func (c Config) Micros(us uint64) uint64 {
	return (c.Hz / 1_000_000) * us
}

// Millis converts a millisecond duration to TSC ticks.
func (c Config) Millis(ms uint64) uint64 {
	return (c.Hz / 1000) * ms
}

// Seconds converts a second duration to TSC ticks.
func (c Config) Seconds(s uint64) uint64 {
	return c.Hz * s
}

// Expired reports whether a deadline of ticks TSC cycles, started at
// start, has passed as of now. The subtraction is unsigned and wraps
// rather than panicking, so a TSC wraparound (never expected in practice
// on a 64-bit counter, but not excluded) still yields a well-defined
// result instead of undefined behavior.
func Expired(start, now, ticks uint64) bool {
	return now-start > ticks
}

// Deadline pairs a start tick with a timeout in ticks, the unit every
// protocol state machine's per-variant timer carries.
type Deadline struct {
	Start uint64
	Ticks uint64
}

// NewDeadline starts a deadline of ticks TSC cycles from now.
func NewDeadline(now, ticks uint64) Deadline {
	return Deadline{Start: now, Ticks: ticks}
}

// Expired reports whether this deadline has passed as of now.
func (d Deadline) Expired(now uint64) bool {
	return Expired(d.Start, now, d.Ticks)
}
