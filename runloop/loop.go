// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package runloop drives the whole stack from one goroutine: read the
// clock, pump the NIC, let gVisor run its internally-timed protocol
// state, reap completions, and step the application once. Nothing in
// this package spawns a goroutine or blocks.
package runloop

import (
	"fmt"

	"github.com/morpheusx-boot/netstack/boottime"
	"github.com/morpheusx-boot/netstack/diag"
	"github.com/morpheusx-boot/netstack/internal/hwio"
	"github.com/morpheusx-boot/netstack/netdev"
)

// phaseCeilingMillis bounds how long any single phase may run before the
// loop gives up on it; there is no supervisor to restart a stuck phase
// post-EBS, so exceeding it is fatal rather than merely logged.
const phaseCeilingMillis = 5

// App is the single state machine the loop advances once per iteration,
// typically a *download.Orchestrator. Every protocol engine in this
// module already follows the Pending/Done/Failed shape with those exact
// underlying values (iota 0/1/2) in its own locally-scoped Outcome type;
// Step returns plain int so any of them can be adapted with a one-line
// int() conversion instead of this package importing every engine's type.
type App interface {
	Step(now uint64) int
}

// StepFunc adapts a plain function to App.
type StepFunc func(now uint64) int

func (f StepFunc) Step(now uint64) int { return f(now) }

const (
	Pending = iota
	Done
	Failed
)

// Loop owns the NIC adapter and the application state machine. Each
// iteration runs three timed phases: RX pump (the stack dispatches the
// injected frames itself), TX pump plus TX and block completion reap,
// and one application step. There is no idle-yield phase; the next
// iteration starts at once.
type Loop struct {
	Adapter *netdev.Adapter
	Block   BlockReclaimer
	Time    boottime.Config
	App     App
}

// BlockReclaimer is the narrow slice of blockdev.Device the loop needs to
// reap outstanding write completions every iteration, regardless of what
// else the application does with the device directly.
type BlockReclaimer interface {
	ReclaimWrites() int
}

// Run drives the loop until App.Step reports Done or Failed, or until a
// phase overruns phaseCeilingMillis, in which case it halts rather than
// continue on unverified timing.
func (l *Loop) Run() error {
	ceiling := l.Time.Millis(phaseCeilingMillis)

	for {
		if err := l.timedPhase("rx", ceiling, func() {
			l.Adapter.PumpReceive()
		}); err != nil {
			return err
		}

		// The gVisor stack.Stack dispatches whatever PumpReceive injected
		// internally once packets are handed to it; there is no explicit
		// "drain" call to make here. What this loop owns is handing it
		// work and draining what it produced, phases 1 and 3.

		if err := l.timedPhase("tx", ceiling, func() {
			l.Adapter.PumpTransmit()
			l.Adapter.ReclaimTransmitted()

			if l.Block != nil {
				l.Block.ReclaimWrites()
			}
		}); err != nil {
			return err
		}

		var outcome int

		if err := l.timedPhase("app", ceiling, func() {
			outcome = l.App.Step(hwio.ReadTSC())
		}); err != nil {
			return err
		}

		switch outcome {
		case Done:
			return nil
		case Failed:
			return fmt.Errorf("runloop: application reported failure")
		}
	}
}

func (l *Loop) timedPhase(name string, ceiling uint64, fn func()) error {
	start := hwio.ReadTSC()

	fn()

	if boottime.Expired(start, hwio.ReadTSC(), ceiling) {
		diag.Printf("runloop", "phase %q exceeded %dms ceiling, halting", name, phaseCeilingMillis)
		return fmt.Errorf("runloop: phase %q overran its budget", name)
	}

	return nil
}
