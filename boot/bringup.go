// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package boot

import (
	"fmt"

	"github.com/morpheusx-boot/netstack/blockdev"
	"github.com/morpheusx-boot/netstack/blockdev/virtioblk"
	"github.com/morpheusx-boot/netstack/boottime"
	"github.com/morpheusx-boot/netstack/diag"
	"github.com/morpheusx-boot/netstack/dma"
	"github.com/morpheusx-boot/netstack/hwerr"
	"github.com/morpheusx-boot/netstack/internal/hwio"
	"github.com/morpheusx-boot/netstack/netdev"
	"github.com/morpheusx-boot/netstack/netdev/e1000e"
	"github.com/morpheusx-boot/netstack/netdev/virtionet"
	"github.com/morpheusx-boot/netstack/pci"
	"github.com/morpheusx-boot/netstack/virtio"
)

// System is every post-EBS component the main poll loop needs, assembled
// once from a validated BootHandoff.
type System struct {
	NIC   netdev.NIC
	Block blockdev.Device
	Time  boottime.Config
}

// resetWait is a deadline-bounded spin used during VirtIO/e1000e reset
// sequencing, built from the handoff's own calibrated TSC frequency
// rather than a hardcoded cycle count. A nil poll simply spins out the
// full duration (used for both e1000e reset waits; the driver checks
// CTRL.RST itself afterwards); a non-nil poll returns as soon as it
// reports true.
func resetWait(t boottime.Config, ms uint64, poll func() bool) func() error {
	return func() error {
		deadline := boottime.NewDeadline(hwio.ReadTSCSerialized(), t.Millis(ms))

		for {
			now := hwio.ReadTSC()

			if poll != nil && poll() {
				return nil
			}

			if deadline.Expired(now) {
				if poll == nil {
					return nil
				}

				return hwerr.ErrResetTimeout
			}
		}
	}
}

// Bringup validates raw (a 256-byte BootHandoff record), decodes it, and
// constructs every driver named in it in a fixed, fallible order: DMA
// region, NIC, block device. Each step either succeeds outright or
// returns an error immediately — there is no partial-retry path, since
// the post-EBS phase has no allocator or console recovery route (spec's
// "Hardware reset failures are fatal").
func Bringup(raw []byte) (*System, error) {
	if !Validate(raw) {
		return nil, fmt.Errorf("boot: invalid BootHandoff record")
	}

	h, err := Unmarshal(raw)

	if err != nil {
		return nil, err
	}

	region := dma.NewRegion(h.DMACPUPtr, h.DMABusAddr, h.DMASize)

	t := boottime.Config{Hz: h.TSCFreq}

	sys := &System{Time: t}

	if h.NIC.Present {
		nic, err := bringupNIC(h.NIC, region, t)

		if err != nil {
			return nil, fmt.Errorf("boot: NIC bringup: %w", err)
		}

		sys.NIC = nic
		diag.Printf("boot", "NIC up, MAC=%s", nic.MAC())
	} else {
		return nil, hwerr.ErrNoNIC
	}

	if h.Block.Present {
		blk, err := bringupBlock(h.Block, region, t)

		if err != nil {
			return nil, fmt.Errorf("boot: block device bringup: %w", err)
		}

		sys.Block = blk
		diag.Printf("boot", "block device up, %d sectors of %d bytes", blk.TotalSectors(), blk.SectorSize())
	}

	return sys, nil
}

func transportFor(rec DeviceRecord, region *dma.Region) (virtio.Transport, error) {
	if rec.TypeTag&TransportPCI == 0 {
		return &virtio.TransportMMIO{Base: uintptr(rec.MMIOBase)}, nil
	}

	dev := pci.ProbeAt(uint32(rec.Bus), uint32(rec.Dev), uint32(rec.Func))

	if dev == nil {
		return nil, fmt.Errorf("boot: no PCI device at %02x:%02x.%x", rec.Bus, rec.Dev, rec.Func)
	}

	return &virtio.TransportPCIModern{Device: dev}, nil
}

func bringupNIC(rec DeviceRecord, region *dma.Region, t boottime.Config) (netdev.NIC, error) {
	if rec.TypeTag&NICE1000E != 0 {
		dev := pci.ProbeAt(uint32(rec.Bus), uint32(rec.Dev), uint32(rec.Func))

		if dev == nil {
			return nil, fmt.Errorf("boot: no e1000e PCI device at %02x:%02x.%x", rec.Bus, rec.Dev, rec.Func)
		}

		waitReset := func(phase int) error {
			ms := uint64(100)
			if phase == 1 {
				ms = 10
			}
			return resetWait(t, ms, nil)()
		}

		return e1000e.New(dev, region, waitReset)
	}

	transport, err := transportFor(rec, region)

	if err != nil {
		return nil, err
	}

	waitReset := resetWait(t, 100, func() bool {
		return transport.ReadStatus() == 0
	})

	return virtionet.New(transport, region, 256, waitReset)
}

func bringupBlock(rec DeviceRecord, region *dma.Region, t boottime.Config) (blockdev.Device, error) {
	transport, err := transportFor(rec, region)

	if err != nil {
		return nil, err
	}

	waitReset := resetWait(t, 100, func() bool {
		return transport.ReadStatus() == 0
	})

	return virtioblk.New(transport, region, waitReset)
}
