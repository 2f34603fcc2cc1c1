// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command morpheusx is the post-ExitBootServices image: by the time its
// main runs, the preboot loader has already called ExitBootServices and
// left a 256-byte BootHandoff record at a fixed physical address for it
// to find. It brings the hardware up, assembles the TCP/IP stack, and
// runs the download pipeline to completion.
//
// This binary has no flags and reads no files: every piece of runtime
// configuration not carried in BootHandoff itself (the mirror to fetch
// from, the disk offset to write to) is compiled in below, the same way
// board packages in this module's ancestry fix their peripheral
// addresses as Go constants rather than discovering them.
//
//go:build tamago && amd64

package main

import (
	"unsafe"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/morpheusx-boot/netstack/amd64"
	"github.com/morpheusx-boot/netstack/boot"
	"github.com/morpheusx-boot/netstack/diag"
	"github.com/morpheusx-boot/netstack/download"
	"github.com/morpheusx-boot/netstack/netdev"
	"github.com/morpheusx-boot/netstack/runloop"
)

// mirrorURL and payloadStartSector are fixed at build time; a real image
// would vary these per deployment by building a dedicated binary rather
// than parsing a config file it has nowhere to read from post-EBS.
const (
	mirrorURL          = "http://198.51.100.5:8000/image.bin"
	payloadStartSector = 2048
)

const nicID tcpip.NICID = 1

// dhcpXID seeds the DHCP client's first transaction ID from the RDRAND
// source amd64.GetRandomData wires into runtime.initRNG; it need not be
// unpredictable, only distinct per boot, since the whole exchange runs
// over a freshly brought-up link with no other lessee.
func dhcpXID() uint32 {
	var b [4]byte
	amd64.GetRandomData(b[:])
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// main is the only function the TamaGo runtime ever calls into this
// binary through: by the time it runs, ExitBootServices has already
// happened and the preboot loader has left a BootHandoff record at
// boot.HandoffAddr. It never returns on success — the loop below halts
// the call stack for good once the download completes or fails.
func main() {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(boot.HandoffAddr)), boot.Size)

	sys, err := boot.Bringup(raw)

	if err != nil {
		diag.Fatalf("morpheusx", "bringup: %v", err)
		return
	}

	s := newStack()
	adapter := netdev.NewAdapter(sys.NIC)

	if err := s.CreateNIC(nicID, adapter.Endpoint()); err != nil {
		diag.Fatalf("morpheusx", "CreateNIC: %v", err)
		return
	}

	mac := tcpip.LinkAddress(sys.NIC.MAC())

	orch, err := download.NewOrchestrator(s, nicID, mac, sys.Time, sys.Block, mirrorURL, payloadStartSector, dhcpXID())

	if err != nil {
		diag.Fatalf("morpheusx", "orchestrator: %v", err)
		return
	}

	loop := &runloop.Loop{
		Adapter: adapter,
		Block:   sys.Block,
		Time:    sys.Time,
		App:     runloop.StepFunc(func(now uint64) int { return int(orch.Step(now)) }),
	}

	if err := loop.Run(); err != nil {
		diag.Fatalf("morpheusx", "%v", err)
	}
}

// newStack builds the gVisor stack with the protocols the download
// pipeline needs: ARP for resolving the gateway's link address, IPv4,
// UDP (DHCP, DNS), TCP (HTTP), and ICMP so the stack answers pings
// without this module having to special-case them.
func newStack() *stack.Stack {
	return stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocol{
			ipv4.NewProtocol(),
			arp.NewProtocol(),
		},
		TransportProtocols: []stack.TransportProtocol{
			tcp.NewProtocol(),
			udp.NewProtocol(),
			icmp.NewProtocol4(),
		},
	})
}
