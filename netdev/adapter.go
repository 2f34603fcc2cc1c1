// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package netdev

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const queueDepth = 256

// Adapter bridges a NIC to a gVisor channel.Endpoint, pumped explicitly
// from the main poll loop rather than from a goroutine: PumpReceive moves
// frames from the NIC into the stack, PumpTransmit moves frames the stack
// queued for transmission out to the NIC. Neither call blocks.
type Adapter struct {
	nic  NIC
	link *channel.Endpoint
}

// NewAdapter constructs an Adapter over nic, creating the backing
// channel.Endpoint with the device's link address.
func NewAdapter(nic NIC) *Adapter {
	link := channel.New(queueDepth, MTU, tcpip.LinkAddress(nic.MAC()))

	return &Adapter{
		nic:  nic,
		link: link,
	}
}

// Endpoint returns the gVisor link endpoint to register with stack.Stack.
func (a *Adapter) Endpoint() *channel.Endpoint {
	return a.link
}

// PumpReceive drains every frame currently available from the NIC into
// the stack, returning the number injected.
func (a *Adapter) PumpReceive() int {
	n := 0

	for {
		frame, ok := a.nic.PollReceive()

		if !ok {
			break
		}

		if len(frame) < 14 {
			continue
		}

		proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))
		hdr := buffer.NewViewFromBytes(frame[0:14])
		payload := buffer.NewViewFromBytes(frame[14:])

		pkt := &stack.PacketBuffer{
			LinkHeader: hdr,
			Data:       payload.ToVectorisedView(),
		}

		a.link.InjectInbound(proto, pkt)
		n++
	}

	return n
}

// PumpTransmit drains every frame the stack has queued for transmission
// out to the NIC, returning the number handed off. Transmit is
// fire-and-forget; completions are reclaimed separately via
// ReclaimTransmitted.
func (a *Adapter) PumpTransmit() int {
	n := 0

	for {
		info, ok := a.link.Read()

		if !ok {
			break
		}

		hdr := info.Pkt.Header.View()
		payload := info.Pkt.Data.ToView()

		proto := make([]byte, 2)
		binary.BigEndian.PutUint16(proto, uint16(info.Proto))

		frame := make([]byte, 0, 14+len(hdr)+len(payload))
		frame = append(frame, []byte(info.Route.RemoteLinkAddress)...)
		frame = append(frame, []byte(a.link.LinkAddress())...)
		frame = append(frame, proto...)
		frame = append(frame, hdr...)
		frame = append(frame, payload...)

		if a.nic.Transmit(frame) != nil {
			break
		}

		n++
	}

	return n
}

// ReclaimTransmitted reclaims buffers for transmissions the NIC has
// completed, returning the count.
func (a *Adapter) ReclaimTransmitted() int {
	return a.nic.ReclaimTransmitted()
}
