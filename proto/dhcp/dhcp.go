// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dhcp implements a cooperative, non-blocking DHCPv4 client: one
// UDP exchange driven entirely by repeated Step calls from the main poll
// loop, never a blocking Read or a goroutine.
package dhcp

import (
	"encoding/binary"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/morpheusx-boot/netstack/boottime"
	"github.com/morpheusx-boot/netstack/diag"
	"github.com/morpheusx-boot/netstack/hwerr"
)

const (
	clientPort = 68
	serverPort = 67
)

const maxRetries = 4

// BOOTP/DHCP message types (RFC 2131/2132).
const (
	opRequest = 1
	opReply   = 2

	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgAck      = 5
	msgNak      = 6

	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optRequestedIP  = 50
	optLeaseTime    = 51
	optMsgType      = 53
	optServerID     = 54
	optParamRequest = 55
	optEnd          = 255
)

var magicCookie = [4]byte{99, 130, 83, 99}

// State names the client's position in the DHCP exchange.
type State int

const (
	Idle State = iota
	Discovering
	Requesting
	Bound
	Renewing
	FailedState
)

// Outcome is the result of a single Step call.
type Outcome int

const (
	Pending Outcome = iota
	Done
	Failed
)

// Lease is the address configuration obtained from the server, valid once
// the client reaches Bound.
type Lease struct {
	IP      tcpip.Address
	Subnet  tcpip.Address
	Gateway tcpip.Address
	DNS     []tcpip.Address

	LeaseStart uint64
	LeaseTicks uint64
}

// Client drives one DHCP lease acquisition (and renewal) against a single
// stack NIC.
type Client struct {
	stack *stack.Stack
	nic   tcpip.NICID
	mac   tcpip.LinkAddress
	clock boottime.Config

	ep tcpip.Endpoint
	wq waiter.Queue

	state   State
	retries int
	xid     uint32
	start   uint64

	offeredIP tcpip.Address
	serverID  tcpip.Address

	lease Lease
}

// NewClient constructs a DHCP client for the given stack NIC. xid seeds
// the transaction ID and should differ across boots; callers without a
// source of entropy post-EBS may derive it from the TSC.
func NewClient(s *stack.Stack, nic tcpip.NICID, mac tcpip.LinkAddress, clock boottime.Config, xid uint32) *Client {
	return &Client{
		stack: s,
		nic:   nic,
		mac:   mac,
		clock: clock,
		xid:   xid,
		state: Idle,
	}
}

// Lease returns the most recently acquired lease. Valid once State is
// Bound or Renewing.
func (c *Client) Lease() Lease {
	return c.lease
}

// State reports the client's current position in the exchange.
func (c *Client) State() State {
	return c.state
}

func (c *Client) open() error {
	ep, err := c.stack.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &c.wq)

	if err != nil {
		return hwerr.ErrNoDHCP
	}

	if err := ep.Bind(tcpip.FullAddress{Port: clientPort, NIC: c.nic}); err != nil {
		ep.Close()
		return hwerr.ErrNoDHCP
	}

	c.ep = ep

	return nil
}

// Step advances the exchange by at most one observable action and
// reports whether it is still Pending, has reached Done (a fresh or
// renewed Bound lease), or has Failed after exhausting its retries.
func (c *Client) Step(now uint64) Outcome {
	switch c.state {
	case Idle:
		if err := c.open(); err != nil {
			diag.Printf("dhcp", "open failed: %v", err)
			c.state = FailedState
			return Failed
		}

		c.retries = 0
		c.start = now
		c.state = Discovering
		c.sendDiscover()

		return Pending

	case Discovering:
		if pkt, ok := c.receive(); ok {
			if c.handleOffer(pkt) {
				c.start = now
				c.state = Requesting
				c.sendRequest()
			}

			return Pending
		}

		if boottime.Expired(c.start, now, c.clock.Seconds(5)) {
			c.retries++

			if c.retries >= maxRetries {
				c.state = FailedState
				return Failed
			}

			c.start = now
			c.sendDiscover()
		}

		return Pending

	case Requesting:
		if pkt, ok := c.receive(); ok {
			switch c.handleAck(pkt) {
			case 1:
				c.lease.LeaseStart = now
				c.state = Bound
				return Done
			case -1:
				c.state = FailedState
				return Failed
			}

			return Pending
		}

		if boottime.Expired(c.start, now, c.clock.Seconds(5)) {
			c.retries++

			if c.retries >= maxRetries {
				c.state = FailedState
				return Failed
			}

			c.start = now
			c.sendRequest()
		}

		return Pending

	case Bound:
		if boottime.Expired(c.lease.LeaseStart, now, c.lease.LeaseTicks/2) {
			c.start = now
			c.retries = 0
			c.state = Renewing
			c.sendRequest()
		}

		return Done

	case Renewing:
		if pkt, ok := c.receive(); ok {
			switch c.handleAck(pkt) {
			case 1:
				c.lease.LeaseStart = now
				c.state = Bound
				return Done
			case -1:
				// Renewal failure keeps the existing lease usable until
				// it actually expires; the caller may re-Discover later.
				c.state = Bound
				return Done
			}

			return Pending
		}

		if boottime.Expired(c.start, now, c.clock.Seconds(5)) {
			c.retries++

			if c.retries >= maxRetries {
				c.state = Bound
				return Done
			}

			c.start = now
			c.sendRequest()
		}

		return Done

	default:
		return Failed
	}
}

func (c *Client) receive() ([]byte, bool) {
	if c.ep == nil {
		return nil, false
	}

	v, _, err := c.ep.Read(nil)

	if err == tcpip.ErrWouldBlock {
		return nil, false
	}

	if err != nil {
		return nil, false
	}

	return []byte(v), true
}

func (c *Client) send(buf []byte) {
	to := tcpip.FullAddress{
		Addr: tcpip.Address(net.IPv4bcast.To4()),
		Port: serverPort,
		NIC:  c.nic,
	}

	c.ep.Write(tcpip.SlicePayload(buf), tcpip.WriteOptions{To: &to})
}

func (c *Client) sendDiscover() {
	c.send(c.buildPacket(msgDiscover, tcpip.Address(""), tcpip.Address("")))
}

func (c *Client) sendRequest() {
	c.send(c.buildPacket(msgRequest, c.offeredIP, c.serverID))
}

// buildPacket encodes a minimal DHCP client message: op/htype/hlen/hops,
// xid, chaddr, magic cookie, then the message-type option plus the
// request's two optional address options.
func (c *Client) buildPacket(msgType byte, requestedIP, serverID tcpip.Address) []byte {
	buf := make([]byte, 240, 300)

	buf[0] = opRequest
	buf[1] = 1 // htype: Ethernet
	buf[2] = 6 // hlen
	buf[3] = 0 // hops

	binary.BigEndian.PutUint32(buf[4:8], c.xid)
	copy(buf[28:44], []byte(c.mac))
	copy(buf[236:240], magicCookie[:])

	buf = append(buf, optMsgType, 1, msgType)

	if requestedIP != "" {
		buf = append(buf, optRequestedIP, 4)
		buf = append(buf, []byte(requestedIP)...)
	}

	if serverID != "" {
		buf = append(buf, optServerID, 4)
		buf = append(buf, []byte(serverID)...)
	}

	buf = append(buf, optParamRequest, 3, optSubnetMask, optRouter, optDNS)
	buf = append(buf, optEnd)

	return buf
}

// handleOffer parses an incoming OFFER, recording the offered address and
// server identifier. Returns true once a usable OFFER has been seen.
func (c *Client) handleOffer(pkt []byte) bool {
	if len(pkt) < 240 || binary.BigEndian.Uint32(pkt[4:8]) != c.xid {
		return false
	}

	opts := parseOptions(pkt[240:])

	if opts.msgType != msgOffer {
		return false
	}

	c.offeredIP = tcpip.Address(pkt[16:20])

	if sid, ok := opts.serverID(); ok {
		c.serverID = sid
	}

	return true
}

// handleAck parses an incoming ACK/NAK. Returns 1 on ACK (lease
// populated), -1 on NAK, 0 if the packet is not a response to this
// transaction.
func (c *Client) handleAck(pkt []byte) int {
	if len(pkt) < 240 || binary.BigEndian.Uint32(pkt[4:8]) != c.xid {
		return 0
	}

	opts := parseOptions(pkt[240:])

	switch opts.msgType {
	case msgAck:
		c.lease.IP = tcpip.Address(pkt[16:20])

		if mask, ok := opts.subnetMask(); ok {
			c.lease.Subnet = mask
		}

		if gw, ok := opts.router(); ok {
			c.lease.Gateway = gw
		}

		c.lease.DNS = opts.dnsServers()

		leaseSecs := opts.leaseTime()

		if leaseSecs == 0 {
			leaseSecs = 3600
		}

		c.lease.LeaseTicks = c.clock.Seconds(uint64(leaseSecs))

		return 1

	case msgNak:
		return -1

	default:
		return 0
	}
}

// options is the subset of parsed DHCP option TLVs the client needs.
type options struct {
	msgType byte
	values  map[byte][]byte
}

func parseOptions(buf []byte) options {
	o := options{values: make(map[byte][]byte)}

	for i := 0; i < len(buf); {
		code := buf[i]

		if code == optEnd {
			break
		}

		if code == 0 { // pad
			i++
			continue
		}

		if i+1 >= len(buf) {
			break
		}

		l := int(buf[i+1])

		if i+2+l > len(buf) {
			break
		}

		o.values[code] = buf[i+2 : i+2+l]

		if code == optMsgType && l == 1 {
			o.msgType = buf[i+2]
		}

		i += 2 + l
	}

	return o
}

func (o options) serverID() (tcpip.Address, bool) {
	v, ok := o.values[optServerID]

	if !ok || len(v) != 4 {
		return "", false
	}

	return tcpip.Address(v), true
}

func (o options) subnetMask() (tcpip.Address, bool) {
	v, ok := o.values[optSubnetMask]

	if !ok || len(v) != 4 {
		return "", false
	}

	return tcpip.Address(v), true
}

func (o options) router() (tcpip.Address, bool) {
	v, ok := o.values[optRouter]

	if !ok || len(v) < 4 {
		return "", false
	}

	return tcpip.Address(v[0:4]), true
}

func (o options) dnsServers() []tcpip.Address {
	v, ok := o.values[optDNS]

	if !ok {
		return nil
	}

	var out []tcpip.Address

	for i := 0; i+4 <= len(v); i += 4 {
		out = append(out, tcpip.Address(v[i:i+4]))
	}

	return out
}

func (o options) leaseTime() uint32 {
	v, ok := o.values[optLeaseTime]

	if !ok || len(v) != 4 {
		return 0
	}

	return binary.BigEndian.Uint32(v)
}
