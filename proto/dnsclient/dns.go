// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dnsclient implements a single-query, non-blocking DNS A-record
// resolver that falls back through an ordered list of resolvers (as the
// download orchestrator builds it: the DHCP-advertised DNS servers, then
// the gateway, then a public resolver).
package dnsclient

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/morpheusx-boot/netstack/boottime"
	"github.com/morpheusx-boot/netstack/diag"
	"github.com/morpheusx-boot/netstack/hwerr"
)

const dnsPort = 53

const (
	typeA     = 1
	classINET = 1
)

// State names the resolver's position in the query.
type State int

const (
	Idle State = iota
	Querying
	Done
	FailedState
)

// Outcome is the result of a single Step call.
type Outcome int

const (
	Pending Outcome = iota
	Resolved
	Failed
)

// Client resolves a single hostname to an IPv4 address, retrying against
// each resolver in Resolvers in turn.
type Client struct {
	stack *stack.Stack
	nic   tcpip.NICID
	clock boottime.Config

	resolvers []tcpip.Address
	resolver  int

	name string
	id   uint16

	ep tcpip.Endpoint
	wq waiter.Queue

	state   State
	start   uint64
	retries int

	result tcpip.Address
}

const maxRetriesPerResolver = 2

// NewClient constructs a resolver that will try resolvers in order,
// stopping at the first one that answers (successfully or with NXDOMAIN).
func NewClient(s *stack.Stack, nic tcpip.NICID, clock boottime.Config, resolvers []tcpip.Address, id uint16) *Client {
	return &Client{
		stack:     s,
		nic:       nic,
		clock:     clock,
		resolvers: resolvers,
		id:        id,
		state:     Idle,
	}
}

// Resolve begins resolving name. Calling it again before Done/Failed
// resets the query.
func (c *Client) Resolve(name string) {
	c.name = name
	c.resolver = 0
	c.retries = 0
	c.state = Idle

	if c.ep != nil {
		c.ep.Close()
		c.ep = nil
	}
}

// Result returns the resolved address once Step has returned Resolved.
func (c *Client) Result() tcpip.Address {
	return c.result
}

func (c *Client) open() error {
	ep, err := c.stack.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &c.wq)

	if err != nil {
		return hwerr.ErrResolveTimeout
	}

	if err := ep.Bind(tcpip.FullAddress{NIC: c.nic}); err != nil {
		ep.Close()
		return hwerr.ErrResolveTimeout
	}

	c.ep = ep

	return nil
}

// Step advances the query by at most one observable action.
func (c *Client) Step(now uint64) Outcome {
	switch c.state {
	case Idle:
		if c.resolver >= len(c.resolvers) {
			c.state = FailedState
			return Failed
		}

		if c.ep == nil {
			if err := c.open(); err != nil {
				diag.Printf("dns", "open failed: %v", err)
				c.state = FailedState
				return Failed
			}
		}

		c.start = now
		c.sendQuery()
		c.state = Querying

		return Pending

	case Querying:
		if pkt, ok := c.receive(); ok {
			addr, nxdomain, ok := parseAnswer(pkt, c.id, c.name)

			if !ok {
				return Pending
			}

			if nxdomain {
				c.state = FailedState
				return Failed
			}

			c.result = addr
			c.state = Done

			return Resolved
		}

		if boottime.Expired(c.start, now, c.clock.Seconds(5)) {
			c.retries++

			if c.retries >= maxRetriesPerResolver {
				c.resolver++
				c.retries = 0
				c.state = Idle

				return Pending
			}

			c.start = now
			c.sendQuery()
		}

		return Pending

	case Done:
		return Resolved

	default:
		return Failed
	}
}

func (c *Client) receive() ([]byte, bool) {
	v, _, err := c.ep.Read(nil)

	if err == tcpip.ErrWouldBlock {
		return nil, false
	}

	if err != nil {
		return nil, false
	}

	return []byte(v), true
}

func (c *Client) sendQuery() {
	to := tcpip.FullAddress{
		Addr: c.resolvers[c.resolver],
		Port: dnsPort,
		NIC:  c.nic,
	}

	c.ep.Write(tcpip.SlicePayload(buildQuery(c.id, c.name)), tcpip.WriteOptions{To: &to})
}

// buildQuery encodes a minimal, single-question, recursion-desired A
// query.
func buildQuery(id uint16, name string) []byte {
	buf := make([]byte, 12)

	binary.BigEndian.PutUint16(buf[0:2], id)
	binary.BigEndian.PutUint16(buf[2:4], 0x0100) // RD=1
	binary.BigEndian.PutUint16(buf[4:6], 1)      // QDCOUNT

	buf = append(buf, encodeName(name)...)
	buf = append(buf, 0, typeA, 0, classINET)

	return buf
}

func encodeName(name string) []byte {
	var out []byte
	label := make([]byte, 0, 63)

	flush := func() {
		if len(label) > 0 {
			out = append(out, byte(len(label)))
			out = append(out, label...)
			label = label[:0]
		}
	}

	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			flush()
			continue
		}

		label = append(label, name[i])
	}

	flush()
	out = append(out, 0)

	return out
}

// parseAnswer extracts the first A record from a response to the query
// with the given id and question name. ok is false if the packet is not
// a usable answer to this query (wrong id, truncated, etc).
func parseAnswer(pkt []byte, id uint16, name string) (addr tcpip.Address, nxdomain bool, ok bool) {
	if len(pkt) < 12 {
		return "", false, false
	}

	if binary.BigEndian.Uint16(pkt[0:2]) != id {
		return "", false, false
	}

	flags := binary.BigEndian.Uint16(pkt[2:4])
	rcode := flags & 0xf

	qdcount := binary.BigEndian.Uint16(pkt[4:6])
	ancount := binary.BigEndian.Uint16(pkt[6:8])

	if rcode == 3 { // NXDOMAIN
		return "", true, true
	}

	if rcode != 0 {
		return "", false, false
	}

	off := 12

	for i := uint16(0); i < qdcount; i++ {
		n, adv := skipName(pkt, off)

		if !n {
			return "", false, false
		}

		off = adv + 4 // QTYPE + QCLASS
	}

	for i := uint16(0); i < ancount; i++ {
		n, adv := skipName(pkt, off)

		if !n {
			return "", false, false
		}

		off = adv

		if off+10 > len(pkt) {
			return "", false, false
		}

		rtype := binary.BigEndian.Uint16(pkt[off : off+2])
		rdlen := binary.BigEndian.Uint16(pkt[off+8 : off+10])
		off += 10

		if off+int(rdlen) > len(pkt) {
			return "", false, false
		}

		if rtype == typeA && rdlen == 4 {
			return tcpip.Address(pkt[off : off+4]), false, true
		}

		off += int(rdlen)
	}

	return "", false, false
}

// skipName advances past a (possibly compressed) DNS name starting at
// off, returning the offset immediately following it.
func skipName(pkt []byte, off int) (bool, int) {
	for off < len(pkt) {
		l := int(pkt[off])

		if l == 0 {
			return true, off + 1
		}

		if l&0xc0 == 0xc0 {
			return true, off + 2
		}

		off += 1 + l
	}

	return false, off
}
