// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dhcp

import (
	"encoding/binary"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/morpheusx-boot/netstack/boottime"
)

func testClient() *Client {
	return &Client{
		mac:   tcpip.LinkAddress([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}),
		clock: boottime.Config{Hz: 1_000_000},
		xid:   0x11223344,
	}
}

func TestBuildPacketDiscoverHasNoAddressOptions(t *testing.T) {
	c := testClient()
	buf := c.buildPacket(msgDiscover, "", "")

	if buf[0] != opRequest || buf[2] != 6 {
		t.Fatalf("unexpected op/hlen: %d/%d", buf[0], buf[2])
	}

	if binary.BigEndian.Uint32(buf[4:8]) != c.xid {
		t.Fatalf("xid mismatch")
	}

	opts := parseOptions(buf[240:])

	if opts.msgType != msgDiscover {
		t.Fatalf("msgType = %d, want msgDiscover", opts.msgType)
	}

	if _, ok := opts.values[optRequestedIP]; ok {
		t.Fatal("DISCOVER packet must not carry optRequestedIP")
	}
}

func TestBuildPacketRequestCarriesOfferedAndServerID(t *testing.T) {
	c := testClient()
	requested := tcpip.Address([]byte{192, 0, 2, 42})
	server := tcpip.Address([]byte{192, 0, 2, 1})

	buf := c.buildPacket(msgRequest, requested, server)
	opts := parseOptions(buf[240:])

	ip, ok := opts.values[optRequestedIP]

	if !ok || tcpip.Address(ip) != requested {
		t.Fatalf("optRequestedIP = %v, want %v", ip, requested)
	}

	sid, ok := opts.serverID()

	if !ok || sid != server {
		t.Fatalf("serverID() = %v, want %v", sid, server)
	}
}

func offerPacket(xid uint32, offeredIP, server tcpip.Address) []byte {
	buf := make([]byte, 240)

	binary.BigEndian.PutUint32(buf[4:8], xid)
	copy(buf[16:20], []byte(offeredIP))

	buf = append(buf, optMsgType, 1, msgOffer)
	buf = append(buf, optServerID, 4)
	buf = append(buf, []byte(server)...)
	buf = append(buf, optEnd)

	return buf
}

func TestHandleOfferRecordsOfferedAddressAndServer(t *testing.T) {
	c := testClient()
	offered := tcpip.Address([]byte{198, 51, 100, 7})
	server := tcpip.Address([]byte{198, 51, 100, 1})

	if !c.handleOffer(offerPacket(c.xid, offered, server)) {
		t.Fatal("handleOffer() = false, want true")
	}

	if c.offeredIP != offered {
		t.Fatalf("offeredIP = %v, want %v", c.offeredIP, offered)
	}

	if c.serverID != server {
		t.Fatalf("serverID = %v, want %v", c.serverID, server)
	}
}

func TestHandleOfferRejectsWrongTransaction(t *testing.T) {
	c := testClient()
	pkt := offerPacket(c.xid+1, tcpip.Address([]byte{1, 2, 3, 4}), tcpip.Address([]byte{5, 6, 7, 8}))

	if c.handleOffer(pkt) {
		t.Fatal("handleOffer() accepted a packet with a mismatched xid")
	}
}

func ackPacket(xid uint32, msgType byte, ip tcpip.Address, leaseSecs uint32) []byte {
	buf := make([]byte, 240)

	binary.BigEndian.PutUint32(buf[4:8], xid)
	copy(buf[16:20], []byte(ip))

	buf = append(buf, optMsgType, 1, msgType)

	leaseBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(leaseBytes, leaseSecs)
	buf = append(buf, optLeaseTime, 4)
	buf = append(buf, leaseBytes...)

	buf = append(buf, optEnd)

	return buf
}

func TestHandleAckPopulatesLease(t *testing.T) {
	c := testClient()
	ip := tcpip.Address([]byte{203, 0, 113, 5})

	if got := c.handleAck(ackPacket(c.xid, msgAck, ip, 7200)); got != 1 {
		t.Fatalf("handleAck() = %d, want 1", got)
	}

	if c.lease.IP != ip {
		t.Fatalf("lease.IP = %v, want %v", c.lease.IP, ip)
	}

	if want := c.clock.Seconds(7200); c.lease.LeaseTicks != want {
		t.Fatalf("lease.LeaseTicks = %d, want %d", c.lease.LeaseTicks, want)
	}
}

func TestHandleAckDefaultsLeaseTimeWhenAbsent(t *testing.T) {
	c := testClient()
	buf := make([]byte, 240)
	binary.BigEndian.PutUint32(buf[4:8], c.xid)
	buf = append(buf, optMsgType, 1, msgAck, optEnd)

	if got := c.handleAck(buf); got != 1 {
		t.Fatalf("handleAck() = %d, want 1", got)
	}

	if want := c.clock.Seconds(3600); c.lease.LeaseTicks != want {
		t.Fatalf("lease.LeaseTicks = %d, want default %d", c.lease.LeaseTicks, want)
	}
}

func TestHandleAckReturnsNegativeOneOnNak(t *testing.T) {
	c := testClient()
	buf := ackPacket(c.xid, msgNak, "", 0)

	if got := c.handleAck(buf); got != -1 {
		t.Fatalf("handleAck() = %d, want -1 on NAK", got)
	}
}

func TestHandleAckIgnoresWrongTransaction(t *testing.T) {
	c := testClient()
	buf := ackPacket(c.xid+1, msgAck, tcpip.Address([]byte{1, 1, 1, 1}), 60)

	if got := c.handleAck(buf); got != 0 {
		t.Fatalf("handleAck() = %d, want 0 for mismatched xid", got)
	}
}

func TestParseOptionsStopsAtEnd(t *testing.T) {
	buf := []byte{optMsgType, 1, msgDiscover, optEnd, optRouter, 4, 9, 9, 9, 9}
	opts := parseOptions(buf)

	if opts.msgType != msgDiscover {
		t.Fatalf("msgType = %d, want msgDiscover", opts.msgType)
	}

	if _, ok := opts.router(); ok {
		t.Fatal("parseOptions() read past optEnd")
	}
}

func TestParseOptionsSkipsPad(t *testing.T) {
	buf := []byte{0, 0, optMsgType, 1, msgOffer, optEnd}
	opts := parseOptions(buf)

	if opts.msgType != msgOffer {
		t.Fatalf("msgType = %d, want msgOffer", opts.msgType)
	}
}

func TestDNSServersParsesMultipleEntries(t *testing.T) {
	o := options{values: map[byte][]byte{
		optDNS: {8, 8, 8, 8, 1, 1, 1, 1},
	}}

	got := o.dnsServers()

	if len(got) != 2 {
		t.Fatalf("dnsServers() returned %d entries, want 2", len(got))
	}

	if got[0] != tcpip.Address([]byte{8, 8, 8, 8}) || got[1] != tcpip.Address([]byte{1, 1, 1, 1}) {
		t.Fatalf("dnsServers() = %v", got)
	}
}
