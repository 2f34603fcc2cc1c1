// MorpheusX post-EBS network/boot stack
// https://github.com/morpheusx-boot/netstack
//
// Copyright (c) The MorpheusX Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package download composes DHCP, DNS, and HTTP into the end-to-end
// fetch-and-write-to-disk pipeline: acquire an address, resolve the
// mirror, stream the body straight into a sector-aligned disk writer
// while hashing it, and append a manifest record once verified.
package download

import (
	"crypto/sha256"
	"net/url"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/morpheusx-boot/netstack/blockdev"
	"github.com/morpheusx-boot/netstack/boottime"
	"github.com/morpheusx-boot/netstack/diag"
	"github.com/morpheusx-boot/netstack/hwerr"
	"github.com/morpheusx-boot/netstack/proto/dhcp"
	"github.com/morpheusx-boot/netstack/proto/dnsclient"
	"github.com/morpheusx-boot/netstack/proto/httpclient"
)

// State names the orchestrator's position in the end-to-end pipeline.
type State int

const (
	WaitingForNetwork State = iota
	ResolvingMirror
	Downloading
	Verifying
	WritingManifest
	Done
	Failed
)

// Outcome is the result of a single Step call.
type Outcome int

const (
	Pending Outcome = iota
	OutcomeDone
	OutcomeFailed
)

// publicResolver is the last-resort fallback DNS server tried if the
// DHCP-advertised gateway does not answer.
var publicResolver = tcpip.Address(net4(1, 1, 1, 1))

func net4(a, b, c, d byte) []byte { return []byte{a, b, c, d} }

// Orchestrator drives one image download to completion against a single
// stack NIC and block device.
type Orchestrator struct {
	stack *stack.Stack
	nic   tcpip.NICID
	mac   tcpip.LinkAddress
	clock boottime.Config
	block blockdev.Device

	// startSector is where the payload begins on disk; the manifest is
	// appended immediately after the last sector written.
	startSector uint64

	mirrorURL string
	host      string
	port      uint16
	path      string

	dhcp *dhcp.Client
	dns  *dnsclient.Client
	http *httpclient.Client

	state State
	xid   uint32

	hasher          hashState
	offset          uint64
	sectorCursor    uint64
	writeBuf        []byte
	sectorSize      uint32
	inFlight        int
	manifestWritten bool

	finalHash [32]byte
}

// maxInFlightWrites bounds how many sector writes may be outstanding
// (submitted, not yet reclaimed) at once; once reached, Write stops
// accepting body bytes until a completion frees a slot, which is how the
// HTTP body stream gets throttled by disk speed. Picked well below
// virtio-blk's default descriptor-slot count.
const maxInFlightWrites = 8

type hashState interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// NewOrchestrator constructs an Orchestrator for the given mirror URL
// (http only), writing the payload starting at startSector. mac is the
// NIC's own hardware address, used to fill DHCP's chaddr field.
func NewOrchestrator(s *stack.Stack, nic tcpip.NICID, mac tcpip.LinkAddress, clock boottime.Config, block blockdev.Device, mirrorURL string, startSector uint64, xid uint32) (*Orchestrator, error) {
	u, err := url.Parse(mirrorURL)

	if err != nil || u.Scheme != "http" {
		return nil, hwerr.ErrBadHeader
	}

	host := u.Hostname()
	port := uint16(80)

	if u.Port() != "" {
		var p uint64

		for _, ch := range u.Port() {
			p = p*10 + uint64(ch-'0')
		}

		port = uint16(p)
	}

	path := u.RequestURI()

	if path == "" {
		path = "/"
	}

	return &Orchestrator{
		stack:        s,
		nic:          nic,
		mac:          mac,
		clock:        clock,
		block:        block,
		startSector:  startSector,
		mirrorURL:    mirrorURL,
		host:         host,
		port:         port,
		path:         path,
		xid:          xid,
		sectorCursor: startSector,
		sectorSize:   block.SectorSize(),
		hasher:       sha256.New(),
		state:        WaitingForNetwork,
	}, nil
}

// State reports the orchestrator's current pipeline stage.
func (o *Orchestrator) State() State {
	return o.state
}

// Step advances the pipeline by at most one observable action.
func (o *Orchestrator) Step(now uint64) Outcome {
	switch o.state {
	case WaitingForNetwork:
		return o.stepDHCP(now)

	case ResolvingMirror:
		return o.stepDNS(now)

	case Downloading:
		return o.stepHTTP(now)

	case Verifying:
		return o.stepVerify()

	case WritingManifest:
		return o.stepManifest(now)

	case Done:
		return OutcomeDone

	default:
		return OutcomeFailed
	}
}

func (o *Orchestrator) stepDHCP(now uint64) Outcome {
	if o.dhcp == nil {
		o.dhcp = dhcp.NewClient(o.stack, o.nic, o.mac, o.clock, o.xid)
	}

	switch o.dhcp.Step(now) {
	case dhcp.Done:
		lease := o.dhcp.Lease()

		if err := o.stack.AddAddress(o.nic, ipv4.ProtocolNumber, lease.IP); err != nil {
			diag.Printf("download", "AddAddress: %v", err)
		}

		subnet, _ := tcpip.NewSubnet(tcpip.Address(net4(0, 0, 0, 0)), tcpip.AddressMask(net4(0, 0, 0, 0)))

		o.stack.SetRouteTable([]tcpip.Route{{Destination: subnet, Gateway: lease.Gateway, NIC: o.nic}})

		resolvers := append(append([]tcpip.Address{}, lease.DNS...), lease.Gateway, publicResolver)

		o.dns = dnsclient.NewClient(o.stack, o.nic, o.clock, resolvers, uint16(now))
		o.dns.Resolve(o.host)
		o.state = ResolvingMirror

		return Pending

	case dhcp.Failed:
		o.state = Failed
		return OutcomeFailed

	default:
		return Pending
	}
}

func (o *Orchestrator) stepDNS(now uint64) Outcome {
	switch o.dns.Step(now) {
	case dnsclient.Resolved:
		o.http = httpclient.NewClient(o.stack, o.nic, o.clock, nil)
		o.http.GetResolved(o.dns.Result(), o.port, o.host, o.path, o)
		o.state = Downloading

		return Pending

	case dnsclient.Failed:
		o.state = Failed
		return OutcomeFailed

	default:
		return Pending
	}
}

func (o *Orchestrator) stepHTTP(now uint64) Outcome {
	o.reapWrite()

	switch o.http.Step(now) {
	case httpclient.OutcomeDone:
		o.state = Verifying
		return Pending

	case httpclient.OutcomeFailed:
		o.state = Failed
		return OutcomeFailed

	default:
		return Pending
	}
}

// Write implements httpclient.BodySink: it is called by the HTTP client
// with each chunk of the streamed body. It never blocks; once
// maxInFlightWrites sector writes are outstanding it accepts nothing
// more, and the HTTP client buffers the remainder and stops reading from
// the socket, which is how backpressure on a slow disk reaches back to
// the TCP receive window.
func (o *Orchestrator) Write(p []byte) (int, error) {
	// bufferCap keeps the write-ahead buffer from growing without bound
	// while writes are in flight: one extra sector of slack beyond what
	// maxInFlightWrites can currently drain.
	bufferCap := int64(maxInFlightWrites+1) * int64(o.sectorSize)
	room := bufferCap - int64(len(o.writeBuf))

	if room <= 0 {
		return 0, nil
	}

	if int64(len(p)) > room {
		p = p[:room]
	}

	o.hasher.Write(p)
	o.offset += uint64(len(p))
	o.writeBuf = append(o.writeBuf, p...)

	for o.inFlight < maxInFlightWrites && uint32(len(o.writeBuf)) >= o.sectorSize {
		chunk := o.writeBuf[:o.sectorSize]

		if err := o.block.Write(o.sectorCursor, chunk); err != nil {
			return 0, hwerr.ErrStorageWriteFailed
		}

		o.inFlight++
		o.sectorCursor++
		o.writeBuf = o.writeBuf[o.sectorSize:]
	}

	return len(p), nil
}

func (o *Orchestrator) reapWrite() {
	if o.inFlight == 0 {
		return
	}

	if n := o.block.ReclaimWrites(); n > 0 {
		o.inFlight -= n

		if o.inFlight < 0 {
			o.inFlight = 0
		}
	}
}

func (o *Orchestrator) stepVerify() Outcome {
	o.reapWrite()

	if o.inFlight > 0 {
		return Pending
	}

	if len(o.writeBuf) > 0 {
		padded := make([]byte, o.sectorSize)
		copy(padded, o.writeBuf)

		if err := o.block.Write(o.sectorCursor, padded); err != nil {
			o.state = Failed
			return OutcomeFailed
		}

		o.inFlight++
		o.sectorCursor++
		o.writeBuf = nil

		return Pending
	}

	copy(o.finalHash[:], o.hasher.Sum(nil))
	o.state = WritingManifest

	return Pending
}

func (o *Orchestrator) stepManifest(now uint64) Outcome {
	o.reapWrite()

	if !o.manifestWritten {
		if o.inFlight > 0 {
			return Pending
		}

		m := Manifest{
			Length:    o.offset,
			SHA256:    o.finalHash,
			URL:       o.mirrorURL,
			Timestamp: now / o.clock.Hz,
		}

		buf := m.Marshal()
		padded := make([]byte, ((uint32(len(buf))+o.sectorSize-1)/o.sectorSize)*o.sectorSize)
		copy(padded, buf)

		if err := o.block.Write(o.sectorCursor, padded); err != nil {
			o.state = Failed
			return OutcomeFailed
		}

		o.inFlight++
		o.sectorCursor++
		o.manifestWritten = true

		return Pending
	}

	if o.inFlight > 0 {
		return Pending
	}

	o.state = Done

	return OutcomeDone
}
